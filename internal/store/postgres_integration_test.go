//go:build integration

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sells-group/finscan/internal/model"
)

func newIntegrationPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("finscan_test"),
		postgres.WithUsername("finscan"),
		postgres.WithPassword("finscan"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	st, err := NewPostgres(ctx, dsn, &PoolConfig{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))
	return st
}

func TestPostgresIntegration_Lifecycle(t *testing.T) {
	st := newIntegrationPostgresStore(t)
	ctx := context.Background()

	id := createRecord(t, st, "reef.mp4", "8f3a", "00:00:05.000")

	_, err := st.Create(ctx, model.NewRecord{VideoID: "reef.mp4", Fingerprint: "8f3a", Timestamp: "00:00:06.000", ImageRef: "x"})
	assert.True(t, errors.Is(err, ErrAlreadyExists))

	added, err := st.AppendTimestamp(ctx, id, "00:00:01.000")
	require.NoError(t, err)
	assert.True(t, added)

	require.NoError(t, st.SetStatus(ctx, id, model.StatusEnriching, nil))
	require.NoError(t, st.SetStatus(ctx, id, model.StatusEnriched, &model.Taxonomy{Kingdom: "Animalia"}))
	assert.True(t, errors.Is(st.SetStatus(ctx, id, model.StatusError, nil), ErrInvalidTransition))

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"00:00:01.000", "00:00:05.000"}, rec.Timestamps)
	assert.Equal(t, model.StatusEnriched, rec.Status)
	assert.Equal(t, "Animalia", rec.Taxonomy.Kingdom)

	ref, err := st.Delete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "reef.mp4/8f3a.png", ref)
}

func TestPostgresIntegration_ConcurrentAppend(t *testing.T) {
	st := newIntegrationPostgresStore(t)
	ctx := context.Background()
	id := createRecord(t, st, "reef.mp4", "race", "00:00:00.000")

	var wg sync.WaitGroup
	for _, ts := range []string{"00:00:03.000", "00:00:01.000", "00:00:02.000", "00:00:01.000"} {
		wg.Add(1)
		go func(ts string) {
			defer wg.Done()
			_, err := st.AppendTimestamp(ctx, id, ts)
			assert.NoError(t, err)
		}(ts)
	}
	wg.Wait()

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"00:00:00.000", "00:00:01.000", "00:00:02.000", "00:00:03.000"}, rec.Timestamps)
}
