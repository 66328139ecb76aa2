package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finscan/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func createRecord(t *testing.T, st Store, video, fp, ts string) int64 {
	t.Helper()
	id, err := st.Create(context.Background(), model.NewRecord{
		VideoID:     video,
		Fingerprint: fp,
		Timestamp:   ts,
		ImageRef:    video + "/" + fp + ".png",
	})
	require.NoError(t, err)
	return id
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_CreateAndFind(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	id := createRecord(t, st, "reef.mp4", "8f3a", "00:00:01.000")
	assert.Positive(t, id)

	rec, err := st.FindByFingerprint(ctx, "reef.mp4", "8f3a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "reef.mp4", rec.VideoID)
	assert.Equal(t, "reef.mp4/8f3a.png", rec.ImageRef)
	assert.Equal(t, []string{"00:00:01.000"}, rec.Timestamps)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Nil(t, rec.Taxonomy)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestSQLite_FindByFingerprint_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	rec, err := st.FindByFingerprint(context.Background(), "reef.mp4", "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSQLite_Create_Duplicate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	createRecord(t, st, "reef.mp4", "8f3a", "00:00:01.000")
	_, err := st.Create(ctx, model.NewRecord{VideoID: "reef.mp4", Fingerprint: "8f3a", Timestamp: "00:00:02.000", ImageRef: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyExists))

	// Same fingerprint in another video is a different record.
	other := createRecord(t, st, "kelp.mp4", "8f3a", "00:00:01.000")
	assert.Positive(t, other)
}

func TestSQLite_Create_ConcurrentSameKey(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dupes   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Create(ctx, model.NewRecord{VideoID: "reef.mp4", Fingerprint: "race", Timestamp: "00:00:01.000", ImageRef: "r.png"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrAlreadyExists):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, dupes)

	recs, err := st.List(ctx, RecordFilter{VideoID: "reef.mp4"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSQLite_AppendTimestamp(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	id := createRecord(t, st, "reef.mp4", "8f3a", "00:00:05.000")

	added, err := st.AppendTimestamp(ctx, id, "00:00:01.000")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = st.AppendTimestamp(ctx, id, "00:00:05.000")
	require.NoError(t, err)
	assert.False(t, added)

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"00:00:01.000", "00:00:05.000"}, rec.Timestamps)

	_, err = st.AppendTimestamp(ctx, 9999, "00:00:01.000")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_AppendTimestamp_Concurrent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	id := createRecord(t, st, "reef.mp4", "8f3a", "00:00:00.000")

	stamps := []string{"00:00:04.000", "00:00:02.000", "00:00:03.000", "00:00:01.000", "00:00:02.000"}
	var wg sync.WaitGroup
	for _, ts := range stamps {
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
	assert.Equal(t, []string{"00:00:00.000", "00:00:01.000", "00:00:02.000", "00:00:03.000", "00:00:04.000"}, rec.Timestamps)
}

func TestSQLite_SetStatus_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	id := createRecord(t, st, "reef.mp4", "8f3a", "00:00:01.000")

	// pending cannot jump straight to enriched.
	err := st.SetStatus(ctx, id, model.StatusEnriched, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, st.SetStatus(ctx, id, model.StatusEnriching, nil))

	tax := &model.Taxonomy{Kingdom: "Animalia", Phylum: "Chordata", Class: "Actinopterygii", Order: "Perciformes",
		Family: "Pomacentridae", Genus: "Amphiprion", Species: "Amphiprion ocellaris"}
	require.NoError(t, st.SetStatus(ctx, id, model.StatusEnriched, tax))

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnriched, rec.Status)
	assert.Equal(t, tax, rec.Taxonomy)

	// Terminal states stay put.
	err = st.SetStatus(ctx, id, model.StatusError, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	err = st.SetStatus(ctx, id, model.StatusPending, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestSQLite_SetStatus_Error(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	id := createRecord(t, st, "reef.mp4", "8f3a", "00:00:01.000")

	require.NoError(t, st.SetStatus(ctx, id, model.StatusEnriching, nil))
	require.NoError(t, st.SetStatus(ctx, id, model.StatusError, nil))

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, rec.Status)
	assert.Nil(t, rec.Taxonomy)
}

func TestSQLite_SetStatus_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.SetStatus(context.Background(), 42, model.StatusEnriching, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListAndVideos(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := createRecord(t, st, "reef.mp4", "aa", "00:00:01.000")
	createRecord(t, st, "reef.mp4", "bb", "00:00:02.000")
	createRecord(t, st, "kelp.mp4", "cc", "00:00:03.000")
	require.NoError(t, st.SetStatus(ctx, a, model.StatusEnriching, nil))

	all, err := st.List(ctx, RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	reef, err := st.List(ctx, RecordFilter{VideoID: "reef.mp4"})
	require.NoError(t, err)
	assert.Len(t, reef, 2)

	enriching, err := st.List(ctx, RecordFilter{Status: model.StatusEnriching})
	require.NoError(t, err)
	require.Len(t, enriching, 1)
	assert.Equal(t, a, enriching[0].ID)

	limited, err := st.List(ctx, RecordFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	videos, err := st.ListVideos(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"kelp.mp4", "reef.mp4"}, videos)

	fps, err := st.Fingerprints(ctx, "reef.mp4")
	require.NoError(t, err)
	assert.Len(t, fps, 2)
	assert.Equal(t, a, fps["aa"])
}

func TestSQLite_DeleteAndUpdateImageRef(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	id := createRecord(t, st, "reef.mp4", "aa", "00:00:01.000")

	require.NoError(t, st.UpdateImageRef(ctx, id, "reef.mp4/moved.png"))

	ref, err := st.Delete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "reef.mp4/moved.png", ref)

	_, err = st.Get(ctx, id)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = st.Delete(ctx, id)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(st.UpdateImageRef(ctx, id, "x"), ErrNotFound))
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/tmp/finscan.db")
	assert.Contains(t, dsn, "file:/tmp/finscan.db?")
	assert.Contains(t, dsn, "_pragma=busy_timeout%285000%29")

	dsn = sqliteDSN("file:x.db?cache=shared")
	assert.Contains(t, dsn, "file:x.db?cache=shared&_pragma=")
}
