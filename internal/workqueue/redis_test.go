package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finscan/internal/model"
)

func newMiniRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	return NewRedis(client, "finscan:test"), mr
}

func TestRedis_PopDecodesTask(t *testing.T) {
	q, _ := newMiniRedis(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, model.Task{RecordID: 7, ImageRef: "reef.mp4/a.png", Run: 2}))

	task, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.Task{RecordID: 7, ImageRef: "reef.mp4/a.png", Run: 2}, task)
}

func TestRedis_PopMovesUndecodableToDeadLetter(t *testing.T) {
	q, mr := newMiniRedis(t)
	ctx := context.Background()

	_, err := mr.RPush("finscan:test", "{not json")
	require.NoError(t, err)
	require.NoError(t, q.Push(ctx, model.Task{RecordID: 8, ImageRef: "reef.mp4/b.png"}))

	_, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	dead, err := mr.List("finscan:test:dead")
	require.NoError(t, err)
	assert.Equal(t, []string{"{not json"}, dead)

	task, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(8), task.RecordID)
}
