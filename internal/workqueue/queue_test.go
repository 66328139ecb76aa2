package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finscan/internal/model"
)

func TestMemory_FIFO(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.Push(ctx, model.Task{RecordID: i, ImageRef: "v/x.png"}))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for i := int64(1); i <= 3; i++ {
		task, ok, err := q.Pop(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, task.RecordID)
	}

	_, ok, err := q.Pop(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_PopWaitsForPush(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Push(ctx, model.Task{RecordID: 9})
	}()

	task, ok, err := q.Pop(ctx, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(9), task.RecordID)
}

func TestMemory_WakeReleasesPop(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Wake(ctx)
	}()

	start := time.Now()
	_, ok, err := q.Pop(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMemory_PopPrefersQueuedTaskOverWake(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Wake(ctx))
	require.NoError(t, q.Push(ctx, model.Task{RecordID: 1}))

	task, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), task.RecordID)
}

func TestMemory_PopContextCancelled(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := q.Pop(ctx, time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_Drain(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	for i := int64(1); i <= 4; i++ {
		require.NoError(t, q.Push(ctx, model.Task{RecordID: i}))
	}

	drained, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, drained, 4)
	assert.Equal(t, int64(1), drained[0].RecordID)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemory_ConcurrentPushPop(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	const total = 200

	go func() {
		for i := int64(0); i < total; i++ {
			_ = q.Push(ctx, model.Task{RecordID: i})
		}
	}()

	seen := make([]int64, 0, total)
	for len(seen) < total {
		task, ok, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		seen = append(seen, task.RecordID)
	}
	for i := range seen {
		assert.Equal(t, int64(i), seen[i])
	}
}
