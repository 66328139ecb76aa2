// Package workqueue holds enrichment tasks between the producer and the
// consumer.
package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/finscan/internal/model"
)

// Queue is a FIFO of enrichment tasks.
type Queue interface {
	Push(ctx context.Context, task model.Task) error
	// Pop waits up to wait for a task. ok is false when the wait elapsed or
	// the queue was woken without a task.
	Pop(ctx context.Context, wait time.Duration) (task model.Task, ok bool, err error)
	Len(ctx context.Context) (int, error)
	// Drain removes and returns every queued task.
	Drain(ctx context.Context) ([]model.Task, error)
	// Wake releases a blocked Pop so the caller can re-check its exit
	// conditions.
	Wake(ctx context.Context) error
}

// Memory is an unbounded in-process Queue.
type Memory struct {
	mu     sync.Mutex
	items  []model.Task
	notify chan struct{}
	wake   chan struct{}
}

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		notify: make(chan struct{}, 1),
		wake:   make(chan struct{}, 1),
	}
}

func (q *Memory) Push(_ context.Context, task model.Task) error {
	q.mu.Lock()
	q.items = append(q.items, task)
	q.mu.Unlock()
	signal(q.notify)
	return nil
}

func (q *Memory) Pop(ctx context.Context, wait time.Duration) (model.Task, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if task, ok := q.tryPop(); ok {
			return task, true, nil
		}
		select {
		case <-q.notify:
		case <-q.wake:
			return model.Task{}, false, nil
		case <-timer.C:
			return model.Task{}, false, nil
		case <-ctx.Done():
			return model.Task{}, false, ctx.Err()
		}
	}
}

func (q *Memory) tryPop() (model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.Task{}, false
	}
	task := q.items[0]
	q.items[0] = model.Task{}
	q.items = q.items[1:]
	return task, true
}

func (q *Memory) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *Memory) Drain(_ context.Context) ([]model.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out, nil
}

func (q *Memory) Wake(_ context.Context) error {
	signal(q.wake)
	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
