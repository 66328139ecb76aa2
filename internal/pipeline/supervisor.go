package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finscan/internal/workqueue"
)

// ErrRunActive is returned by Start while a run is in progress.
var ErrRunActive = eris.New("pipeline: a run is already active")

// ConsumerState is the lifecycle of the supervisor's consumer goroutine.
type ConsumerState int

const (
	ConsumerNotStarted ConsumerState = iota
	ConsumerRunning
	ConsumerStopped
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerNotStarted:
		return "not_started"
	case ConsumerRunning:
		return "running"
	case ConsumerStopped:
		return "stopped"
	}
	return fmt.Sprintf("consumer_state(%d)", int(s))
}

// Supervisor runs at most one producer at a time and keeps a single
// consumer alive across runs while it has work.
type Supervisor struct {
	mu       sync.Mutex
	signal   *Signal
	tracker  *Tracker
	queue    workqueue.Queue
	producer *Producer
	consumer *Consumer
	state    ConsumerState
	wg       sync.WaitGroup
}

// NewSupervisor wires a producer and consumer that share signal, tracker,
// and queue.
func NewSupervisor(signal *Signal, tracker *Tracker, queue workqueue.Queue, producer *Producer, consumer *Consumer) *Supervisor {
	s := &Supervisor{
		signal:   signal,
		tracker:  tracker,
		queue:    queue,
		producer: producer,
		consumer: consumer,
	}
	consumer.stop = s.consumerMayStop
	return s
}

// Start begins a run for ref and returns immediately. The goroutines it
// spawns outlive ctx's cancellation; use Cancel to stop them.
func (s *Supervisor) Start(ctx context.Context, ref VideoRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tracker.Active() {
		return ErrRunActive
	}

	s.signal.Reset()
	run := s.tracker.Begin(0)
	bg := context.WithoutCancel(ctx)
	runCtx, cancel := s.signal.Context(bg)

	zap.L().Info("supervisor: starting run",
		zap.Uint64("run", run.ID()),
		zap.String("video", ref.ID),
		zap.String("consumer", s.state.String()),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.producer.Run(runCtx, ref, run); err != nil {
			zap.L().Warn("supervisor: producer exited with error", zap.Uint64("run", run.ID()), zap.Error(err))
		}
		// Release a consumer blocked on an empty queue so it sees the run end.
		if err := s.queue.Wake(bg); err != nil {
			zap.L().Warn("supervisor: wake consumer", zap.Error(err))
		}
	}()

	if s.state != ConsumerRunning {
		s.state = ConsumerRunning
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.consumer.Run(bg); err != nil {
				zap.L().Warn("supervisor: consumer exited with error", zap.Error(err))
			}
		}()
	}
	return nil
}

// consumerMayStop runs the consumer's exit check under the supervisor lock
// so a concurrent Start either sees the consumer stopped or the consumer
// sees the new run.
func (s *Supervisor) consumerMayStop(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.consumer.shouldStop(ctx) {
		return false
	}
	s.state = ConsumerStopped
	return true
}

// Cancel raises the signal, marks the tracker inactive, and discards queued
// tasks. Their records stay pending.
func (s *Supervisor) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.signal.Set()
	s.tracker.Cancel()

	tasks, err := s.queue.Drain(ctx)
	if err != nil {
		return eris.Wrap(err, "supervisor: drain queue")
	}
	zap.L().Info("supervisor: run cancelled", zap.Int("discarded_tasks", len(tasks)))

	if err := s.queue.Wake(ctx); err != nil {
		return eris.Wrap(err, "supervisor: wake consumer")
	}
	return nil
}

// Snapshot returns the current progress.
func (s *Supervisor) Snapshot() Snapshot {
	return s.tracker.Snapshot()
}

// ConsumerState reports the consumer lifecycle.
func (s *Supervisor) ConsumerState() ConsumerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wait blocks until every goroutine spawned by Start has returned or ctx
// is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "supervisor: wait")
	}
}
