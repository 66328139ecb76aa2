package pipeline

import (
	"context"
	"sync"
)

// Signal is the cancellation flag shared by the producer and the consumer.
// Once set it stays set until Reset, which only happens when a new run
// starts.
type Signal struct {
	mu   sync.Mutex
	done chan struct{}
	set  bool
}

// NewSignal returns a clear signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Set raises the signal. Repeated calls are no-ops.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.done)
	}
}

// Reset clears a raised signal.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.done = make(chan struct{})
	}
}

// IsSet reports whether the signal is raised.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel closed when the signal is raised. The channel
// belongs to the current generation; after Reset callers must fetch it
// again.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Context derives a context from parent that is cancelled when the signal
// of the current generation is raised.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	done := s.Done()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
