package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignal_SetReset(t *testing.T) {
	s := NewSignal()
	assert.False(t, s.IsSet())

	done := s.Done()
	s.Set()
	s.Set()
	assert.True(t, s.IsSet())
	select {
	case <-done:
	default:
		t.Fatal("done channel not closed after Set")
	}

	s.Reset()
	assert.False(t, s.IsSet())
	select {
	case <-s.Done():
		t.Fatal("fresh done channel closed after Reset")
	default:
	}
}

func TestSignal_Context(t *testing.T) {
	s := NewSignal()
	ctx, cancel := s.Context(context.Background())
	defer cancel()

	s.Set()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by signal")
	}

	// A context taken before Reset stays cancelled; a new one is live.
	s.Reset()
	assert.Error(t, ctx.Err())
	fresh, cancelFresh := s.Context(context.Background())
	defer cancelFresh()
	assert.NoError(t, fresh.Err())
}

func TestSignal_ContextParentCancel(t *testing.T) {
	s := NewSignal()
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := s.Context(parent)
	defer cancel()

	cancelParent()
	<-ctx.Done()
	assert.False(t, s.IsSet())
}
