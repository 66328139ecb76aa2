package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Section is the progress of one pipeline side.
type Section struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Errored bool   `json:"errored"`
	Failed  int    `json:"failed,omitempty"`
	Message string `json:"message"`
}

// Snapshot is a consistent copy of the progress state.
type Snapshot struct {
	Seq              uint64  `json:"seq"`
	Run              uint64  `json:"run"`
	Detection        Section `json:"detection"`
	Characterization Section `json:"characterization"`
	Active           bool    `json:"active"`
	// Finalized is true once the characterization total is fixed.
	Finalized bool `json:"finalized"`
}

// Done reports whether the run finished and every task was processed.
func (s Snapshot) Done() bool {
	return !s.Active && s.Finalized && s.Characterization.Current >= s.Characterization.Total
}

// Publisher receives every snapshot after a mutation.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// Outcome is how a producer run ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Tracker is the single lock-guarded progress state shared by the producer,
// the consumer, and pollers. Each run is a generation; updates carrying an
// older generation are ignored.
type Tracker struct {
	mu        sync.Mutex
	gen       uint64
	seq       uint64
	det       Section
	char      Section
	active    bool
	enqueued  int
	finalized bool
	publisher Publisher
}

// NewTracker creates an idle tracker. pub may be nil.
func NewTracker(pub Publisher) *Tracker {
	return &Tracker{
		det:       Section{Message: "Idle"},
		char:      Section{Message: "Idle"},
		publisher: pub,
	}
}

// Run is a handle on one tracker generation, held by the producer.
type Run struct {
	t   *Tracker
	gen uint64
}

// ID returns the run generation.
func (r *Run) ID() uint64 {
	return r.gen
}

// Begin starts a new generation, resets both sections, and marks the
// tracker active.
func (t *Tracker) Begin(totalFrames int) *Run {
	var run *Run
	t.mutate(func() bool {
		t.gen++
		t.det = Section{Total: max(totalFrames, 0), Message: "Initializing..."}
		t.char = Section{Message: "Waiting for detection..."}
		t.active = true
		t.enqueued = 0
		t.finalized = false
		run = &Run{t: t, gen: t.gen}
		return true
	})
	return run
}

// UpdateDetection records frames consumed so far. current never moves
// backwards within a run and total grows to cover it when the declared
// frame count was short.
func (r *Run) UpdateDetection(current, total int, errored bool) {
	t := r.t
	t.mutate(func() bool {
		if t.gen != r.gen || t.finalized {
			return false
		}
		t.det.Current = max(t.det.Current, current)
		t.det.Total = max(total, t.det.Current)
		if errored {
			t.det.Errored = true
			t.det.Message = "Error during detection."
		} else if !t.det.Errored {
			t.det.Message = fmt.Sprintf("Detecting... frame %d/%d", t.det.Current, t.det.Total)
		}
		return true
	})
}

// Enqueued counts one task pushed by this run.
func (r *Run) Enqueued() {
	t := r.t
	t.mutate(func() bool {
		if t.gen != r.gen || t.finalized {
			return false
		}
		t.enqueued++
		return true
	})
}

// Finish fixes the characterization total to the number of tasks enqueued
// during the run and marks the tracker inactive. Only the first call for
// the current generation has an effect.
func (r *Run) Finish(outcome Outcome, cause error) {
	t := r.t
	t.mutate(func() bool {
		if t.gen != r.gen || t.finalized {
			return false
		}
		t.finalized = true
		t.active = false

		n := t.enqueued
		t.char.Total = n
		if t.char.Current > n {
			t.char.Current = n
		}

		switch outcome {
		case OutcomeCompleted:
			t.det.Current, t.det.Total = n, n
			t.det.Message = fmt.Sprintf("Detection complete (%d items queued).", n)
		case OutcomeCancelled:
			t.det.Message = "Detection cancelled."
		case OutcomeFailed:
			t.det.Errored = true
			if cause != nil {
				t.det.Message = "Error during detection: " + cause.Error()
			} else {
				t.det.Message = "Error during detection."
			}
		}

		switch {
		case n == 0:
			t.char.Message = "No objects found to characterize."
		case t.char.Current == 0:
			t.char.Message = fmt.Sprintf("Waiting to characterize %d objects...", n)
		default:
			t.char.Message = fmt.Sprintf("%d/%d", t.char.Current, n)
		}
		return true
	})
}

// RecordCharacterization counts one processed task of the given run,
// successful or not. Once the total is final, current never exceeds it.
func (t *Tracker) RecordCharacterization(gen uint64, ok bool) {
	t.mutate(func() bool {
		if t.gen != gen {
			return false
		}
		if t.finalized && t.char.Current >= t.char.Total {
			return false
		}
		t.char.Current++
		if !ok {
			t.char.Failed++
			t.char.Errored = true
		}
		total := t.char.Total
		if !t.finalized {
			total = t.enqueued
		}
		t.char.Message = fmt.Sprintf("%d/%d", t.char.Current, total)
		return true
	})
}

// Cancel marks the tracker inactive. The producer still finalizes the
// characterization total when it exits.
func (t *Tracker) Cancel() {
	t.mutate(func() bool {
		if !t.active {
			return false
		}
		t.active = false
		if !t.finalized {
			t.det.Message = "Cancelling..."
		}
		return true
	})
}

// Active reports whether a producer run is in progress.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Snapshot returns a consistent copy of the state, including the derived
// completion message.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := Snapshot{
		Seq:              t.seq,
		Run:              t.gen,
		Detection:        t.det,
		Characterization: t.char,
		Active:           t.active,
		Finalized:        t.finalized,
	}
	c := &snap.Characterization
	if !t.active && t.finalized && c.Total > 0 && c.Current == c.Total {
		c.Message = fmt.Sprintf("Characterization complete (%d/%d).", c.Current, c.Total)
	}
	return snap
}

// mutate applies fn under the lock and publishes the resulting snapshot
// after releasing it.
func (t *Tracker) mutate(fn func() bool) {
	t.mu.Lock()
	if !fn() {
		t.mu.Unlock()
		return
	}
	t.seq++
	snap := t.snapshotLocked()
	pub := t.publisher
	t.mu.Unlock()

	if pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pub.Publish(ctx, snap); err != nil {
		zap.L().Debug("tracker: publish snapshot failed", zap.Uint64("seq", snap.Seq), zap.Error(err))
	}
}
