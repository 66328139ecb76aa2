package video

import (
	"context"
	"errors"
	"image"
	"io"
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// Sample is one frame selected for detection.
type Sample struct {
	Index     int
	Timestamp time.Duration
	Image     image.Image
}

// Sampler yields frames at least Interval apart. It is not restartable;
// create a new Sampler per run.
//
//	s, _ := video.NewSampler(src, 500*time.Millisecond)
//	for s.Next(ctx) {
//	    frame := s.Sample()
//	}
//	if err := s.Err(); err != nil { ... }
type Sampler struct {
	src      Source
	interval time.Duration
	stride   int

	started  bool
	done     bool
	last     time.Duration
	cur      Sample
	err      error
	consumed int
}

// NewSampler creates a Sampler over src.
func NewSampler(src Source, interval time.Duration) (*Sampler, error) {
	if src == nil {
		return nil, eris.New("sampler: nil source")
	}
	if interval <= 0 {
		return nil, eris.Errorf("sampler: interval must be positive, got %s", interval)
	}
	return &Sampler{
		src:      src,
		interval: interval,
		stride:   Stride(interval, src.Info().FPS),
	}, nil
}

// Stride returns the number of frames that make up one interval at the
// declared frame rate, never less than 1.
func Stride(interval time.Duration, fps float64) int {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return 1
	}
	n := int(math.Round(interval.Seconds() * fps))
	if n < 1 {
		return 1
	}
	return n
}

// Next advances to the next sampled frame. It returns false when the source
// is exhausted, ctx is done, or an error occurred; check Err afterwards.
func (s *Sampler) Next(ctx context.Context) bool {
	if s.done {
		return false
	}

	if s.started {
		// The stride is a lower bound; frames inside it are never decoded.
		for i := 1; i < s.stride; i++ {
			if _, ok := s.grab(ctx); !ok {
				return false
			}
		}
	}

	for {
		pos, ok := s.grab(ctx)
		if !ok {
			return false
		}
		if s.started && pos.Timestamp-s.last < s.interval {
			continue
		}

		img, err := s.src.Retrieve()
		if err != nil {
			s.fail(eris.Wrapf(err, "sampler: retrieve frame %d", pos.Index))
			return false
		}
		s.started = true
		s.last = pos.Timestamp
		s.cur = Sample{Index: pos.Index, Timestamp: pos.Timestamp, Image: img}
		return true
	}
}

func (s *Sampler) grab(ctx context.Context) (Position, bool) {
	if err := ctx.Err(); err != nil {
		s.fail(err)
		return Position{}, false
	}
	pos, err := s.src.Grab(ctx)
	if errors.Is(err, io.EOF) {
		s.done = true
		return Position{}, false
	}
	if err != nil {
		s.fail(eris.Wrap(err, "sampler: grab"))
		return Position{}, false
	}
	s.consumed++
	return pos, true
}

func (s *Sampler) fail(err error) {
	s.err = err
	s.done = true
}

// Sample returns the frame selected by the last successful Next.
func (s *Sampler) Sample() Sample {
	return s.cur
}

// Err returns the error that stopped iteration, if any. Source exhaustion
// is not an error.
func (s *Sampler) Err() error {
	return s.err
}

// Consumed returns the number of frames grabbed so far.
func (s *Sampler) Consumed() int {
	return s.consumed
}

// Stride returns the frame stride derived from the source's frame rate.
func (s *Sampler) Stride() int {
	return s.stride
}
