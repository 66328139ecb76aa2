// Package video samples decoded frames from a video source at a fixed
// time interval.
package video

import (
	"context"
	"image"
	"time"
)

// Info describes a source as declared by its container.
type Info struct {
	FPS        float64
	FrameCount int
	Width      int
	Height     int
}

// Position identifies a grabbed frame.
type Position struct {
	Index     int
	Timestamp time.Duration
}

// Source is a forward-only decoded video. Grab advances one frame without
// necessarily decoding it and returns io.EOF when the source is exhausted.
// Retrieve decodes the most recently grabbed frame.
type Source interface {
	Info() Info
	Grab(ctx context.Context) (Position, error)
	Retrieve() (image.Image, error)
	Close() error
}

// Opener opens a Source for a video path.
type Opener interface {
	Open(ctx context.Context, path string) (Source, error)
}
