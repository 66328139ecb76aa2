// Package opencv provides the gocv-backed video source and YOLO detector.
package opencv

import (
	"context"
	"image"
	"io"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"gocv.io/x/gocv"

	"github.com/sells-group/finscan/internal/video"
)

// CaptureOpener opens video files through OpenCV's VideoCapture.
type CaptureOpener struct{}

// Open implements video.Opener.
func (CaptureOpener) Open(_ context.Context, path string) (video.Source, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "opencv: open %s", path)
	}
	if !vc.IsOpened() {
		vc.Close() //nolint:errcheck
		return nil, eris.Errorf("opencv: cannot open %s", path)
	}
	src := &captureSource{
		vc:    vc,
		frame: gocv.NewMat(),
		info: video.Info{
			FPS:        vc.Get(gocv.VideoCaptureFPS),
			FrameCount: int(vc.Get(gocv.VideoCaptureFrameCount)),
			Width:      int(vc.Get(gocv.VideoCaptureFrameWidth)),
			Height:     int(vc.Get(gocv.VideoCaptureFrameHeight)),
		},
	}
	return src, nil
}

// captureSource reads frames into a reused Mat. OpenCV has no cheap
// grab-only call with an end-of-stream signal, so Grab reads the frame and
// Retrieve converts it.
type captureSource struct {
	vc    *gocv.VideoCapture
	frame gocv.Mat
	info  video.Info
	next  int
}

func (s *captureSource) Info() video.Info {
	return s.info
}

func (s *captureSource) Grab(ctx context.Context) (video.Position, error) {
	if err := ctx.Err(); err != nil {
		return video.Position{}, err
	}
	if ok := s.vc.Read(&s.frame); !ok || s.frame.Empty() {
		return video.Position{}, io.EOF
	}
	idx := s.next
	s.next++
	return video.Position{Index: idx, Timestamp: s.timestamp(idx)}, nil
}

// timestamp prefers the container's presentation time and falls back to
// index/fps for backends that do not report it.
func (s *captureSource) timestamp(idx int) time.Duration {
	ms := s.vc.Get(gocv.VideoCapturePosMsec)
	if ms > 0 || idx == 0 {
		return time.Duration(math.Round(ms * float64(time.Millisecond)))
	}
	if s.info.FPS <= 0 {
		return 0
	}
	return time.Duration(math.Round(float64(idx) / s.info.FPS * float64(time.Second)))
}

func (s *captureSource) Retrieve() (image.Image, error) {
	if s.frame.Empty() {
		return nil, eris.New("opencv: no frame grabbed")
	}
	img, err := s.frame.ToImage()
	if err != nil {
		return nil, eris.Wrap(err, "opencv: frame to image")
	}
	return img, nil
}

func (s *captureSource) Close() error {
	ferr := s.frame.Close()
	verr := s.vc.Close()
	if verr != nil {
		return eris.Wrap(verr, "opencv: close capture")
	}
	return eris.Wrap(ferr, "opencv: close frame")
}
