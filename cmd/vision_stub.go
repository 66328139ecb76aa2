//go:build !cgo || noopencv

package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finscan/internal/detect"
	"github.com/sells-group/finscan/internal/video"
)

var errNoOpenCV = eris.New("finscan was built without OpenCV (cgo disabled or noopencv tag)")

type noVideo struct{}

func (noVideo) Open(context.Context, string) (video.Source, error) {
	return nil, errNoOpenCV
}

// initVision returns backends that fail every run.
func initVision() (video.Opener, detect.Detector, func()) {
	zap.L().Warn("detector unavailable, runs will fail", zap.Error(errNoOpenCV))
	return noVideo{}, detect.Unavailable{Err: errNoOpenCV}, func() {}
}
