//go:build cgo && !noopencv

package main

import (
	"go.uber.org/zap"

	"github.com/sells-group/finscan/internal/detect"
	"github.com/sells-group/finscan/internal/opencv"
	"github.com/sells-group/finscan/internal/video"
)

// initVision loads the OpenCV capture and YOLO detector. A model that fails
// to load leaves the host running with a detector that fails every run.
func initVision() (video.Opener, detect.Detector, func()) {
	detector, err := opencv.NewYOLODetector(opencv.YOLOConfig{
		ModelPath:  cfg.Detector.ModelPath,
		InputSize:  cfg.Detector.InputSize,
		Confidence: float32(cfg.Detector.Confidence),
		NMS:        cfg.Detector.NMS,
	})
	if err != nil {
		zap.L().Error("detector unavailable, runs will fail",
			zap.String("model_path", cfg.Detector.ModelPath),
			zap.Error(err),
		)
		return opencv.CaptureOpener{}, detect.Unavailable{Err: err}, func() {}
	}
	return opencv.CaptureOpener{}, detector, func() { _ = detector.Close() }
}
