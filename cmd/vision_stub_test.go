//go:build !cgo || noopencv

package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finscan/internal/config"
	"github.com/sells-group/finscan/internal/detect"
	"github.com/sells-group/finscan/internal/pipeline"
)

func TestInitVision_WithoutOpenCV(t *testing.T) {
	opener, detector, closeFn := initVision()
	defer closeFn()

	assert.True(t, errors.Is(detect.Ready(detector), detect.ErrUnavailable))
	_, err := opener.Open(context.Background(), "reef.mp4")
	assert.ErrorIs(t, err, errNoOpenCV)
}

func TestInitPipeline_UnavailableDetectorFailsRun(t *testing.T) {
	dir := t.TempDir()
	cfg = &config.Config{
		Store:     config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "finscan.db")},
		Images:    config.ImagesConfig{Backend: "local", Dir: filepath.Join(dir, "images")},
		Queue:     config.QueueConfig{Backend: "memory", PollSecs: 0.02},
		Detector:  config.DetectorConfig{ModelPath: "models/missing.onnx", InputSize: 640, Confidence: 0.5, NMS: 0.45},
		Sampler:   config.SamplerConfig{IntervalSecs: 0.5, ProgressEvery: 10},
		Hash:      config.HashConfig{Size: 8},
		Anthropic: config.AnthropicConfig{Key: "sk-test", Model: "claude-haiku-4-5-20251001", MaxTokens: 512, RPM: 60},
	}

	env, err := initPipeline(context.Background(), "run")
	require.NoError(t, err)
	defer env.Close()

	require.NoError(t, env.Supervisor.Start(context.Background(), pipeline.VideoRef{ID: "reef.mp4", Path: "reef.mp4"}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.Supervisor.Wait(ctx))

	snap := env.Supervisor.Snapshot()
	assert.True(t, snap.Detection.Errored)
	assert.False(t, snap.Active)
}
