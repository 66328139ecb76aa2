package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finscan/internal/dedup"
	"github.com/sells-group/finscan/internal/detect"
	"github.com/sells-group/finscan/internal/imagestore"
	"github.com/sells-group/finscan/internal/model"
	"github.com/sells-group/finscan/internal/store"
	"github.com/sells-group/finscan/internal/video"
	"github.com/sells-group/finscan/internal/workqueue"
)

// ProducerConfig tunes frame sampling and detection filtering.
type ProducerConfig struct {
	Interval      time.Duration
	Confidence    float32
	ProgressEvery int
}

// VideoRef identifies the video a run processes.
type VideoRef struct {
	// ID scopes records and images; usually the uploaded file name.
	ID   string
	Path string
}

// Fingerprinter computes a perceptual fingerprint of a crop.
type Fingerprinter interface {
	Fingerprint(img image.Image) (string, error)
}

// Producer samples frames from a video, detects objects, deduplicates them,
// and enqueues one enrichment task per newly discovered object.
type Producer struct {
	cfg      ProducerConfig
	opener   video.Opener
	detector detect.Detector
	hasher   Fingerprinter
	resolver *dedup.Resolver
	images   imagestore.Store
	records  store.Store
	queue    workqueue.Queue
}

// NewProducer creates a Producer.
func NewProducer(
	cfg ProducerConfig,
	opener video.Opener,
	detector detect.Detector,
	hasher Fingerprinter,
	resolver *dedup.Resolver,
	images imagestore.Store,
	records store.Store,
	queue workqueue.Queue,
) *Producer {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 10
	}
	return &Producer{
		cfg:      cfg,
		opener:   opener,
		detector: detector,
		hasher:   hasher,
		resolver: resolver,
		images:   images,
		records:  records,
		queue:    queue,
	}
}

// Run processes ref until the source is exhausted, ctx is cancelled, or a
// source or capability error occurs. The run is always finalized on return.
// Cancellation is not reported as an error.
func (p *Producer) Run(ctx context.Context, ref VideoRef, run *Run) (err error) {
	log := zap.L().With(zap.String("video", ref.ID), zap.Uint64("run", run.ID()))
	start := time.Now()

	defer func() {
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			log.Error("producer: run failed", zap.Error(err))
			run.Finish(OutcomeFailed, err)
		case ctx.Err() != nil:
			log.Info("producer: run cancelled", zap.Duration("elapsed", time.Since(start)))
			run.Finish(OutcomeCancelled, nil)
			err = nil
		default:
			log.Info("producer: run complete", zap.Duration("elapsed", time.Since(start)))
			run.Finish(OutcomeCompleted, nil)
		}
	}()

	if err := detect.Ready(p.detector); err != nil {
		run.UpdateDetection(0, 0, true)
		return eris.Wrap(err, "producer: detector")
	}

	src, err := p.opener.Open(ctx, ref.Path)
	if err != nil {
		run.UpdateDetection(0, 0, true)
		return eris.Wrapf(err, "producer: open %s", ref.Path)
	}
	defer src.Close() //nolint:errcheck

	info := src.Info()
	sampler, err := video.NewSampler(src, p.cfg.Interval)
	if err != nil {
		run.UpdateDetection(0, info.FrameCount, true)
		return err
	}
	log.Info("producer: starting",
		zap.Float64("fps", info.FPS),
		zap.Int("frames", info.FrameCount),
		zap.Int("stride", sampler.Stride()),
	)
	run.UpdateDetection(0, info.FrameCount, false)

	processed := 0
	for sampler.Next(ctx) {
		if ctx.Err() != nil {
			break
		}
		s := sampler.Sample()

		boxes, err := p.detector.Detect(ctx, s.Image)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			run.UpdateDetection(sampler.Consumed(), info.FrameCount, true)
			return eris.Wrapf(err, "producer: detect frame %d", s.Index)
		}

		ts := model.FormatTimestamp(s.Timestamp)
		for _, box := range detect.Filter(boxes, p.cfg.Confidence) {
			if err := p.handle(ctx, ref, run, s, box, ts); err != nil {
				if ctx.Err() != nil {
					break
				}
				run.UpdateDetection(sampler.Consumed(), info.FrameCount, true)
				return err
			}
		}

		processed++
		if processed%p.cfg.ProgressEvery == 0 {
			run.UpdateDetection(sampler.Consumed(), info.FrameCount, false)
		}
	}

	if err := sampler.Err(); err != nil && ctx.Err() == nil {
		run.UpdateDetection(sampler.Consumed(), info.FrameCount, true)
		return err
	}
	return nil
}

// handle crops, fingerprints, and deduplicates one detection. Crops that
// fall outside the frame are skipped.
func (p *Producer) handle(ctx context.Context, ref VideoRef, run *Run, s video.Sample, box detect.Box, ts string) error {
	crop, err := detect.Crop(s.Image, box.Rect)
	if errors.Is(err, detect.ErrInvalidCrop) {
		zap.L().Debug("producer: skipping crop",
			zap.Int("frame", s.Index),
			zap.String("rect", box.Rect.String()),
		)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "producer: crop frame %d", s.Index)
	}

	fp, err := p.hasher.Fingerprint(crop)
	if err != nil {
		return eris.Wrapf(err, "producer: fingerprint frame %d", s.Index)
	}

	imageRef := imagestore.Ref(ref.ID, uuid.NewString()+".png")
	out, err := p.resolver.Resolve(ctx, ref.ID, fp, ts, imageRef)
	if err != nil {
		return eris.Wrap(err, "producer: resolve")
	}
	if !out.New {
		return nil
	}

	if err := p.saveCrop(ctx, imageRef, crop); err != nil {
		// The record exists but its image does not; it can never be
		// characterized.
		zap.L().Warn("producer: save crop failed",
			zap.Int64("record_id", out.RecordID),
			zap.String("image_ref", imageRef),
			zap.Error(err),
		)
		p.markError(ctx, out.RecordID)
		return nil
	}

	if err := p.queue.Push(ctx, model.Task{RecordID: out.RecordID, ImageRef: imageRef, Run: run.ID()}); err != nil {
		return eris.Wrapf(err, "producer: enqueue record %d", out.RecordID)
	}
	run.Enqueued()

	zap.L().Debug("producer: new object",
		zap.Int64("record_id", out.RecordID),
		zap.String("timestamp", ts),
		zap.Float32("confidence", box.Confidence),
	)
	return nil
}

func (p *Producer) saveCrop(ctx context.Context, ref string, crop image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, crop); err != nil {
		return eris.Wrap(err, "producer: encode crop")
	}
	return p.images.Save(ctx, ref, buf.Bytes(), "image/png")
}

func (p *Producer) markError(ctx context.Context, id int64) {
	if err := p.records.SetStatus(ctx, id, model.StatusEnriching, nil); err != nil {
		zap.L().Warn("producer: mark enriching", zap.Int64("record_id", id), zap.Error(err))
		return
	}
	if err := p.records.SetStatus(ctx, id, model.StatusError, nil); err != nil {
		zap.L().Warn("producer: mark error", zap.Int64("record_id", id), zap.Error(err))
	}
}
