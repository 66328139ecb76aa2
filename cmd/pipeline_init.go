package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finscan/internal/classify"
	"github.com/sells-group/finscan/internal/dedup"
	"github.com/sells-group/finscan/internal/events"
	"github.com/sells-group/finscan/internal/imagestore"
	"github.com/sells-group/finscan/internal/phash"
	"github.com/sells-group/finscan/internal/pipeline"
	"github.com/sells-group/finscan/internal/store"
	anthropicpkg "github.com/sells-group/finscan/pkg/anthropic"
)

// pipelineEnv holds the initialized backends and the supervisor needed by
// the run and serve commands.
type pipelineEnv struct {
	Store      store.Store
	Images     imagestore.Store
	Supervisor *pipeline.Supervisor

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (pe *pipelineEnv) Close() {
	for i := len(pe.closers) - 1; i >= 0; i-- {
		pe.closers[i]()
	}
}

// initPipeline sets up the store, image store, queue, detector, classifier,
// and the supervisor that runs them. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (_ *pipelineEnv, err error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &pipelineEnv{}
	defer func() {
		if err != nil {
			env.Close()
		}
	}()

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st
	env.closers = append(env.closers, func() { _ = st.Close() })

	images, err := initImages(ctx)
	if err != nil {
		return nil, err
	}
	env.Images = images

	queue, closeQueue, err := initQueue(ctx)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, closeQueue)

	opener, detector, closeVision := initVision()
	env.closers = append(env.closers, closeVision)

	hasher, err := phash.New(cfg.Hash.Size)
	if err != nil {
		return nil, eris.Wrap(err, "init hasher")
	}

	var publisher pipeline.Publisher
	pub, err := events.Connect(events.Config{
		URL:           cfg.Events.NATSURL,
		Subject:       cfg.Events.Subject,
		MaxReconnects: cfg.Events.MaxReconnects,
	})
	if err != nil {
		return nil, err
	}
	if pub != nil {
		publisher = pub
		env.closers = append(env.closers, func() { _ = pub.Close() })
		zap.L().Info("publishing progress events", zap.String("subject", cfg.Events.Subject))
	} else {
		zap.L().Debug("FINSCAN_EVENTS_NATS_URL not set, progress events disabled")
	}

	client := anthropicpkg.NewClient(cfg.Anthropic.Key, cfg.Anthropic.MaxRetries)
	classifier := classify.NewAnthropic(client, classify.AnthropicConfig{
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
		CacheTTL:  cfg.Anthropic.CacheTTL,
	})

	signal := pipeline.NewSignal()
	tracker := pipeline.NewTracker(publisher)

	producer := pipeline.NewProducer(
		pipeline.ProducerConfig{
			Interval:      time.Duration(cfg.Sampler.IntervalSecs * float64(time.Second)),
			Confidence:    float32(cfg.Detector.Confidence),
			ProgressEvery: cfg.Sampler.ProgressEvery,
		},
		opener, detector, hasher,
		dedup.NewResolver(st, cfg.Hash.MaxDistance),
		images, st, queue,
	)
	consumer := pipeline.NewConsumer(
		queue, st, images, classifier,
		pipeline.NewLimiter(cfg.Anthropic.RPM),
		tracker, signal,
		time.Duration(cfg.Queue.PollSecs*float64(time.Second)),
	)
	env.Supervisor = pipeline.NewSupervisor(signal, tracker, queue, producer, consumer)

	zap.L().Info("pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("images", cfg.Images.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("model", cfg.Anthropic.Model),
		zap.Int("rpm", cfg.Anthropic.RPM),
	)
	return env, nil
}
