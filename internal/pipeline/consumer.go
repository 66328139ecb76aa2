package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/finscan/internal/classify"
	"github.com/sells-group/finscan/internal/imagestore"
	"github.com/sells-group/finscan/internal/model"
	"github.com/sells-group/finscan/internal/store"
	"github.com/sells-group/finscan/internal/workqueue"
)

// DefaultPoll is the bounded wait of one queue pop.
const DefaultPoll = time.Second

// NewLimiter spaces classification requests 60/rpm seconds apart with a
// burst of one. rpm <= 0 disables pacing.
func NewLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

// Consumer pops enrichment tasks and classifies them one at a time.
type Consumer struct {
	queue      workqueue.Queue
	records    store.Store
	images     imagestore.Store
	classifier classify.Classifier
	limiter    *rate.Limiter
	tracker    *Tracker
	signal     *Signal
	poll       time.Duration

	// stop is consulted after every empty pop; true ends Run.
	stop func(ctx context.Context) bool
}

// NewConsumer creates a Consumer. A zero poll selects DefaultPoll.
func NewConsumer(
	queue workqueue.Queue,
	records store.Store,
	images imagestore.Store,
	classifier classify.Classifier,
	limiter *rate.Limiter,
	tracker *Tracker,
	signal *Signal,
	poll time.Duration,
) *Consumer {
	if poll <= 0 {
		poll = DefaultPoll
	}
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	c := &Consumer{
		queue:      queue,
		records:    records,
		images:     images,
		classifier: classifier,
		limiter:    limiter,
		tracker:    tracker,
		signal:     signal,
		poll:       poll,
	}
	c.stop = c.shouldStop
	return c
}

// Run processes tasks until the signal is raised, or until production has
// finished and the queue is empty. Per-task failures never end Run.
func (c *Consumer) Run(ctx context.Context) error {
	zap.L().Debug("consumer: started")
	defer zap.L().Debug("consumer: stopped")

	for {
		task, ok, err := c.queue.Pop(ctx, c.poll)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			zap.L().Warn("consumer: pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.poll):
			}
			continue
		}
		if ok {
			c.process(ctx, task)
			continue
		}
		if c.stop(ctx) {
			return nil
		}
	}
}

// shouldStop drains the queue and exits on cancellation, or exits once the
// producer finished and nothing is left to process.
func (c *Consumer) shouldStop(ctx context.Context) bool {
	if c.signal.IsSet() {
		c.drain(ctx)
		return true
	}
	if c.tracker.Active() {
		return false
	}
	n, err := c.queue.Len(ctx)
	return err == nil && n == 0
}

func (c *Consumer) drain(ctx context.Context) {
	tasks, err := c.queue.Drain(ctx)
	if err != nil {
		zap.L().Warn("consumer: drain queue", zap.Error(err))
		return
	}
	if len(tasks) > 0 {
		zap.L().Info("consumer: drained queue, records stay pending", zap.Int("tasks", len(tasks)))
	}
}

// process enriches one record. A cancellation during the rate-limit wait
// leaves the record pending and unrecorded.
func (c *Consumer) process(ctx context.Context, task model.Task) {
	log := zap.L().With(zap.Int64("record_id", task.RecordID), zap.Uint64("run", task.Run))

	sctx, cancel := c.signal.Context(ctx)
	defer cancel()
	if err := c.limiter.Wait(sctx); err != nil {
		log.Debug("consumer: cancelled while rate limited")
		return
	}

	if err := c.records.SetStatus(ctx, task.RecordID, model.StatusEnriching, nil); err != nil {
		log.Warn("consumer: mark enriching", zap.Error(err))
		c.tracker.RecordCharacterization(task.Run, false)
		return
	}

	// Terminal status writes ignore ctx so no record is left enriching.
	wctx := context.WithoutCancel(ctx)

	tax, err := c.classify(ctx, task)
	if err != nil {
		log.Warn("consumer: classification failed", zap.String("image_ref", task.ImageRef), zap.Error(err))
		if serr := c.records.SetStatus(wctx, task.RecordID, model.StatusError, nil); serr != nil {
			log.Error("consumer: mark error", zap.Error(serr))
		}
		c.tracker.RecordCharacterization(task.Run, false)
		return
	}

	if err := c.records.SetStatus(wctx, task.RecordID, model.StatusEnriched, tax); err != nil {
		log.Error("consumer: mark enriched", zap.Error(err))
		c.tracker.RecordCharacterization(task.Run, false)
		return
	}
	log.Info("consumer: record enriched", zap.String("species", tax.Species))
	c.tracker.RecordCharacterization(task.Run, true)
}

func (c *Consumer) classify(ctx context.Context, task model.Task) (*model.Taxonomy, error) {
	rc, err := c.images.Open(ctx, task.ImageRef)
	if err != nil {
		return nil, eris.Wrapf(err, "consumer: open image %s", task.ImageRef)
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, eris.Wrapf(err, "consumer: read image %s", task.ImageRef)
	}
	return c.classifier.Classify(ctx, data, imagestore.ContentType(task.ImageRef))
}
