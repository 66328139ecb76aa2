package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/finscan/internal/dedup"
	"github.com/sells-group/finscan/internal/detect"
	"github.com/sells-group/finscan/internal/imagestore"
	"github.com/sells-group/finscan/internal/model"
	"github.com/sells-group/finscan/internal/store"
	"github.com/sells-group/finscan/internal/video"
	"github.com/sells-group/finscan/internal/workqueue"
)

// frameImage paints a 32x32 frame whose top-left 16x16 block carries the
// object id in its red channel.
func frameImage(object int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{B: 200, A: 255}}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(0, 0, 16, 16), &image.Uniform{C: color.RGBA{R: uint8(object), A: 255}}, image.Point{}, draw.Src)
	return img
}

func objectID(img image.Image) int {
	r, _, _, _ := img.At(0, 0).RGBA()
	return int(r >> 8)
}

// stubSource plays frames at a fixed rate. object maps a frame index to the
// object id painted into it.
type stubSource struct {
	fps    float64
	frames int
	object func(i int) int
	next   int
	closed atomic.Bool
}

func (s *stubSource) Info() video.Info {
	return video.Info{FPS: s.fps, FrameCount: s.frames, Width: 32, Height: 32}
}

func (s *stubSource) Grab(_ context.Context) (video.Position, error) {
	if s.next >= s.frames {
		return video.Position{}, io.EOF
	}
	i := s.next
	s.next++
	return video.Position{Index: i, Timestamp: time.Duration(float64(i) / s.fps * float64(time.Second))}, nil
}

func (s *stubSource) Retrieve() (image.Image, error) {
	return frameImage(s.object(s.next - 1)), nil
}

func (s *stubSource) Close() error {
	s.closed.Store(true)
	return nil
}

type stubOpener struct {
	src *stubSource
	err error
}

func (o *stubOpener) Open(_ context.Context, _ string) (video.Source, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.src, nil
}

// stubDetector reports one box over the painted block of every frame.
// Frames painted with blockOn wait for ctx; frames painted with failOn
// return an error.
type stubDetector struct {
	box     image.Rectangle
	blockOn int
	failOn  int
	blocked chan struct{}
	once    sync.Once
	calls   atomic.Int32
	// before runs ahead of every detection.
	before func(object int)
}

func newStubDetector() *stubDetector {
	return &stubDetector{box: image.Rect(0, 0, 16, 16), blockOn: -1, failOn: -1, blocked: make(chan struct{})}
}

func (d *stubDetector) Detect(ctx context.Context, img image.Image) ([]detect.Box, error) {
	d.calls.Add(1)
	obj := objectID(img)
	if d.before != nil {
		d.before(obj)
	}
	if obj == d.failOn {
		return nil, errors.New("detector unavailable")
	}
	if obj == d.blockOn {
		d.once.Do(func() { close(d.blocked) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []detect.Box{{Rect: d.box, Confidence: 0.9}}, nil
}

// colorHasher fingerprints a crop by the object id painted into it.
type colorHasher struct{}

func (colorHasher) Fingerprint(img image.Image) (string, error) {
	b := img.Bounds()
	r, _, _, _ := img.At(b.Min.X, b.Min.Y).RGBA()
	return fmt.Sprintf("%016x", r>>8), nil
}

// stubClassifier answers with fn, counting calls.
type stubClassifier struct {
	calls atomic.Int32
	fn    func(ctx context.Context, n int) (*model.Taxonomy, error)
}

func (c *stubClassifier) Classify(ctx context.Context, img []byte, mediaType string) (*model.Taxonomy, error) {
	n := int(c.calls.Add(1))
	if len(img) == 0 || mediaType != "image/png" {
		return nil, errors.New("bad image")
	}
	if c.fn == nil {
		return &model.Taxonomy{Kingdom: "Animalia", Species: fmt.Sprintf("Species %d", n)}, nil
	}
	return c.fn(ctx, n)
}

// failingImages rejects every save.
type failingImages struct {
	imagestore.Store
}

func (failingImages) Save(context.Context, string, []byte, string) error {
	return errors.New("disk full")
}

type harness struct {
	records    *store.SQLiteStore
	images     imagestore.Store
	queue      *workqueue.Memory
	tracker    *Tracker
	signal     *Signal
	source     *stubSource
	opener     *stubOpener
	detector   *stubDetector
	classifier *stubClassifier
	producer   *Producer
	consumer   *Consumer
	supervisor *Supervisor
}

type harnessOption func(h *harness)

func withImages(st imagestore.Store) harnessOption {
	return func(h *harness) { h.images = st }
}

func newHarness(t *testing.T, src *stubSource, opts ...harnessOption) *harness {
	t.Helper()

	records, err := store.NewSQLite(filepath.Join(t.TempDir(), "finscan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() }) //nolint:errcheck
	require.NoError(t, records.Migrate(context.Background()))

	local, err := imagestore.NewLocal(filepath.Join(t.TempDir(), "images"))
	require.NoError(t, err)

	h := &harness{
		records:    records,
		images:     local,
		queue:      workqueue.NewMemory(),
		tracker:    NewTracker(nil),
		signal:     NewSignal(),
		source:     src,
		opener:     &stubOpener{src: src},
		detector:   newStubDetector(),
		classifier: &stubClassifier{},
	}
	for _, opt := range opts {
		opt(h)
	}

	h.producer = NewProducer(
		ProducerConfig{Interval: time.Second, Confidence: 0.5, ProgressEvery: 2},
		h.opener, h.detector, colorHasher{}, dedup.NewResolver(records, 0),
		h.images, records, h.queue,
	)
	h.consumer = NewConsumer(h.queue, records, h.images, h.classifier, NewLimiter(0), h.tracker, h.signal, 20*time.Millisecond)
	h.supervisor = NewSupervisor(h.signal, h.tracker, h.queue, h.producer, h.consumer)
	return h
}

// distinct returns a source with one new object per frame, sampled every
// frame at 1 fps.
func distinct(frames int) *stubSource {
	return &stubSource{fps: 1, frames: frames, object: func(i int) int { return i + 1 }}
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.supervisor.Wait(ctx))
}

func (h *harness) statuses(t *testing.T) map[model.Status]int {
	t.Helper()
	recs, err := h.records.List(context.Background(), store.RecordFilter{})
	require.NoError(t, err)
	out := make(map[model.Status]int)
	for _, r := range recs {
		out[r.Status]++
	}
	return out
}
