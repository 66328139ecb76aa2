package opencv

import (
	"context"
	"image"
	"sync"

	"github.com/rotisserie/eris"
	"gocv.io/x/gocv"

	"github.com/sells-group/finscan/internal/detect"
)

// YOLOConfig configures a YOLOv8 ONNX detector.
type YOLOConfig struct {
	ModelPath  string
	InputSize  int
	Confidence float32
	NMS        float64
}

// YOLODetector runs a YOLOv8 ONNX model through OpenCV's DNN module. A
// gocv.Net is not safe for concurrent use, so Detect is serialized.
type YOLODetector struct {
	mu  sync.Mutex
	net gocv.Net
	cfg YOLOConfig
}

// NewYOLODetector loads the model. A missing or unreadable model is a
// capability failure for the run.
func NewYOLODetector(cfg YOLOConfig) (*YOLODetector, error) {
	if cfg.ModelPath == "" {
		return nil, eris.New("opencv: detector model path is empty")
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	if cfg.NMS <= 0 {
		cfg.NMS = 0.45
	}
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, eris.Errorf("opencv: cannot load model %s", cfg.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "opencv: set backend")
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "opencv: set target")
	}
	return &YOLODetector{net: net, cfg: cfg}, nil
}

// Detect implements detect.Detector.
func (d *YOLODetector) Detect(ctx context.Context, frame image.Image) ([]detect.Box, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return nil, eris.Wrap(err, "opencv: image to mat")
	}
	defer mat.Close() //nolint:errcheck

	size := d.cfg.InputSize
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close() //nolint:errcheck

	d.mu.Lock()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.mu.Unlock()
	defer out.Close() //nolint:errcheck

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, eris.Wrap(err, "opencv: read output")
	}

	b := frame.Bounds()
	scaleX := float64(b.Dx()) / float64(size)
	scaleY := float64(b.Dy()) / float64(size)
	boxes, err := detect.DecodeYOLOv8(data, out.Size(), scaleX, scaleY, d.cfg.Confidence)
	if err != nil {
		return nil, err
	}
	for i := range boxes {
		boxes[i].Rect = boxes[i].Rect.Add(b.Min)
	}
	return detect.NMS(boxes, d.cfg.NMS), nil
}

// Close releases the network.
func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
