// Package detect defines the object-detection capability and the box
// post-processing shared by detector backends.
package detect

import (
	"context"
	"image"
	"image/draw"
	"sort"

	"github.com/rotisserie/eris"
)

var (
	// ErrInvalidCrop is returned by Crop for empty or out-of-frame boxes.
	ErrInvalidCrop = eris.New("invalid crop")
	// ErrUnavailable is returned by a detector whose model failed to load.
	ErrUnavailable = eris.New("detector unavailable")
)

// Box is one detection in frame pixel coordinates.
type Box struct {
	Rect       image.Rectangle
	Confidence float32
	Class      int
}

// Detector finds objects in a frame.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]Box, error)
}

// Unavailable stands in for a detector that could not be loaded. The host
// keeps serving; every run fails with Err.
type Unavailable struct {
	Err error
}

// Detect implements Detector.
func (u Unavailable) Detect(context.Context, image.Image) ([]Box, error) {
	return nil, u.Ready()
}

// Ready returns the load failure.
func (u Unavailable) Ready() error {
	if u.Err == nil {
		return ErrUnavailable
	}
	return eris.Wrap(ErrUnavailable, u.Err.Error())
}

// Ready reports whether d can run. Detectors without a Ready method are
// assumed loaded.
func Ready(d Detector) error {
	if r, ok := d.(interface{ Ready() error }); ok {
		return r.Ready()
	}
	return nil
}

// Filter keeps boxes whose confidence is at least threshold.
func Filter(boxes []Box, threshold float32) []Box {
	out := boxes[:0:0]
	for _, b := range boxes {
		if b.Confidence >= threshold {
			out = append(out, b)
		}
	}
	return out
}

// IoU returns the intersection over union of two rectangles.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := area(inter)
	union := area(a) + area(b) - ia
	if union <= 0 {
		return 0
	}
	return float64(ia) / float64(union)
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}

// NMS performs greedy non-maximum suppression per class, keeping the most
// confident box of every cluster whose IoU exceeds iouThreshold. The result
// is ordered by descending confidence.
func NMS(boxes []Box, iouThreshold float64) []Box {
	sorted := make([]Box, len(boxes))
	copy(sorted, boxes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	suppressed := make([]bool, len(sorted))
	var kept []Box
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].Class != sorted[i].Class {
				continue
			}
			if IoU(sorted[i].Rect, sorted[j].Rect) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// Crop copies rect out of img into a new RGBA image with origin (0,0). The
// rectangle is clipped to the frame; an empty result is ErrInvalidCrop.
func Crop(img image.Image, rect image.Rectangle) (image.Image, error) {
	if img == nil {
		return nil, eris.Wrap(ErrInvalidCrop, "detect: nil frame")
	}
	r := rect.Canon().Intersect(img.Bounds())
	if r.Empty() {
		return nil, eris.Wrapf(ErrInvalidCrop, "detect: box %v outside frame %v", rect, img.Bounds())
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out, nil
}
