package detect

import (
	"image"
	"math"

	"github.com/rotisserie/eris"
)

// DecodeYOLOv8 converts a raw YOLOv8 output tensor of shape
// [1, 4+classes, anchors] into boxes in frame coordinates. Each anchor
// column holds cx, cy, w, h in model-input pixels followed by one score per
// class. scaleX and scaleY map model-input pixels back to the frame.
func DecodeYOLOv8(data []float32, dims []int, scaleX, scaleY float64, threshold float32) ([]Box, error) {
	if len(dims) != 3 || dims[0] != 1 || dims[1] <= 4 {
		return nil, eris.Errorf("detect: unexpected yolo output shape %v", dims)
	}
	rows, anchors := dims[1], dims[2]
	if len(data) < rows*anchors {
		return nil, eris.Errorf("detect: yolo output has %d values, want %d", len(data), rows*anchors)
	}

	at := func(row, col int) float32 { return data[row*anchors+col] }

	var boxes []Box
	for i := 0; i < anchors; i++ {
		best, cls := float32(0), -1
		for c := 4; c < rows; c++ {
			if s := at(c, i); s > best {
				best, cls = s, c-4
			}
		}
		if cls < 0 || best < threshold {
			continue
		}

		cx, cy := float64(at(0, i)), float64(at(1, i))
		w, h := float64(at(2, i)), float64(at(3, i))
		rect := image.Rect(
			int(math.Round((cx-w/2)*scaleX)),
			int(math.Round((cy-h/2)*scaleY)),
			int(math.Round((cx+w/2)*scaleX)),
			int(math.Round((cy+h/2)*scaleY)),
		)
		boxes = append(boxes, Box{Rect: rect, Confidence: best, Class: cls})
	}
	return boxes, nil
}
