// Package phash computes perceptual fingerprints for image crops.
package phash

import (
	"encoding/hex"
	"fmt"
	"image"
	"math/bits"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/rotisserie/eris"
)

// DefaultSize is the fingerprint edge length. Size 8 yields a 64-bit hash.
const DefaultSize = 8

// Hasher computes DCT perceptual hashes of a fixed size.
type Hasher struct {
	Size int
}

// New returns a Hasher for the given size. size*size must be a multiple of
// 64; zero selects DefaultSize.
func New(size int) (*Hasher, error) {
	if size == 0 {
		size = DefaultSize
	}
	if size < 0 || (size*size)%64 != 0 {
		return nil, eris.Errorf("phash: invalid size %d (size*size must be a multiple of 64)", size)
	}
	return &Hasher{Size: size}, nil
}

// Fingerprint returns the lower-case hex encoding of img's perceptual hash.
func (h *Hasher) Fingerprint(img image.Image) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", eris.New("phash: empty image")
	}

	if h.Size == DefaultSize {
		ph, err := goimagehash.PerceptionHash(img)
		if err != nil {
			return "", eris.Wrap(err, "phash: perception hash")
		}
		return fmt.Sprintf("%016x", ph.GetHash()), nil
	}

	ext, err := goimagehash.ExtPerceptionHash(img, h.Size, h.Size)
	if err != nil {
		return "", eris.Wrapf(err, "phash: ext perception hash size %d", h.Size)
	}
	var b strings.Builder
	for _, word := range ext.GetHash() {
		fmt.Fprintf(&b, "%016x", word)
	}
	return b.String(), nil
}

// Distance returns the Hamming distance between two hex fingerprints of the
// same length.
func Distance(a, b string) (int, error) {
	if len(a) != len(b) {
		return 0, eris.Errorf("phash: length mismatch %d != %d", len(a), len(b))
	}
	ab, err := hex.DecodeString(a)
	if err != nil {
		return 0, eris.Wrap(err, "phash: decode fingerprint")
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return 0, eris.Wrap(err, "phash: decode fingerprint")
	}
	d := 0
	for i := range ab {
		d += bits.OnesCount8(ab[i] ^ bb[i])
	}
	return d, nil
}
