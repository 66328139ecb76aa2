package imagestore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Local stores images on the filesystem under Dir.
type Local struct {
	Dir string
}

// NewLocal creates the base directory if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "imagestore: create %s", dir)
	}
	return &Local{Dir: dir}, nil
}

func (l *Local) path(ref string) (string, error) {
	if _, _, err := SplitRef(ref); err != nil {
		return "", err
	}
	return filepath.Join(l.Dir, filepath.FromSlash(ref)), nil
}

// Save writes data through a temp file so readers never see a partial crop.
func (l *Local) Save(_ context.Context, ref string, data []byte, _ string) error {
	p, err := l.path(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return eris.Wrap(err, "imagestore: mkdir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".crop-*")
	if err != nil {
		return eris.Wrap(err, "imagestore: create temp")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "imagestore: write")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "imagestore: close temp")
	}
	return eris.Wrap(os.Rename(tmp.Name(), p), "imagestore: rename")
}

func (l *Local) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	p, err := l.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "imagestore: %s", ref)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "imagestore: open %s", ref)
	}
	return f, nil
}

// Delete removes the image. Missing images are not an error.
func (l *Local) Delete(_ context.Context, ref string) error {
	p, err := l.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(err, "imagestore: delete %s", ref)
	}
	return nil
}

// MigrateLegacy moves a crop saved by the old flat layout (<Dir>/<name>)
// into the video-scoped layout and returns the new ref. A crop that is
// already in place is left alone.
func (l *Local) MigrateLegacy(videoID, name string) (string, error) {
	ref := Ref(videoID, name)
	dst, err := l.path(ref)
	if err != nil {
		return "", err
	}
	src := filepath.Join(l.Dir, filepath.Base(name))

	if _, err := os.Stat(dst); err == nil {
		return ref, nil
	}
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return "", eris.Wrapf(ErrNotFound, "imagestore: legacy %s", name)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", eris.Wrap(err, "imagestore: mkdir")
	}
	if err := os.Rename(src, dst); err != nil {
		return "", eris.Wrapf(err, "imagestore: move %s", name)
	}
	return ref, nil
}
