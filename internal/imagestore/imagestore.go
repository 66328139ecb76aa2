// Package imagestore saves detection crops under video-scoped references.
package imagestore

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound is returned by Open for refs with no stored image.
	ErrNotFound = eris.New("image not found")
	// ErrInvalidRef is returned for refs that are not of the form
	// <video>/<name>.
	ErrInvalidRef = eris.New("invalid image ref")
)

// Store persists crop images.
type Store interface {
	Save(ctx context.Context, ref string, data []byte, contentType string) error
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// Ref builds the storage key for a crop of a video.
func Ref(videoID, name string) string {
	return SanitizeVideoID(videoID) + "/" + sanitize(name)
}

// SanitizeVideoID maps a video identifier onto a single safe path segment.
func SanitizeVideoID(videoID string) string {
	s := sanitize(videoID)
	if s == "" {
		return "unknown"
	}
	return s
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

// SplitRef validates ref and returns its video and name parts.
func SplitRef(ref string) (videoID, name string, err error) {
	clean := path.Clean(ref)
	if clean != ref || strings.HasPrefix(ref, "/") {
		return "", "", eris.Wrapf(ErrInvalidRef, "imagestore: %q", ref)
	}
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" ||
		parts[0] == ".." || parts[1] == ".." || parts[0] == "." || parts[1] == "." {
		return "", "", eris.Wrapf(ErrInvalidRef, "imagestore: %q", ref)
	}
	return parts[0], parts[1], nil
}

// IsScoped reports whether ref uses the video-scoped layout.
func IsScoped(ref string) bool {
	_, _, err := SplitRef(ref)
	return err == nil
}

// ContentType guesses the media type of a ref from its extension.
func ContentType(ref string) string {
	switch strings.ToLower(path.Ext(ref)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	}
	return "image/png"
}
