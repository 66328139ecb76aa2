package imagestore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRef(t *testing.T) {
	assert.Equal(t, "reef.mp4/a.png", Ref("reef.mp4", "a.png"))
	assert.Equal(t, "my_reef_clip.mp4/a.png", Ref("my reef/clip.mp4", "a.png"))
	assert.Equal(t, "_etc_passwd/x.png", Ref("../etc/passwd", "x.png"))
	assert.Equal(t, "unknown/x.png", Ref("", "x.png"))
}

func TestSplitRef(t *testing.T) {
	v, n, err := SplitRef("reef.mp4/a.png")
	require.NoError(t, err)
	assert.Equal(t, "reef.mp4", v)
	assert.Equal(t, "a.png", n)

	for _, bad := range []string{"a.png", "/reef/a.png", "../a.png", "reef/../a.png", "a/b/c.png", "reef/", "reef//a.png", ""} {
		_, _, err := SplitRef(bad)
		assert.True(t, errors.Is(err, ErrInvalidRef), "ref %q", bad)
	}
	assert.False(t, IsScoped("flat.png"))
	assert.True(t, IsScoped("v/flat.png"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/png", ContentType("v/a.png"))
	assert.Equal(t, "image/jpeg", ContentType("v/a.JPG"))
	assert.Equal(t, "image/png", ContentType("v/a"))
}

func TestLocal_SaveOpenDelete(t *testing.T) {
	st, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, st.Save(ctx, "reef.mp4/a.png", []byte("png-bytes"), "image/png"))

	rc, err := st.Open(ctx, "reef.mp4/a.png")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "png-bytes", string(data))

	require.NoError(t, st.Delete(ctx, "reef.mp4/a.png"))
	require.NoError(t, st.Delete(ctx, "reef.mp4/a.png"))

	_, err = st.Open(ctx, "reef.mp4/a.png")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocal_RejectsFlatRefs(t *testing.T) {
	dir := t.TempDir()
	st, err := NewLocal(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.png"), []byte("x"), 0o644))

	_, err = st.Open(context.Background(), "legacy.png")
	assert.True(t, errors.Is(err, ErrInvalidRef))
	err = st.Save(context.Background(), "../escape.png", []byte("x"), "image/png")
	assert.True(t, errors.Is(err, ErrInvalidRef))
}

func TestLocal_MigrateLegacy(t *testing.T) {
	dir := t.TempDir()
	st, err := NewLocal(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fish_1.png"), []byte("x"), 0o644))

	ref, err := st.MigrateLegacy("reef.mp4", "fish_1.png")
	require.NoError(t, err)
	assert.Equal(t, "reef.mp4/fish_1.png", ref)
	assert.FileExists(t, filepath.Join(dir, "reef.mp4", "fish_1.png"))
	assert.NoFileExists(t, filepath.Join(dir, "fish_1.png"))

	// Running again is a no-op.
	ref, err = st.MigrateLegacy("reef.mp4", "fish_1.png")
	require.NoError(t, err)
	assert.Equal(t, "reef.mp4/fish_1.png", ref)

	_, err = st.MigrateLegacy("reef.mp4", "missing.png")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMinIO_ObjectName(t *testing.T) {
	m := &MinIO{basePath: basePath("/crops/")}
	name, err := m.objectName("reef.mp4/a.png")
	require.NoError(t, err)
	assert.Equal(t, "crops/reef.mp4/a.png", name)

	_, err = m.objectName("../a.png")
	assert.True(t, errors.Is(err, ErrInvalidRef))

	assert.Equal(t, "", basePath(""))
}

func TestNewMinIO_Validation(t *testing.T) {
	_, err := NewMinIO(context.Background(), MinIOConfig{Bucket: "b"})
	assert.Error(t, err)
	_, err = NewMinIO(context.Background(), MinIOConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}
