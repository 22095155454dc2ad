package bytesource

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestOpenPlainFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Hello.class"), []byte("classdata"), 0o644))

	s := NewSource(dir)
	h, err := s.Open("Hello.class")
	require.NoError(t, err)
	defer h.Close()

	data, err := io.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, "classdata", string(data))
}

func TestOpenZipEntryViaPathDescent(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "java.base.jmod")
	writeZip(t, archive, map[string]string{
		"classes/java/lang/Object.class": "objectbytes",
	})

	s := NewSource(dir)
	h, err := s.Open("java.base.jmod/classes/java/lang/Object.class")
	require.NoError(t, err)
	defer h.Close()

	data, err := io.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, "objectbytes", string(data))
}

func TestSeekWithinZipEntry(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "archive.zip")
	writeZip(t, archive, map[string]string{"a/b.class": "0123456789"})

	s := NewSource(dir)
	h, err := s.Open("archive.zip/a/b.class")
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Seek(5, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 3)
	n, err := h.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "567", string(buf[:n]))
}

func TestNotFoundDistinctFromMalformed(t *testing.T) {
	dir := t.TempDir()
	s := NewSource(dir)

	_, err := s.Open("DoesNotExist.class")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notazip.jmod"), []byte("not a zip"), 0o644))
	_, err = s.Open("notazip.jmod/classes/Foo.class")
	assert.ErrorIs(t, err, ErrMalformedArchive)
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Hello.class"), []byte("x"), 0o644))
	s := NewSource(dir)
	assert.True(t, s.Exists("Hello.class"))
	assert.False(t, s.Exists("Nope.class"))
}

func TestRootSearchOrder(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir2, "Shared.class"), []byte("from-dir2"), 0o644))

	s := NewSource(dir1, dir2)
	h, err := s.Open("Shared.class")
	require.NoError(t, err)
	defer h.Close()
	data, _ := io.ReadAll(h)
	assert.Equal(t, "from-dir2", string(data))
}
