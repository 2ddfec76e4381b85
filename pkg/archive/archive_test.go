package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestExtractWritesAllEntries(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "app.ipa")
	writeZip(t, zipPath, map[string]string{
		"Payload/App.app/Info.plist": "<plist/>",
		"Payload/App.app/App":        "binary",
	})

	destDir := filepath.Join(dir, "extracted")
	require.NoError(t, Extract(zipPath, destDir))

	data, err := os.ReadFile(filepath.Join(destDir, "Payload/App.app/Info.plist"))
	require.NoError(t, err)
	require.Equal(t, "<plist/>", string(data))
}

func TestExtractRejectsZipSlip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "evil.ipa")
	writeZip(t, zipPath, map[string]string{
		"../../escaped": "oops",
	})

	destDir := filepath.Join(dir, "extracted")
	err := Extract(zipPath, destDir)
	require.Error(t, err)
}

func TestCompressRoundTrips(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "Payload/App.app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "Payload/App.app/App"), []byte("binary"), 0o755))

	zipPath := filepath.Join(dir, "out.ipa")
	require.NoError(t, Compress(srcDir, zipPath))

	destDir := filepath.Join(dir, "roundtrip")
	require.NoError(t, Extract(zipPath, destDir))

	data, err := os.ReadFile(filepath.Join(destDir, "Payload/App.app/App"))
	require.NoError(t, err)
	require.Equal(t, "binary", string(data))
}

func TestCopyFilePreservesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}
