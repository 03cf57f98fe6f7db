package filesystem

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testEntry struct {
	Path    string
	Content []byte // optional, only for files (can be nil)
	Deflate bool
}

func testFS(t *testing.T) (string, *FS) {
	t.Helper()

	tmpDir := t.TempDir()

	fsys, err := NewFS(tmpDir, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	return tmpDir, fsys
}

func createTestZip(t *testing.T, tmpDir string, tmpName string, entries []testEntry) string {
	t.Helper()

	zipPath := filepath.Join(tmpDir, tmpName)
	require.NoError(t, os.MkdirAll(filepath.Dir(zipPath), 0o755))

	tmpFile, err := os.Create(zipPath)
	require.NoError(t, err)
	defer tmpFile.Close()

	zw := zip.NewWriter(tmpFile)

	for _, entry := range entries {
		header := &zip.FileHeader{
			Name:     entry.Path,
			Method:   zip.Store,
			Modified: time.Now(),
		}
		if entry.Deflate {
			header.Method = zip.Deflate
		}

		if strings.HasSuffix(entry.Path, "/") {
			header.SetMode(os.ModeDir | 0o755)
		} else {
			header.SetMode(0o644)
		}

		w, err := zw.CreateHeader(header)
		require.NoError(t, err)

		if len(entry.Content) > 0 && !strings.HasSuffix(entry.Path, "/") {
			_, err = w.Write(entry.Content)
			require.NoError(t, err)
		}
	}

	require.NoError(t, zw.Close())
	require.NoError(t, tmpFile.Close())

	return zipPath
}

func createTestTree(t *testing.T, tmpDir string, files map[string][]byte) {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(tmpDir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, content, 0o644))
	}
}
