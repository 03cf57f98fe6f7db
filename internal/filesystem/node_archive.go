package filesystem

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

var (
	_ DirLike  = (*zipArchive)(nil)
	_ FileLike = (*zipEntry)(nil)
)

// zipArchive is a mounted ZIP archive file below the root.
//
// The archive is decoded into an index on the first Open and the index is
// then reused for the lifetime of the mount. A failed decode is not kept,
// so the next Open will try again. Entry names are matched exactly as they
// are encoded within the archive, without any walking of path segments.
type zipArchive struct {
	fsys *FS    // Pointer to our filesystem.
	path string // Path of the underlying ZIP archive (relative to root).

	mu     sync.Mutex
	zr     *zipReader           // Holds the mount's reference, once decoded.
	index  map[string]*zip.File // Entry name to file, excluding directories.
	closed bool
}

func (fsys *FS) newZipArchive(name string) (*zipArchive, error) {
	root, err := os.OpenRoot(fsys.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open root: %w", err)
	}
	defer root.Close()

	info, err := root.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("failed to stat: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q is not a regular file", ErrInvalidHandle, name)
	}

	return &zipArchive{
		fsys: fsys,
		path: name,
	}, nil
}

// acquire returns the decoded archive with a reference held for the caller,
// decoding it first if that has not yet happened for the mount.
func (z *zipArchive) acquire() (*zipReader, map[string]*zip.File, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.closed {
		return nil, nil, ErrMountClosed
	}

	if z.zr == nil {
		if err := z.decode(); err != nil {
			return nil, nil, err
		}
	}

	z.zr.Acquire() // for caller

	return z.zr, z.index, nil
}

// decode opens the archive and builds the index, must hold the lock.
func (z *zipArchive) decode() error {
	start := time.Now()

	root, err := os.OpenRoot(z.fsys.RootDir)
	if err != nil {
		return z.fsys.storeError("open root", z.fsys.RootDir, err)
	}
	defer root.Close()

	zr, err := newZipReader(z.fsys, root, z.path)
	if err != nil {
		return z.fsys.storeError("decode", z.path, err)
	}

	index := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if isDirEntry(f) {
			continue
		}
		if _, seen := index[f.Name]; seen {
			z.fsys.log.Debug("skipped duplicate archive entry",
				zap.String("archive", z.path), zap.String("entry", f.Name))

			continue
		}
		index[f.Name] = f
	}

	z.zr = zr
	z.index = index

	z.fsys.Metrics.TotalDecodeTime.Add(time.Since(start).Nanoseconds())
	z.fsys.Metrics.TotalDecodeCount.Add(1)

	z.fsys.log.Debug("archive decoded",
		zap.String("archive", z.path), zap.Int("entries", len(index)))

	return nil
}

func (z *zipArchive) Open(ctx context.Context, name string) (FileLike, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("context error: %w", err)
	}

	zr, index, err := z.acquire()
	if err != nil {
		return nil, false, err
	}
	defer zr.Release() //nolint:errcheck

	z.fsys.Metrics.TotalLookups.Add(1)

	f, ok := index[name]
	if !ok {
		return nil, false, nil
	}

	return &zipEntry{archive: z, f: f}, true, nil
}

// Close releases the mount's reference on the decoded archive.
// In-flight reads keep the archive open until they are done.
func (z *zipArchive) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.closed {
		return nil
	}
	z.closed = true
	z.fsys.Metrics.ActiveMounts.Add(-1)

	if z.zr == nil {
		return nil
	}

	zr := z.zr
	z.zr, z.index = nil, nil

	return zr.Release()
}

// zipEntry is a file within a [zipArchive].
// Contents are uncompressed from the archive on every call.
type zipEntry struct {
	archive *zipArchive
	f       *zip.File
}

func (e *zipEntry) Name() string {
	return path.Base(e.f.Name)
}

func (e *zipEntry) Size() int64 {
	return int64(e.f.UncompressedSize64) //nolint:gosec
}

func (e *zipEntry) String(ctx context.Context) (string, error) {
	data, err := e.Bytes(ctx)
	if err != nil {
		return "", err
	}

	return toValidUTF8(data), nil
}

func (e *zipEntry) Bytes(ctx context.Context) ([]byte, error) {
	rc, err := e.Reader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, e.archive.fsys.storeError("extract", e.f.Name, err)
	}

	return data, nil
}

func (e *zipEntry) Reader(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	zr, _, err := e.archive.acquire()
	if err != nil {
		return nil, err
	}

	rc, err := openZipFile(e.archive.fsys, e.f)
	if err != nil {
		zr.Release() //nolint:errcheck

		return nil, e.archive.fsys.storeError("extract", e.f.Name, err)
	}

	return newMeteredReader(e.archive.fsys, rc, func() {
		zr.Release() //nolint:errcheck
	}), nil
}

// isDirEntry reports if a [zip.File] is a directory (and not a file).
func isDirEntry(f *zip.File) bool {
	return strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir()
}
