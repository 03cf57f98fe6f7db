package filesystem

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

var (
	_ DirLike  = (*realDir)(nil)
	_ FileLike = (*realFile)(nil)
)

// realDir is a mounted regular directory below the root.
// Every Open walks the path segments anew, nothing is cached.
type realDir struct {
	fsys   *FS         // Pointer to our filesystem.
	path   string      // Path of the underlying regular directory.
	closed atomic.Bool // Closed mounts no longer resolve.
}

func (fsys *FS) newRealDir(name string) (*realDir, error) {
	root, err := os.OpenRoot(fsys.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open root: %w", err)
	}
	defer root.Close()

	info, err := root.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("failed to stat: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %q is not a directory", ErrInvalidHandle, name)
	}

	return &realDir{
		fsys: fsys,
		path: filepath.Join(fsys.RootDir, name),
	}, nil
}

// Open walks name segment by segment: all but the last segment must be
// directories, and the last one must be a regular file. Anything missing
// along the way (or of the wrong type) is reported as absence.
func (d *realDir) Open(ctx context.Context, name string) (FileLike, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("context error: %w", err)
	}
	if d.closed.Load() {
		return nil, false, ErrMountClosed
	}

	d.fsys.Metrics.TotalLookups.Add(1)

	segments, ok := splitPath(name)
	if !ok {
		return nil, false, nil
	}

	root, err := os.OpenRoot(d.path)
	if err != nil {
		return nil, false, d.fsys.storeError("open mount", d.path, err)
	}
	defer root.Close()

	for i := range len(segments) - 1 {
		sub := strings.Join(segments[:i+1], "/")

		info, err := root.Stat(sub)
		if isAbsent(err) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, d.fsys.storeError("walk", sub, err)
		}
		if !info.IsDir() {
			return nil, false, nil
		}
	}

	rel := strings.Join(segments, "/")

	info, err := root.Stat(rel)
	if isAbsent(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, d.fsys.storeError("stat", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil, false, nil
	}

	return &realFile{
		dir:  d,
		rel:  rel,
		name: info.Name(),
		size: info.Size(),
	}, true, nil
}

// Close marks the mount as closed, there are no resources to release.
func (d *realDir) Close() error {
	if d.closed.CompareAndSwap(false, true) {
		d.fsys.Metrics.ActiveMounts.Add(-1)
	}

	return nil
}

// realFile is a regular file within a [realDir].
// Contents are read from the underlying file on every call.
type realFile struct {
	dir  *realDir
	rel  string
	name string
	size int64
}

func (f *realFile) Name() string {
	return f.name
}

func (f *realFile) Size() int64 {
	return f.size
}

func (f *realFile) String(ctx context.Context) (string, error) {
	data, err := f.Bytes(ctx)
	if err != nil {
		return "", err
	}

	return toValidUTF8(data), nil
}

func (f *realFile) Bytes(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	m := newReadMetric(f.dir.fsys)

	root, err := os.OpenRoot(f.dir.path)
	if err != nil {
		return nil, f.dir.fsys.storeError("open mount", f.dir.path, err)
	}
	defer root.Close()

	data, err := root.ReadFile(f.rel)
	if err != nil {
		return nil, f.dir.fsys.storeError("read", f.rel, err)
	}
	m.Done(len(data))

	return data, nil
}

func (f *realFile) Reader(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	root, err := os.OpenRoot(f.dir.path)
	if err != nil {
		return nil, f.dir.fsys.storeError("open mount", f.dir.path, err)
	}
	defer root.Close() // opened files outlive the root

	fd, err := root.Open(f.rel)
	if err != nil {
		return nil, f.dir.fsys.storeError("open", f.rel, err)
	}

	return newMeteredReader(f.dir.fsys, fd, nil), nil
}

// readMetric measures the duration and size of one content read.
type readMetric struct {
	fsys  *FS
	start time.Time
}

func newReadMetric(fsys *FS) *readMetric {
	return &readMetric{fsys: fsys, start: time.Now()}
}

func (m *readMetric) Done(n int) {
	m.fsys.Metrics.TotalReadTime.Add(time.Since(m.start).Nanoseconds())
	m.fsys.Metrics.TotalReadCount.Add(1)
	m.fsys.Metrics.TotalReadBytes.Add(int64(n))
}
