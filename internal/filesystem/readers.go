package filesystem

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/klauspost/compress/zip"
)

// zipReader is a thread-safe, metrics-aware [zip.Reader] over an open file.
//
// It allows for multiple entries to be read concurrently, while keeping
// open the archive, and internally tracking the reference count.
type zipReader struct {
	*zip.Reader

	file     *os.File
	fsys     *FS
	refCount atomic.Int32
}

// newZipReader returns a pointer to a new [zipReader] for name within root.
//
// A new [zipReader] is always returned with a reference count of one.
// Once done, you need to call Release() to close the reference. When
// sharing the [zipReader], ensure to always Acquire() and Release().
func newZipReader(fsys *FS, root *os.Root, name string) (*zipReader, error) {
	f, err := root.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("failed to stat: %w", err)
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("failed to decode: %w", err)
	}

	fsys.Metrics.OpenZips.Add(1)
	fsys.Metrics.TotalOpenedZips.Add(1)

	r := &zipReader{
		Reader: zr,
		file:   f,
		fsys:   fsys,
	}
	r.Acquire() // for caller

	return r, nil
}

// Acquire increases the reference count by one, it should be
// called every time a [zipReader] is shared with another user.
func (zr *zipReader) Acquire() {
	zr.refCount.Add(1)
}

// Release decreases the reference count by one and closes the
// [zipReader] if the new reference count is exactly at zero (0).
func (zr *zipReader) Release() error {
	if zr.refCount.Add(-1) == 0 {
		return zr.closeReader()
	}

	return nil
}

// Close is not supported and will always panic when being used.
// You must use Release() instead, which internally calls Close().
func (zr *zipReader) Close() error {
	panic("unsupported direct close of zipReader, use Release() instead")
}

// closeReader instantly closes the underlying file.
// You must use Release() instead, which internally calls closeReader().
func (zr *zipReader) closeReader() error {
	zr.fsys.Metrics.OpenZips.Add(-1)
	zr.fsys.Metrics.TotalClosedZips.Add(1)

	return zr.file.Close() //nolint:wrapcheck
}

// openZipFile opens a [zip.File] for reading its uncompressed contents.
// Stored (uncompressed) files are read raw, skipping the integrity check,
// unless [Options.MustCRC32] is set.
func openZipFile(fsys *FS, f *zip.File) (io.ReadCloser, error) {
	if f.Method == zip.Store && !fsys.Options.MustCRC32.Load() {
		r, err := f.OpenRaw()
		if err != nil {
			return nil, fmt.Errorf("failed to open raw: %w", err)
		}

		return io.NopCloser(r), nil
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open: %w", err)
	}

	return rc, nil
}
