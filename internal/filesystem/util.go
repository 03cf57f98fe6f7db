package filesystem

import (
	"errors"
	"io"
	"io/fs"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"
)

// splitPath splits a slash-separated relative path into its segments.
// Paths are not normalized, so any empty, "." or ".." segment cannot
// name an entry and the path is reported as not resolvable (false).
func splitPath(name string) ([]string, bool) {
	if name == "" {
		return nil, false
	}

	segments := strings.Split(name, "/")
	for _, s := range segments {
		if s == "" || s == "." || s == ".." {
			return nil, false
		}
	}

	return segments, true
}

// isAbsent reports if err means that a path does not exist.
// A path walking through a non-directory counts as not existing.
func isAbsent(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// toValidUTF8 decodes data as UTF-8 text, replacing invalid sequences.
func toValidUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}

	return strings.ToValidUTF8(string(data), string(utf8.RuneError))
}

var _ io.ReadCloser = (*meteredReader)(nil)

// meteredReader counts the bytes read through it into the filesystem
// metrics on Close, after which the optional release function is called.
type meteredReader struct {
	io.ReadCloser

	fsys    *FS
	start   time.Time
	n       int64
	release func()
	closed  bool
}

func newMeteredReader(fsys *FS, rc io.ReadCloser, release func()) *meteredReader {
	return &meteredReader{
		ReadCloser: rc,
		fsys:       fsys,
		start:      time.Now(),
		release:    release,
	}
}

func (r *meteredReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)

	return n, err //nolint:wrapcheck
}

func (r *meteredReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	r.fsys.Metrics.TotalReadTime.Add(time.Since(r.start).Nanoseconds())
	r.fsys.Metrics.TotalReadCount.Add(1)
	r.fsys.Metrics.TotalReadBytes.Add(r.n)

	err := r.ReadCloser.Close()
	if r.release != nil {
		r.release()
	}

	return err //nolint:wrapcheck
}
