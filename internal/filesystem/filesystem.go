// Package filesystem implements the mountable read-only filesystems.
//
// A mount is either a regular directory or a single .zip archive, and both
// are addressed identically by slash-separated relative paths ([DirLike]).
// All handles are confined to the root directory given to [NewFS].
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// IndexFile is the default name of the home page within a mount.
const IndexFile = "index.html"

var (
	errMissingArgument = errors.New("missing argument")

	// ErrUnrecognizedHandle is returned by [FS.Mount] for a [Handle]
	// whose capability (directory or file) cannot be determined.
	ErrUnrecognizedHandle = errors.New("unrecognized handle")

	// ErrInvalidHandle is returned by [FS.Mount] for a [Handle] which
	// points outside of the root, or at something not matching its kind.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrMountClosed is returned when a closed mount is used.
	ErrMountClosed = errors.New("mount is closed")
)

// DirLike resolves slash-separated relative paths to [FileLike] entries.
//
// Open reports absence as (nil, false, nil), it never returns an error for a
// syntactically valid path that does not exist. Any other failure (I/O error,
// corrupt archive, revoked permission) is returned as error.
type DirLike interface {
	Open(ctx context.Context, name string) (FileLike, bool, error)
	Close() error
}

// FileLike is one resolved entry of a [DirLike]. It is short-lived and all
// of its methods are idempotent, repeated calls return equivalent data.
type FileLike interface {
	// Name is the base name of the entry.
	Name() string

	// Size is the uncompressed size of the entry in bytes.
	Size() int64

	// String returns the entry decoded as UTF-8 text, invalid sequences
	// are replaced with the Unicode replacement character.
	String(ctx context.Context) (string, error)

	// Bytes returns the raw bytes of the entry.
	Bytes(ctx context.Context) ([]byte, error)

	// Reader returns a stream of the raw bytes of the entry.
	// The caller must close it once done.
	Reader(ctx context.Context) (io.ReadCloser, error)
}

// Options contains all settings for the operation of the filesystem.
type Options struct {
	// MustCRC32 controls if ZIP-contained uncompressed files must still run
	// through the integrity verification algorithm (CRC32), which is slower.
	MustCRC32 atomic.Bool
}

// DefaultOptions returns a pointer to [Options] with the default values.
func DefaultOptions() *Options {
	opts := &Options{}
	opts.MustCRC32.Store(false)

	return opts
}

// Metrics contains all metrics which are collected within the filesystem.
type Metrics struct {
	// Errors is the amount of store errors that occurred.
	Errors atomic.Int64

	// ActiveMounts is the amount of currently mounted (unclosed) [DirLike].
	ActiveMounts atomic.Int64

	// TotalMounts is the amount of created [DirLike].
	TotalMounts atomic.Int64

	// OpenZips is the amount of currently open ZIP files.
	OpenZips atomic.Int64

	// TotalOpenedZips is the amount of opened ZIP files.
	TotalOpenedZips atomic.Int64

	// TotalClosedZips is the amount of closed ZIP files.
	TotalClosedZips atomic.Int64

	// TotalDecodeTime is time spent decoding ZIP file indexes.
	TotalDecodeTime atomic.Int64

	// TotalDecodeCount is the amount of decoded ZIP file indexes.
	TotalDecodeCount atomic.Int64

	// TotalLookups is the amount of resolved paths (found or not).
	TotalLookups atomic.Int64

	// TotalReadTime is time spent reading entry contents.
	TotalReadTime atomic.Int64

	// TotalReadCount is the amount of entry content reads.
	TotalReadCount atomic.Int64

	// TotalReadBytes is the amount of bytes read from entries.
	TotalReadBytes atomic.Int64
}

// FS creates mounts ([DirLike]) confined to the root directory.
type FS struct {
	RootDir   string
	MountTime time.Time

	Options *Options
	Metrics *Metrics

	log *zap.Logger
}

// NewFS returns a pointer to a new [FS].
func NewFS(rootDir string, opts *Options, log *zap.Logger) (*FS, error) {
	if log == nil {
		return nil, fmt.Errorf("%w: need a logger", errMissingArgument)
	}
	if rootDir == "" {
		return nil, fmt.Errorf("%w: need a root dir", errMissingArgument)
	}
	if info, err := os.Stat(rootDir); err != nil {
		return nil, fmt.Errorf("failed to stat root dir: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%w: root %q is not a directory", ErrInvalidHandle, rootDir)
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	return &FS{
		RootDir:   rootDir,
		MountTime: time.Now(),
		Options:   opts,
		Metrics:   &Metrics{},
		log:       log,
	}, nil
}

// Mount constructs the [DirLike] for a [Handle].
//
// Directory handles yield a regular directory mount, file handles are always
// mounted as ZIP archive to browse inside of. The archive is not decoded until
// the first call to Open. [ErrUnrecognizedHandle] is returned for any other
// kind of handle, and [ErrInvalidHandle] for one not matching its target.
func (fsys *FS) Mount(h Handle) (DirLike, error) {
	if h.Kind != KindDirectory && h.Kind != KindFile {
		return nil, fmt.Errorf("%w: kind %q", ErrUnrecognizedHandle, h.Kind)
	}

	name, err := h.localPath()
	if err != nil {
		return nil, err
	}

	var dir DirLike

	if h.Kind == KindDirectory {
		dir, err = fsys.newRealDir(name)
	} else {
		dir, err = fsys.newZipArchive(name)
	}
	if err != nil {
		return nil, err
	}

	fsys.Metrics.ActiveMounts.Add(1)
	fsys.Metrics.TotalMounts.Add(1)
	fsys.log.Debug("mount created", zap.Stringer("handle", h))

	return dir, nil
}

// storeError counts and annotates a store error.
func (fsys *FS) storeError(op, name string, err error) error {
	fsys.Metrics.Errors.Add(1)

	return fmt.Errorf("%s %q: %w", op, name, err)
}
