package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
)

// Kind is the capability of a [Handle].
type Kind string

const (
	// KindDirectory is a handle to a regular directory.
	KindDirectory Kind = "directory"

	// KindFile is a handle to a single (archive) file.
	KindFile Kind = "file"
)

// Handle is an opaque reference to a directory or file below the root.
// The Path is slash-separated and relative to the root, "" or "." is the root.
type Handle struct {
	Kind Kind   `json:"kind"`
	Path string `json:"path"`
}

func (h Handle) String() string {
	return fmt.Sprintf("%s:%s", h.Kind, h.Path)
}

// localPath returns the OS path of the handle relative to the root.
func (h Handle) localPath() (string, error) {
	if h.Path == "" {
		return ".", nil
	}

	name := filepath.FromSlash(h.Path)
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q is not local to the root", ErrInvalidHandle, h.Path)
	}

	return filepath.Clean(name), nil
}

// PickHandle returns the [Handle] for a path relative to the root directory,
// deriving its [Kind] from what is found at that path.
func PickHandle(rootDir, path string) (Handle, error) {
	h := Handle{Path: filepath.ToSlash(path)}

	name, err := h.localPath()
	if err != nil {
		return Handle{}, err
	}

	root, err := os.OpenRoot(rootDir)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to open root: %w", err)
	}
	defer root.Close()

	info, err := root.Stat(name)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to stat: %w", err)
	}

	switch {
	case info.IsDir():
		h.Kind = KindDirectory
	case info.Mode().IsRegular():
		h.Kind = KindFile
	default:
		return Handle{}, fmt.Errorf("%w: %q is neither directory nor file", ErrUnrecognizedHandle, path)
	}

	return h, nil
}
