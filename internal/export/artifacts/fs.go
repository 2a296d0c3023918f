// Package artifacts stores rendered export files on the local filesystem.
package artifacts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"activitylog/pkg/platform/sentinel"
)

// FS keeps one file per job under a root directory. References are bare
// file names so a stored ref can never point outside the root.
type FS struct {
	dir string
}

// NewFS creates the root directory if needed.
func NewFS(dir string) (*FS, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &FS{dir: dir}, nil
}

// Create opens a fresh artifact for writing and returns its reference. An
// existing file for the same job is truncated.
func (f *FS) Create(jobID uuid.UUID, ext string) (io.WriteCloser, string, error) {
	ref := jobID.String() + "." + strings.TrimPrefix(ext, ".")
	file, err := os.OpenFile(filepath.Join(f.dir, ref), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, "", fmt.Errorf("create artifact %s: %w", ref, err)
	}
	return file, ref, nil
}

// Open returns a reader for a stored artifact and its size.
func (f *FS) Open(ref string) (io.ReadSeekCloser, int64, error) {
	path, err := f.path(ref)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("artifact %s: %w", ref, sentinel.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("open artifact %s: %w", ref, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat artifact %s: %w", ref, err)
	}
	return file, info.Size(), nil
}

// ReadAll loads a small artifact, e.g. for an email attachment.
func (f *FS) ReadAll(ref string) ([]byte, error) {
	rc, _, err := f.Open(ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (f *FS) path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("artifact ref %q: %w", ref, sentinel.ErrNotFound)
	}
	return filepath.Join(f.dir, ref), nil
}
