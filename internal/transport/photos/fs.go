// Package photos reads and archives original photo bytes by reference, on the
// local filesystem or in an S3-compatible bucket.
package photos

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kailas-cloud/facematch/internal/domain"
)

// FS stores photos under a root directory. References are slash-separated paths
// relative to the root.
type FS struct {
	root string
}

// NewFS creates a filesystem photo store rooted at dir, creating it if needed.
func NewFS(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("photos dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create photos dir: %w", err)
	}
	return &FS{root: abs}, nil
}

// resolve maps a reference to a path inside the root. References escaping the root are rejected.
func (f *FS) resolve(ref string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(ref))
	if clean == string(filepath.Separator) || strings.Contains(ref, "\x00") {
		return "", fmt.Errorf("photo reference %q: %w", ref, domain.ErrInput)
	}
	return filepath.Join(f.root, clean), nil
}

// Fetch reads a photo. A missing file is ErrNotFound.
func (f *FS) Fetch(_ context.Context, ref string) ([]byte, error) {
	path, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("photo %s: %w", ref, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("read photo %s: %w", ref, err)
	}
	return data, nil
}

// Put writes a photo, replacing an existing file. The write goes through a temp file
// so a reader never sees a partial photo.
func (f *FS) Put(_ context.Context, ref string, data []byte) error {
	path, err := f.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create photo dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp photo: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write photo %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close photo %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store photo %s: %w", ref, err)
	}
	return nil
}

// HealthCheck verifies the root directory is still there.
func (f *FS) HealthCheck(context.Context) error {
	st, err := os.Stat(f.root)
	if err != nil {
		return fmt.Errorf("photos dir: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("photos dir %s is not a directory", f.root)
	}
	return nil
}
