// Package files keeps the rendered record documents on disk, inside the
// working tree of the records repository.
package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/spf13/afero"
)

// Store reads and writes record files relative to the root of its Fs.
type Store struct {
	fs afero.Fs
}

func New(fsys afero.Fs) *Store {
	return &Store{fs: fsys}
}

// NewOnDisk roots a Store at dir, creating it if needed.
func NewOnDisk(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("files: create %s: %w", dir, err)
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

// Write replaces the file at name atomically: the content goes to a temp
// file in the same directory which is then renamed over the target.
func (s *Store) Write(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := path.Dir(name)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("files: mkdir %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("files: temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("files: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("files: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("files: close %s: %w", name, err)
	}
	if err := s.fs.Rename(tmpName, name); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("files: rename into %s: %w", name, err)
	}
	return nil
}

// Read returns the file content and whether the file exists.
func (s *Store) Read(ctx context.Context, name string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := afero.ReadFile(s.fs, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("files: read %s: %w", name, err)
	}
	return data, true, nil
}

// Remove deletes the file. A missing file is not an error.
func (s *Store) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("files: remove %s: %w", name, err)
	}
	return nil
}
