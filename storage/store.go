// Package storage keeps fetched page bodies and assets under a working
// directory, addressed by identifier.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidID is returned for identifiers that escape the store root.
var ErrInvalidID = errors.New("storage: invalid identifier")

// Store is the write-handle abstraction the crawler writes through.
type Store interface {
	Put(id string, data []byte) error
	Open(id string) (io.ReadCloser, error)
	Path(id string) (string, error)
}

// DirStore stores each identifier as a file below Root.
type DirStore struct {
	Root string
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %q: %w", root, err)
	}
	return &DirStore{Root: root}, nil
}

// Put writes data atomically: readers never observe a partial file.
func (s *DirStore) Put(id string, data []byte) error {
	path, err := s.Path(id)
	if err != nil {
		return err
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", id, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", id, err)
	}
	return nil
}

// Open returns a reader for a stored identifier.
func (s *DirStore) Open(id string) (io.ReadCloser, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, err
	}
	return os.Open(path) //nolint:gosec // path is confined to Root
}

// Path maps an identifier to its file path. Identifiers are slash separated
// and must stay inside Root.
func (s *DirStore) Path(id string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(id))
	if id == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.Root, clean), nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
