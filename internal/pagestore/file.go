package pagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
)

const fileBackend = "file"

// FileStore keeps each page as two files in a private run directory.
type FileStore struct {
	dir string
}

var _ PageStore = (*FileStore)(nil)

// NewFileStore creates a fresh run directory under root.
func NewFileStore(root string) (*FileStore, error) {
	dir := filepath.Join(root, ulid.Make().String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: unable to create page directory %s: %w", ErrPageIO, dir, err)
	}

	return &FileStore{dir: dir}, nil
}

// Dir returns the run directory holding the page files.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) FixedPath(page int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%08d_term.page", page))
}

func (s *FileStore) VolatilePath(page int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%08d_volatile.page", page))
}

func (s *FileStore) WriteFixed(_ context.Context, page int, data []byte) error {
	return s.write(partFixed, s.FixedPath(page), data)
}

func (s *FileStore) WriteVolatile(_ context.Context, page int, data []byte) error {
	return s.write(partVolatile, s.VolatilePath(page), data)
}

func (s *FileStore) ReadFixed(_ context.Context, page int, buf []byte) ([]byte, error) {
	return s.read(partFixed, s.FixedPath(page), buf)
}

func (s *FileStore) ReadVolatile(_ context.Context, page int, buf []byte) ([]byte, error) {
	return s.read(partVolatile, s.VolatilePath(page), buf)
}

func (s *FileStore) write(part, path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("%w: unable to write %s: %w", ErrPageIO, path, err)
	}

	observe(fileBackend, part, "write", len(data))
	return nil
}

func (s *FileStore) read(part, path string, buf []byte) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w: %s", ErrPageIO, ErrPageNotFound, path)
		}
		return nil, fmt.Errorf("%w: unable to open %s: %w", ErrPageIO, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: unable to stat %s: %w", ErrPageIO, path, err)
	}

	buf = grow(buf, int(info.Size()))
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("%w: unable to read %s: %w", ErrPageIO, path, err)
	}

	observe(fileBackend, part, "read", len(buf))
	return buf, nil
}

// Clear removes every page file and recreates the empty run directory.
func (s *FileStore) Clear() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("%w: unable to clear %s: %w", ErrPageIO, s.dir, err)
	}

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("%w: unable to create page directory %s: %w", ErrPageIO, s.dir, err)
	}

	return nil
}

// Close removes the run directory.
func (s *FileStore) Close() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("%w: unable to remove %s: %w", ErrPageIO, s.dir, err)
	}
	return nil
}
