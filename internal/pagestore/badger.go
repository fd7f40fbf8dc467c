package pagestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
)

const badgerBackend = "badger"

// BadgerStore keeps pages in an embedded badger database.
type BadgerStore struct {
	db  *badger.DB
	dir string
}

var _ PageStore = (*BadgerStore)(nil)

// NewBadgerStore opens a badger database in a fresh run directory under root. An empty
// root keeps the database in memory.
func NewBadgerStore(root string) (*BadgerStore, error) {
	var dir string
	options := badger.DefaultOptions("").WithInMemory(true)
	if root != "" {
		dir = filepath.Join(root, ulid.Make().String())
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: unable to create page directory %s: %w", ErrPageIO, dir, err)
		}
		options = badger.DefaultOptions(dir)
	}

	db, err := badger.Open(options.WithSyncWrites(false).WithNumVersionsToKeep(1).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("%w: unable to open badger page store at %q: %w", ErrPageIO, dir, err)
	}

	return &BadgerStore{db: db, dir: dir}, nil
}

func pageKey(part string, page int) []byte {
	return []byte(fmt.Sprintf("%s/%08d", part, page))
}

func (s *BadgerStore) WriteFixed(_ context.Context, page int, data []byte) error {
	return s.write(partFixed, page, data)
}

func (s *BadgerStore) WriteVolatile(_ context.Context, page int, data []byte) error {
	return s.write(partVolatile, page, data)
}

func (s *BadgerStore) ReadFixed(_ context.Context, page int, buf []byte) ([]byte, error) {
	return s.read(partFixed, page, buf)
}

func (s *BadgerStore) ReadVolatile(_ context.Context, page int, buf []byte) ([]byte, error) {
	return s.read(partVolatile, page, buf)
}

func (s *BadgerStore) write(part string, page int, data []byte) error {
	key := pageKey(part, page)

	// Badger may retain the value slice after Set returns.
	value := append([]byte(nil), data...)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("%w: unable to write %s: %w", ErrPageIO, key, err)
	}

	observe(badgerBackend, part, "write", len(data))
	return nil
}

func (s *BadgerStore) read(part string, page int, buf []byte) ([]byte, error) {
	key := pageKey(part, page)

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}

		buf, err = item.ValueCopy(buf[:0])
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %w: %s", ErrPageIO, ErrPageNotFound, key)
		}
		return nil, fmt.Errorf("%w: unable to read %s: %w", ErrPageIO, key, err)
	}

	observe(badgerBackend, part, "read", len(buf))
	return buf, nil
}

// Clear drops every page.
func (s *BadgerStore) Clear() error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("%w: unable to clear badger page store: %w", ErrPageIO, err)
	}
	return nil
}

// Close closes the database and removes its run directory.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: unable to close badger page store: %w", ErrPageIO, err)
	}

	if s.dir != "" {
		if err := os.RemoveAll(s.dir); err != nil {
			return fmt.Errorf("%w: unable to remove %s: %w", ErrPageIO, s.dir, err)
		}
	}

	return nil
}
