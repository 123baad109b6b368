package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Mode selects whether a Store or Txn may write.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// Store is an embedded, memory-mapped, copy-on-write B-tree: at most one
// ReadWrite transaction at a time, unlimited concurrent ReadOnly
// transactions, each observing a consistent snapshot. Backed by
// go.etcd.io/bbolt.
type Store struct {
	db   *bolt.DB
	path string
	mode Mode
}

// Open opens (or creates, in ReadWrite) the database file at path.
// ReadOnly fails with a NotFound-kind error if the file doesn't exist;
// ReadWrite creates the parent directory and file on demand.
func Open(path string, mode Mode) (*Store, error) {
	opts := &bolt.Options{Timeout: 2 * time.Second}

	if mode == ReadOnly {
		opts.ReadOnly = true
		if _, err := os.Stat(path); err != nil {
			return nil, newError(KindNotFound, path, err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, newError(KindIoError, path, fmt.Errorf("creating storage directory: %w", err))
		}
	}

	db, err := bolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, classifyBoltError(path, err)
	}

	return &Store{db: db, path: path, mode: mode}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return classifyBoltError(s.path, err)
	}
	return nil
}

// Path returns the database file path this Store was opened against.
func (s *Store) Path() string {
	return s.path
}
