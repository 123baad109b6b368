package store

import (
	bolt "go.etcd.io/bbolt"
)

// Txn wraps a bbolt transaction. Scoped acquisition (Begin, then a
// deferred Rollback that becomes a no-op after Commit) guarantees the
// transaction is released on every exit path.
type Txn struct {
	tx   *bolt.Tx
	mode Mode
	done bool
}

// Begin starts a transaction. Multiple ReadOnly transactions may
// coexist with at most one ReadWrite transaction; bbolt serializes
// writers internally.
func (s *Store) Begin(mode Mode) (*Txn, error) {
	tx, err := s.db.Begin(mode == ReadWrite)
	if err != nil {
		return nil, classifyBoltError(s.path, err)
	}
	return &Txn{tx: tx, mode: mode}, nil
}

// Mode reports whether this transaction may write.
func (t *Txn) Mode() Mode {
	return t.mode
}

// Commit commits a ReadWrite transaction, making its writes atomically
// visible to later read transactions (Invariant 6).
func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return classifyBoltError("txn", err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit; it is
// then a no-op, so callers can unconditionally `defer txn.Rollback()`
// right after Begin.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return classifyBoltError("txn", err)
	}
	return nil
}

// DatabaseOptions configures Database's duplicate-key behavior.
type DatabaseOptions struct {
	// AllowDuplicates marks a database as backing a named index: the
	// Index Manager (pkg/index) builds nested per-term buckets inside
	// it rather than storing term->value directly, since bbolt itself
	// has no DUPSORT concept.
	AllowDuplicates bool
}

// Database opens a named bucket within the transaction. ReadWrite
// transactions create the bucket on demand; ReadOnly transactions
// return a NotFound-kind error if it's absent.
func (t *Txn) Database(name string, opts DatabaseOptions) (*Db, error) {
	nameBytes := []byte(name)

	if t.mode == ReadWrite {
		bucket, err := t.tx.CreateBucketIfNotExists(nameBytes)
		if err != nil {
			return nil, classifyBoltError(name, err)
		}
		return &Db{bucket: bucket, name: name, allowDuplicates: opts.AllowDuplicates}, nil
	}

	bucket := t.tx.Bucket(nameBytes)
	if bucket == nil {
		return nil, newError(KindNotFound, name, bolt.ErrBucketNotFound)
	}
	return &Db{bucket: bucket, name: name, allowDuplicates: opts.AllowDuplicates}, nil
}
