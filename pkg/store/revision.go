package store

import (
	"encoding/binary"

	"github.com/cuemby/pimengine/pkg/domain"
)

// InternalBucket is the reserved namespace spec.md §3/§6 says is never
// iterated as an entity and never returned to clients.
const InternalBucket = "__internal"

// maxRevisionKey holds the 8-byte big-endian maxRevision counter inside
// InternalBucket.
const maxRevisionKey = "maxRevision"

// RevisionIndexBucket maps revision (8-byte big-endian key) -> UID,
// kept in the top-level bucket `__internal.revisions` (see
// revisionIndexFullName), enabling gap-free replay of
// (lastReplayed, maxRevision] without scanning every entity-type's main
// database.
const RevisionIndexBucket = "revisions"

// MaxRevision reads the current maxRevision counter from txn, 0 if the
// counter has never been set (spec.md §4.2).
func MaxRevision(txn *Txn) (uint64, error) {
	db, err := txn.Database(InternalBucket, DatabaseOptions{})
	if err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindNotFound {
			return 0, nil
		}
		return 0, err
	}

	value, err := db.Get([]byte(maxRevisionKey))
	if err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindNotFound {
			return 0, nil
		}
		return 0, err
	}
	return binary.BigEndian.Uint64(value), nil
}

// SetMaxRevision writes the maxRevision counter. Callers must also
// record UID under RevisionIndexBucket in the same transaction to keep
// the revision index gap-free (spec.md Invariant 1).
func SetMaxRevision(txn *Txn, revision uint64) error {
	db, err := txn.Database(InternalBucket, DatabaseOptions{})
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, revision)
	return db.Put([]byte(maxRevisionKey), buf)
}

// RecordRevision appends the revision->UID entry used by ReplayRange.
// Must be called in the same write transaction as the entity record
// and the SetMaxRevision call it accompanies (spec.md §4.2).
func RecordRevision(txn *Txn, revision uint64, uid domain.UID) error {
	db, err := txn.Database(revisionIndexFullName(), DatabaseOptions{})
	if err != nil {
		return err
	}
	return db.Put(revisionKey(revision), []byte(uid))
}

// ReplayRange iterates the revision index over (from, to], calling fn
// with each revision and the UID it touched, in increasing revision
// order. Used by live queries (pkg/query) to walk committed history
// without rescanning every entity-type's main database.
func ReplayRange(txn *Txn, from, to uint64, fn func(revision uint64, uid domain.UID) error) error {
	if to <= from {
		return nil
	}

	db, err := txn.Database(revisionIndexFullName(), DatabaseOptions{})
	if err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindNotFound {
			return nil
		}
		return err
	}

	var callErr error
	db.Scan(nil, func(key, value []byte) bool {
		revision := binary.BigEndian.Uint64(key)
		if revision <= from {
			return true
		}
		if revision > to {
			return false
		}
		uid := make(domain.UID, len(value))
		copy(uid, value)
		if callErr = fn(revision, uid); callErr != nil {
			return false
		}
		return true
	}, nil)

	return callErr
}

func revisionKey(revision uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, revision)
	return buf
}

// revisionIndexFullName namespaces the revision index as a distinct
// bucket rather than literally nesting inside InternalBucket's bolt
// bucket (bbolt buckets can nest, but a flat top-level bucket keyed by
// name is simpler to scan and still hidden from entity iteration
// because every caller that lists entity-type buckets filters by the
// `<type>.main`/`<type>.index.` naming convention, never this one).
func revisionIndexFullName() string {
	return InternalBucket + "." + RevisionIndexBucket
}
