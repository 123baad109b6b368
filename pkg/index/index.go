// Package index implements the secondary-index subsystem (C3):
// named, duplicate-allowing term->UID maps opened within a write or
// read transaction and kept transactionally coupled to the entity
// write that triggers them (spec.md §4.3).
package index

import (
	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/store"
)

// DatabaseName names the bucket an index for (type, property) lives
// in: `<entity-type>.index.<property>` per spec.md §3.
func DatabaseName(entityType domain.TypeTag, property string) string {
	return string(entityType) + ".index." + property
}

// Index wraps a named bucket and presents it as a duplicate-allowing
// term->UID multiset. bbolt has no native DUPSORT, so each term is
// realized as a nested bucket inside the index bucket whose keys are
// UIDs (values are empty) — the standard bbolt idiom for simulating an
// LMDB/MDBX-class store's duplicate-key tables (DESIGN.md).
type Index struct {
	db   *store.Db
	name string
}

// Open opens (or, in a ReadWrite txn, creates) the index for
// entityType/property within txn.
func Open(txn *store.Txn, entityType domain.TypeTag, property string) (*Index, error) {
	name := DatabaseName(entityType, property)
	db, err := txn.Database(name, store.DatabaseOptions{AllowDuplicates: true})
	if err != nil {
		return nil, err
	}
	return &Index{db: db, name: name}, nil
}

// Add associates term with uid. Idempotent: adding the same (term, uid)
// pair twice coalesces, since the UID is the nested bucket's key.
func (ix *Index) Add(term []byte, uid domain.UID) error {
	bucket, err := ix.db.Raw().CreateBucketIfNotExists(term)
	if err != nil {
		return translateErr(ix.name, err)
	}
	if err := bucket.Put([]byte(uid), nil); err != nil {
		return translateErr(ix.name, err)
	}
	return nil
}

// Remove disassociates uid from term. Removing an absent pair is
// non-fatal (spec.md §4.3: "NotFound is non-fatal").
func (ix *Index) Remove(term []byte, uid domain.UID) error {
	bucket := ix.db.Raw().Bucket(term)
	if bucket == nil {
		return nil
	}
	if err := bucket.Delete([]byte(uid)); err != nil {
		return translateErr(ix.name, err)
	}
	// Clean up an emptied term bucket so Lookup's iteration and disk
	// usage don't accumulate empty nested buckets forever.
	if bucket.Stats().KeyN == 0 {
		_ = ix.db.Raw().DeleteBucket(term)
	}
	return nil
}

// Lookup yields every UID associated with term, in ascending byte order
// of the UIDs, via onUID. The order in which UIDs were added is not
// recorded, so it is not the order of insertion. onUID returning false
// stops early.
func (ix *Index) Lookup(term []byte, onUID func(domain.UID) bool, onError store.ErrorHandler) {
	if onError == nil {
		onError = store.DefaultErrorHandler()
	}

	bucket := ix.db.Raw().Bucket(term)
	if bucket == nil {
		return
	}

	c := bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		uid := make(domain.UID, len(k))
		copy(uid, k)
		if !onUID(uid) {
			return
		}
	}
}

// LookupAll is a convenience wrapper returning every matching UID as a
// slice, for callers (pkg/query) that need the whole candidate set
// before proceeding to phase 2.
func (ix *Index) LookupAll(term []byte) []domain.UID {
	var uids []domain.UID
	ix.Lookup(term, func(u domain.UID) bool {
		uids = append(uids, u)
		return true
	}, nil)
	return uids
}

func translateErr(name string, err error) error {
	if err == nil {
		return nil
	}
	return &store.Error{Kind: store.KindIoError, Store: name, Cause: err}
}
