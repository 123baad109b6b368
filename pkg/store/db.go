package store

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// Db wraps a bbolt bucket opened within a transaction.
type Db struct {
	bucket          *bolt.Bucket
	name            string
	allowDuplicates bool
}

// Put writes key/value. Values handed back by Scan/FindLatest borrow
// memory owned by the transaction (bbolt's documented rule) and must
// not outlive it; Put itself copies the bytes it's given into the
// bucket's own pages.
func (d *Db) Put(key, value []byte) error {
	if err := d.bucket.Put(key, value); err != nil {
		return classifyBoltError(d.name, err)
	}
	return nil
}

// Get returns the value at key, or a NotFound-kind error if absent.
func (d *Db) Get(key []byte) ([]byte, error) {
	value := d.bucket.Get(key)
	if value == nil {
		return nil, newError(KindNotFound, d.name, nil)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Remove deletes key. Removing an absent key is not an error (it's
// idempotent), matching the Index Manager's "NotFound is non-fatal"
// contract for remove.
func (d *Db) Remove(key []byte) error {
	if err := d.bucket.Delete(key); err != nil {
		return classifyBoltError(d.name, err)
	}
	return nil
}

// Contains reports whether key is present.
func (d *Db) Contains(key []byte) bool {
	return d.bucket.Get(key) != nil
}

// Scan iterates lexicographically over every key with the given
// prefix (an empty prefix means a full scan), invoking onKv for each
// pair. onKv returns false to stop early. Scan returns the number of
// callbacks invoked.
func (d *Db) Scan(prefix []byte, onKv func(key, value []byte) bool, onError ErrorHandler) int {
	if onError == nil {
		onError = defaultErrorHandler
	}

	c := d.bucket.Cursor()
	count := 0

	var k, v []byte
	if len(prefix) == 0 {
		k, v = c.First()
	} else {
		k, v = c.Seek(prefix)
	}

	for ; k != nil; k, v = c.Next() {
		if len(prefix) > 0 && !bytes.HasPrefix(k, prefix) {
			break
		}
		count++
		if !onKv(k, v) {
			break
		}
	}

	return count
}

// FindLatest delivers exactly the record with the largest key suffix
// for the given UID prefix, if any. Because MakeKey appends a
// big-endian revision, the highest revision sorts last within the
// prefix, so this is a single Cursor.Seek past the prefix's upper
// bound followed by one Prev.
func (d *Db) FindLatest(uidPrefix []byte, onKv func(key, value []byte) bool, onError ErrorHandler) {
	if onError == nil {
		onError = defaultErrorHandler
	}

	c := d.bucket.Cursor()

	upperBound := nextPrefix(uidPrefix)
	var k, v []byte
	if upperBound == nil {
		k, v = c.Last()
	} else {
		k, v = c.Seek(upperBound)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	}

	if k == nil || !bytes.HasPrefix(k, uidPrefix) {
		onError(newError(KindNotFound, d.name, nil))
		return
	}

	onKv(k, v)
}

// nextPrefix returns the lexicographically smallest byte string
// greater than every string with the given prefix, or nil if prefix is
// all 0xff bytes (in which case there is no finite upper bound and the
// caller should seek to the end of the bucket instead).
func nextPrefix(prefix []byte) []byte {
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// Raw exposes the underlying bbolt bucket so pkg/index can build the
// nested-bucket duplicate-set encoding within the same transaction.
func (d *Db) Raw() *bolt.Bucket {
	return d.bucket
}

// AllowsDuplicates reports the option this Db was opened with.
func (d *Db) AllowsDuplicates() bool {
	return d.allowDuplicates
}
