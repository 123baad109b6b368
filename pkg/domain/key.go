package domain

import (
	"encoding/binary"
	"fmt"
)

// revisionWidth is the width in bytes of the big-endian revision suffix
// appended to a UID to form a store key. Keeping it fixed-width means a
// lexicographic scan of a UID prefix returns revisions in ascending
// order.
const revisionWidth = 8

// MakeKey builds the physical store key for an entity revision: the UID
// bytes followed by an 8-byte big-endian revision.
func MakeKey(uid UID, revision uint64) []byte {
	key := make([]byte, len(uid)+revisionWidth)
	copy(key, uid)
	binary.BigEndian.PutUint64(key[len(uid):], revision)
	return key
}

// SplitKey reverses MakeKey, recovering the UID and revision.
func SplitKey(key []byte) (UID, uint64, error) {
	if len(key) <= revisionWidth {
		return nil, 0, fmt.Errorf("domain: key too short to contain a revision suffix: %d bytes", len(key))
	}
	uidLen := len(key) - revisionWidth
	uid := make(UID, uidLen)
	copy(uid, key[:uidLen])
	revision := binary.BigEndian.Uint64(key[uidLen:])
	return uid, revision, nil
}

// UIDPrefix returns the key prefix that matches every revision of uid.
func UIDPrefix(uid UID) []byte {
	prefix := make([]byte, len(uid))
	copy(prefix, uid)
	return prefix
}
