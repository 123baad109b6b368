package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path, ReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenReadOnlyMissingFileReturnsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := Open(path, ReadOnly)
	require.Error(t, err)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindNotFound, se.Kind)
}

func TestPutGetRoundTrip(t *testing.T) {
	st := openTestStore(t)

	txn, err := st.Begin(ReadWrite)
	require.NoError(t, err)
	db, err := txn.Database("widgets.main", DatabaseOptions{})
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, txn.Commit())

	txn2, err := st.Begin(ReadOnly)
	require.NoError(t, err)
	defer txn2.Rollback()
	db2, err := txn2.Database("widgets.main", DatabaseOptions{})
	require.NoError(t, err)

	v, err := db2.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	st := openTestStore(t)

	txn, err := st.Begin(ReadWrite)
	require.NoError(t, err)
	db, err := txn.Database("widgets.main", DatabaseOptions{})
	require.NoError(t, err)

	_, err = db.Get([]byte("absent"))
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindNotFound, se.Kind)
	require.NoError(t, txn.Rollback())
}

func TestReadOnlyDatabaseMissingBucketIsNotFound(t *testing.T) {
	st := openTestStore(t)

	txn, err := st.Begin(ReadOnly)
	require.NoError(t, err)
	defer txn.Rollback()

	_, err = txn.Database("never-created", DatabaseOptions{})
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindNotFound, se.Kind)
}

func TestFindLatestReturnsHighestRevision(t *testing.T) {
	st := openTestStore(t)
	uid := []byte("uid-1")

	txn, err := st.Begin(ReadWrite)
	require.NoError(t, err)
	db, err := txn.Database("widgets.main", DatabaseOptions{})
	require.NoError(t, err)

	for rev := uint64(1); rev <= 3; rev++ {
		key := makeKeyForTest(uid, rev)
		require.NoError(t, db.Put(key, []byte{byte(rev)}))
	}
	require.NoError(t, txn.Commit())

	txn2, err := st.Begin(ReadOnly)
	require.NoError(t, err)
	defer txn2.Rollback()
	db2, err := txn2.Database("widgets.main", DatabaseOptions{})
	require.NoError(t, err)

	var gotValue []byte
	found := false
	db2.FindLatest(uid, func(k, v []byte) bool {
		gotValue = v
		found = true
		return false
	}, func(*Error) {})

	require.True(t, found)
	assert.Equal(t, []byte{3}, gotValue)
}

func TestScanStopsEarly(t *testing.T) {
	st := openTestStore(t)

	txn, err := st.Begin(ReadWrite)
	require.NoError(t, err)
	db, err := txn.Database("widgets.main", DatabaseOptions{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.Put([]byte{byte(i)}, []byte{byte(i)}))
	}
	require.NoError(t, txn.Commit())

	txn2, err := st.Begin(ReadOnly)
	require.NoError(t, err)
	defer txn2.Rollback()
	db2, err := txn2.Database("widgets.main", DatabaseOptions{})
	require.NoError(t, err)

	count := 0
	seen := db2.Scan(nil, func(k, v []byte) bool {
		count++
		return count < 2
	}, nil)

	assert.Equal(t, 2, seen)
	assert.Equal(t, 2, count)
}

// makeKeyForTest builds a uid+revision key (the same layout as
// domain.MakeKey) without importing pkg/domain, keeping these tests
// readable without it.
func makeKeyForTest(uid []byte, revision uint64) []byte {
	key := make([]byte, len(uid)+8)
	copy(key, uid)
	for i := 0; i < 8; i++ {
		key[len(uid)+7-i] = byte(revision >> (8 * i))
	}
	return key
}
