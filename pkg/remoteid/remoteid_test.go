package remoteid

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestMapper(t *testing.T) *Mapper {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "mapping.db"), store.ReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestResolveRemoteIDAllocatesOnce(t *testing.T) {
	m := openTestMapper(t)

	txn, err := m.Store().Begin(store.ReadWrite)
	require.NoError(t, err)

	uid1, err := ResolveRemoteID(txn, "mail", "maildir/cur/a")
	require.NoError(t, err)
	require.Len(t, []byte(uid1), 16)

	// Second sight of the same remote ID returns the same UID.
	uid2, err := ResolveRemoteID(txn, "mail", "maildir/cur/a")
	require.NoError(t, err)
	assert.True(t, uid1.Equal(uid2))

	require.NoError(t, txn.Commit())
}

func TestMappingIsBijective(t *testing.T) {
	m := openTestMapper(t)

	txn, err := m.Store().Begin(store.ReadWrite)
	require.NoError(t, err)
	uid, err := ResolveRemoteID(txn, "mail", "maildir/cur/b")
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	// rid.mapping[r] == u implies localid.mapping[u] == r.
	txn2, err := m.Store().Begin(store.ReadOnly)
	require.NoError(t, err)
	defer txn2.Rollback()

	remoteID, ok, err := ResolveLocalID(txn2, "mail", uid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "maildir/cur/b", remoteID)
}

func TestResolveLocalIDAbsentIsNonFatal(t *testing.T) {
	m := openTestMapper(t)

	txn, err := m.Store().Begin(store.ReadOnly)
	require.NoError(t, err)
	defer txn.Rollback()

	_, ok, err := ResolveLocalID(txn, "mail", domain.UID("nobody"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveErasesBothDirections(t *testing.T) {
	m := openTestMapper(t)
	uid := domain.UID("u1")

	txn, err := m.Store().Begin(store.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, Record(txn, "mail", uid, "maildir/cur/c"))
	require.NoError(t, Remove(txn, "mail", uid, "maildir/cur/c"))
	require.NoError(t, txn.Commit())

	txn2, err := m.Store().Begin(store.ReadOnly)
	require.NoError(t, err)
	defer txn2.Rollback()

	_, ok, err := ResolveLocalID(txn2, "mail", uid)
	require.NoError(t, err)
	assert.False(t, ok)

	// The forward direction is gone too, so a re-resolve would mint a
	// fresh UID rather than resurrect the old pair.
	ridDb, err := txn2.Database(ridDatabase("mail"), store.DatabaseOptions{})
	require.NoError(t, err)
	assert.False(t, ridDb.Contains([]byte("maildir/cur/c")))
}

func TestMappingsArePerEntityType(t *testing.T) {
	m := openTestMapper(t)

	txn, err := m.Store().Begin(store.ReadWrite)
	require.NoError(t, err)
	uidMail, err := ResolveRemoteID(txn, "mail", "shared-remote-id")
	require.NoError(t, err)
	uidFolder, err := ResolveRemoteID(txn, "folder", "shared-remote-id")
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	assert.False(t, uidMail.Equal(uidFolder))
}
