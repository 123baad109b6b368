package index

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/notify"
	"github.com/cuemby/pimengine/pkg/pipeline"
	"github.com/cuemby/pimengine/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.ReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func lookupAll(t *testing.T, st *store.Store, entityType domain.TypeTag, property string, term []byte) []domain.UID {
	t.Helper()
	txn, err := st.Begin(store.ReadOnly)
	require.NoError(t, err)
	defer txn.Rollback()

	idx, err := Open(txn, entityType, property)
	if err != nil {
		return nil
	}
	return idx.LookupAll(term)
}

func TestAddLookupRemove(t *testing.T) {
	st := openTestStore(t)

	txn, err := st.Begin(store.ReadWrite)
	require.NoError(t, err)
	idx, err := Open(txn, "mail", "folder")
	require.NoError(t, err)

	require.NoError(t, idx.Add([]byte("inbox"), domain.UID("u1")))
	require.NoError(t, idx.Add([]byte("inbox"), domain.UID("u2")))
	require.NoError(t, idx.Add([]byte("sent"), domain.UID("u3")))
	require.NoError(t, txn.Commit())

	uids := lookupAll(t, st, "mail", "folder", []byte("inbox"))
	require.Len(t, uids, 2)

	txn2, err := st.Begin(store.ReadWrite)
	require.NoError(t, err)
	idx2, err := Open(txn2, "mail", "folder")
	require.NoError(t, err)
	require.NoError(t, idx2.Remove([]byte("inbox"), domain.UID("u1")))
	require.NoError(t, txn2.Commit())

	uids = lookupAll(t, st, "mail", "folder", []byte("inbox"))
	require.Len(t, uids, 1)
	assert.True(t, uids[0].Equal(domain.UID("u2")))
}

func TestAddIsIdempotent(t *testing.T) {
	st := openTestStore(t)

	txn, err := st.Begin(store.ReadWrite)
	require.NoError(t, err)
	idx, err := Open(txn, "mail", "folder")
	require.NoError(t, err)

	require.NoError(t, idx.Add([]byte("inbox"), domain.UID("u1")))
	require.NoError(t, idx.Add([]byte("inbox"), domain.UID("u1")))
	require.NoError(t, txn.Commit())

	assert.Len(t, lookupAll(t, st, "mail", "folder", []byte("inbox")), 1)
}

func TestRemoveAbsentPairIsNonFatal(t *testing.T) {
	st := openTestStore(t)

	txn, err := st.Begin(store.ReadWrite)
	require.NoError(t, err)
	idx, err := Open(txn, "mail", "folder")
	require.NoError(t, err)

	assert.NoError(t, idx.Remove([]byte("never"), domain.UID("u1")))
	require.NoError(t, txn.Rollback())
}

func TestLookupStopsEarly(t *testing.T) {
	st := openTestStore(t)

	txn, err := st.Begin(store.ReadWrite)
	require.NoError(t, err)
	idx, err := Open(txn, "mail", "folder")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, idx.Add([]byte("inbox"), domain.UID{byte(i)}))
	}
	require.NoError(t, txn.Commit())

	txn2, err := st.Begin(store.ReadOnly)
	require.NoError(t, err)
	defer txn2.Rollback()
	idx2, err := Open(txn2, "mail", "folder")
	require.NoError(t, err)

	seen := 0
	idx2.Lookup([]byte("inbox"), func(domain.UID) bool {
		seen++
		return seen < 2
	}, nil)
	assert.Equal(t, 2, seen)
}

// wholePayloadIndex indexes the full payload bytes under one property,
// enough to drive the updater without a real codec.
func wholePayloadIndex(property string) domain.IndexDefinition {
	return domain.IndexDefinition{
		Property: property,
		Extractor: func(payload []byte) ([][]byte, bool) {
			if len(payload) == 0 {
				return nil, false
			}
			return [][]byte{payload}, true
		},
	}
}

func newUpdaterPipeline(t *testing.T, entityType domain.TypeTag, defs []domain.IndexDefinition) (*pipeline.Pipeline, *store.Store) {
	t.Helper()
	st := openTestStore(t)

	broker := notify.NewBroker()
	pl := pipeline.New(st, broker)
	updater := NewDefaultIndexUpdater(entityType, defs)
	pl.SetPreprocessors(entityType, pipeline.NewPipeline, []pipeline.Preprocessor{updater})
	pl.SetPreprocessors(entityType, pipeline.ModifiedPipeline, []pipeline.Preprocessor{updater})
	pl.SetPreprocessors(entityType, pipeline.DeletedPipeline, []pipeline.Preprocessor{updater})
	pl.Start()
	t.Cleanup(pl.Stop)

	return pl, st
}

func TestUpdaterMaintainsUIDIndex(t *testing.T) {
	pl, st := newUpdaterPipeline(t, "event", nil)
	uid := domain.UID("u7")

	_, err := pl.NewEntity("event", uid, []byte("payload"), false)
	require.NoError(t, err)

	// The uid-derived index resolves the entity's own identifier to
	// exactly one UID, the entity's local identifier.
	uids := lookupAll(t, st, "event", domain.UIDIndexProperty, uid)
	require.Len(t, uids, 1)
	assert.True(t, uids[0].Equal(uid))
}

func TestUpdaterTracksModifiedProperty(t *testing.T) {
	pl, st := newUpdaterPipeline(t, "mail", []domain.IndexDefinition{wholePayloadIndex("color")})
	uid := domain.UID("m1")

	_, err := pl.NewEntity("mail", uid, []byte("red"), false)
	require.NoError(t, err)
	require.Len(t, lookupAll(t, st, "mail", "color", []byte("red")), 1)

	// A modification re-derives the terms: the stale entry goes, the
	// new one appears.
	_, err = pl.ModifiedEntity("mail", uid, []byte("blue"), false)
	require.NoError(t, err)
	assert.Empty(t, lookupAll(t, st, "mail", "color", []byte("red")))
	require.Len(t, lookupAll(t, st, "mail", "color", []byte("blue")), 1)
}

func TestUpdaterErasesEntriesOnRemoval(t *testing.T) {
	pl, st := newUpdaterPipeline(t, "mail", []domain.IndexDefinition{wholePayloadIndex("color")})
	uid := domain.UID("m1")

	_, err := pl.NewEntity("mail", uid, []byte("red"), false)
	require.NoError(t, err)
	_, err = pl.DeletedEntity("mail", uid, false)
	require.NoError(t, err)

	assert.Empty(t, lookupAll(t, st, "mail", "color", []byte("red")))
	assert.Empty(t, lookupAll(t, st, "mail", domain.UIDIndexProperty, uid))
}
