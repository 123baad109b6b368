// Package remoteid implements the Remote-ID Mapper (C4): a bijective
// mapping between external remote IDs (e.g. a maildir file path) and
// internal local UIDs, kept in its own store so synchronizers can
// update it independently of the main entity store during
// synchronization passes (spec.md §4.4, §6 naming:
// `<instanceId>.synchronization/`).
package remoteid

import (
	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/store"
	"github.com/google/uuid"
)

// ridDatabase and localDatabase are the two named databases spec.md §3
// defines: `rid.mapping.<entity-type>` and `localid.mapping.<entity-type>`.
func ridDatabase(entityType domain.TypeTag) string {
	return "rid.mapping." + string(entityType)
}

func localDatabase(entityType domain.TypeTag) string {
	return "localid.mapping." + string(entityType)
}

// Mapper resolves between remote IDs and local UIDs for one
// `.synchronization` store.
type Mapper struct {
	st *store.Store
}

// Open opens (or creates) the mapping store at path.
func Open(path string, mode store.Mode) (*Mapper, error) {
	st, err := store.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return &Mapper{st: st}, nil
}

// Close releases the underlying store.
func (m *Mapper) Close() error {
	return m.st.Close()
}

// Store exposes the underlying store so a synchronizer can begin its
// own transactions for batched mapping updates (spec.md §5 "The
// mapping store has its own writer owned by the synchronizer").
func (m *Mapper) Store() *store.Store {
	return m.st
}

// ResolveRemoteID returns the existing local UID for remoteID, or
// allocates a fresh UUID and records both mapping directions within
// txn if none exists. Both directions are written in the same
// transaction, which is how Invariant 4 (bijection) is enforced
// without extra locking.
func ResolveRemoteID(txn *store.Txn, entityType domain.TypeTag, remoteID string) (domain.UID, error) {
	ridDb, err := txn.Database(ridDatabase(entityType), store.DatabaseOptions{})
	if err != nil {
		return nil, err
	}

	if existing, err := ridDb.Get([]byte(remoteID)); err == nil {
		uid := make(domain.UID, len(existing))
		copy(uid, existing)
		return uid, nil
	} else if e, ok := err.(*store.Error); !ok || e.Kind != store.KindNotFound {
		return nil, err
	}

	generated, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	uid := domain.UID(generated[:])

	if err := Record(txn, entityType, uid, remoteID); err != nil {
		return nil, err
	}
	return uid, nil
}

// ResolveLocalID is a pure lookup of the remote ID recorded for uid.
// An empty result (with ok=false) is non-fatal (spec.md §4.4).
func ResolveLocalID(txn *store.Txn, entityType domain.TypeTag, uid domain.UID) (string, bool, error) {
	localDb, err := txn.Database(localDatabase(entityType), store.DatabaseOptions{})
	if err != nil {
		if e, ok := err.(*store.Error); ok && e.Kind == store.KindNotFound {
			return "", false, nil
		}
		return "", false, err
	}

	value, err := localDb.Get([]byte(uid))
	if err != nil {
		if e, ok := err.(*store.Error); ok && e.Kind == store.KindNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return string(value), true, nil
}

// Record writes both mapping directions for (uid, remoteID)
// transactionally, enforcing Invariant 4.
func Record(txn *store.Txn, entityType domain.TypeTag, uid domain.UID, remoteID string) error {
	ridDb, err := txn.Database(ridDatabase(entityType), store.DatabaseOptions{})
	if err != nil {
		return err
	}
	localDb, err := txn.Database(localDatabase(entityType), store.DatabaseOptions{})
	if err != nil {
		return err
	}

	if err := ridDb.Put([]byte(remoteID), []byte(uid)); err != nil {
		return err
	}
	return localDb.Put([]byte(uid), []byte(remoteID))
}

// Remove erases both mapping directions for (uid, remoteID). A remove
// against an absent pair is non-fatal (bbolt delete of an absent key
// is itself a no-op).
func Remove(txn *store.Txn, entityType domain.TypeTag, uid domain.UID, remoteID string) error {
	ridDb, err := txn.Database(ridDatabase(entityType), store.DatabaseOptions{})
	if err != nil {
		if e, ok := err.(*store.Error); ok && e.Kind == store.KindNotFound {
			return nil
		}
		return err
	}
	localDb, err := txn.Database(localDatabase(entityType), store.DatabaseOptions{})
	if err != nil {
		if e, ok := err.(*store.Error); ok && e.Kind == store.KindNotFound {
			return nil
		}
		return err
	}

	if err := ridDb.Remove([]byte(remoteID)); err != nil {
		return err
	}
	return localDb.Remove([]byte(uid))
}
