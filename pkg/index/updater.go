package index

import (
	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/pipeline"
	"github.com/cuemby/pimengine/pkg/store"
)

// DefaultIndexUpdater is the preprocessor spec.md §4.3 describes:
// given an entity-type's IndexDefinition list, it maintains one index
// per definition plus, implicitly, the uid-derived index every
// entity-type gets for free (S5 in spec.md §8), grounded on
// TypeImplementation<Event>::index/removeIndex in
// common/domain/event.cpp.
type DefaultIndexUpdater struct {
	entityType  domain.TypeTag
	definitions []domain.IndexDefinition
}

// NewDefaultIndexUpdater builds the preprocessor for entityType.
// definitions need not include a uid entry; it's always indexed.
// Extractors receive the raw payload bytes; decoding, if needed, is the
// resource plug-in's concern (domain.PayloadCodec), not the index
// updater's.
func NewDefaultIndexUpdater(entityType domain.TypeTag, definitions []domain.IndexDefinition) *DefaultIndexUpdater {
	return &DefaultIndexUpdater{entityType: entityType, definitions: definitions}
}

func (u *DefaultIndexUpdater) Name() string {
	return "index-updater:" + string(u.entityType)
}

// Process adds or removes index entries for entity depending on its
// operation, transactionally with the entity write (state.Txn()).
// Invariant 3: every non-Removal revision has matching index entries;
// a Removal erases them.
func (u *DefaultIndexUpdater) Process(txn *store.Txn, state *pipeline.State, entity domain.Entity) error {
	defer state.Completed(u)

	uidIdx, err := Open(txn, u.entityType, domain.UIDIndexProperty)
	if err != nil {
		return err
	}

	priorPayload, priorFound := state.PriorPayload()

	if entity.Tombstoned() {
		if err := uidIdx.Remove(entity.UID, entity.UID); err != nil {
			return err
		}
		if !priorFound {
			return nil
		}
		return u.removePropertyEntries(txn, entity.UID, priorPayload)
	}

	if err := uidIdx.Add(entity.UID, entity.UID); err != nil {
		return err
	}

	// Modifications may change indexed property values; drop the
	// prior revision's entries for properties this type defines before
	// adding the current ones.
	if entity.Metadata.Operation == domain.Modification && priorFound {
		if err := u.removePropertyEntries(txn, entity.UID, priorPayload); err != nil {
			return err
		}
	}

	for _, def := range u.definitions {
		terms, ok := def.Extractor(entity.Payload)
		if !ok {
			continue
		}
		idx, err := Open(txn, u.entityType, def.Property)
		if err != nil {
			return err
		}
		for _, term := range terms {
			if err := idx.Add(term, entity.UID); err != nil {
				return err
			}
		}
	}

	return nil
}

// removePropertyEntries removes every index entry this type's
// definitions would have derived from priorPayload, so a Modification
// or Removal doesn't leave stale term->UID pairs behind.
func (u *DefaultIndexUpdater) removePropertyEntries(txn *store.Txn, uid domain.UID, priorPayload []byte) error {
	for _, def := range u.definitions {
		terms, ok := def.Extractor(priorPayload)
		if !ok {
			continue
		}
		idx, err := Open(txn, u.entityType, def.Property)
		if err != nil {
			return err
		}
		for _, term := range terms {
			if err := idx.Remove(term, uid); err != nil {
				return err
			}
		}
	}

	return nil
}
