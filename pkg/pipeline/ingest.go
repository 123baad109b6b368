package pipeline

import (
	"bytes"

	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/metrics"
	"github.com/cuemby/pimengine/pkg/store"
)

// MainDatabase returns the `<entity-type>.main` database name (spec.md
// §3) an entity-type's revisions are stored under.
func MainDatabase(entityType domain.TypeTag) string {
	return string(entityType) + ".main"
}

// NewEntity ingests a CreateEntity command: assigns revision
// maxRevision+1, writes the Creation record, advances maxRevision and
// the revision index, then runs the NewPipeline[type] chain. Idempotent
// replay: a byte-identical Create for an existing UID is a no-op
// (spec.md §4.5 failure semantics, property 6 "Idempotent replay").
// Blocks until the chain completes or fails.
func (p *Pipeline) NewEntity(entityType domain.TypeTag, key domain.UID, payload []byte, replayToSource bool) (uint64, error) {
	p.acquire()
	txn, main, err := p.beginMain(entityType)
	if err != nil {
		p.release()
		return 0, err
	}

	priorPayload, priorRevision, priorFound := latest(main, key)
	if priorFound && bytes.Equal(priorPayload, payload) {
		_ = txn.Rollback()
		p.release()
		return priorRevision, nil
	}

	return p.commitRevision(txn, main, entityType, key, payload, domain.Creation, replayToSource, NewPipeline, priorPayload, priorFound)
}

// ModifiedEntity ingests a ModifyEntity command, appending a
// Modification revision. Preprocessors may compare against the prior
// latest revision, exposed via state.PriorPayload(), to diff
// properties.
func (p *Pipeline) ModifiedEntity(entityType domain.TypeTag, key domain.UID, payload []byte, replayToSource bool) (uint64, error) {
	p.acquire()
	txn, main, err := p.beginMain(entityType)
	if err != nil {
		p.release()
		return 0, err
	}

	priorPayload, _, priorFound := latest(main, key)
	return p.commitRevision(txn, main, entityType, key, payload, domain.Modification, replayToSource, ModifiedPipeline, priorPayload, priorFound)
}

// DeletedEntity ingests a DeleteEntity command: writes a tombstone
// revision with an empty payload. A delete against an absent UID is a
// no-op (spec.md §4.5 failure semantics).
func (p *Pipeline) DeletedEntity(entityType domain.TypeTag, key domain.UID, replayToSource bool) (uint64, error) {
	p.acquire()
	txn, main, err := p.beginMain(entityType)
	if err != nil {
		p.release()
		return 0, err
	}

	priorPayload, _, priorFound := latest(main, key)
	if !priorFound {
		_ = txn.Rollback()
		p.release()
		return 0, nil
	}

	return p.commitRevision(txn, main, entityType, key, nil, domain.Removal, replayToSource, DeletedPipeline, priorPayload, priorFound)
}

func (p *Pipeline) beginMain(entityType domain.TypeTag) (*store.Txn, *store.Db, error) {
	txn, err := p.st.Begin(store.ReadWrite)
	if err != nil {
		return nil, nil, err
	}
	main, err := txn.Database(MainDatabase(entityType), store.DatabaseOptions{})
	if err != nil {
		_ = txn.Rollback()
		return nil, nil, err
	}
	return txn, main, nil
}

// commitRevision stages the entity record, maxRevision update, and
// revision-index entry in txn, then hands the state to the stepper.
// The caller has already acquired a pending slot; every early-return
// path must release it, while the success path's release happens in
// finish once the chain completes.
func (p *Pipeline) commitRevision(txn *store.Txn, main *store.Db, entityType domain.TypeTag, key domain.UID, payload []byte, op domain.Operation, replayToSource bool, kind Kind, priorPayload []byte, priorFound bool) (uint64, error) {
	maxRev, err := store.MaxRevision(txn)
	if err != nil {
		_ = txn.Rollback()
		p.release()
		return 0, err
	}
	newRevision := maxRev + 1

	entity := domain.Entity{
		UID:  key,
		Type: entityType,
		Metadata: domain.Metadata{
			Revision:       newRevision,
			Operation:      op,
			ReplayToSource: replayToSource,
			Processed:      false,
		},
		Payload: payload,
	}

	storeKey := domain.MakeKey(key, newRevision)
	if err := main.Put(storeKey, domain.EncodeRecord(entity)); err != nil {
		_ = txn.Rollback()
		p.release()
		return 0, err
	}
	if err := store.SetMaxRevision(txn, newRevision); err != nil {
		_ = txn.Rollback()
		p.release()
		return 0, err
	}
	if err := store.RecordRevision(txn, newRevision, key); err != nil {
		_ = txn.Rollback()
		p.release()
		return 0, err
	}

	metrics.RevisionsAssignedTotal.WithLabelValues(string(entityType)).Inc()
	metrics.ActivePipelineStates.WithLabelValues(string(entityType), "running").Inc()

	chain := p.preprocessorsFor(entityType, kind)
	state := newState(p, kind, storeKey, entity, txn, chain, priorPayload, priorFound)
	p.schedule(state)
	return state.wait()
}

// Dispatch routes a decoded wire command to the matching ingestion
// entry point. Unknown command types are dropped with an
// InvalidBuffer-kind error, logged at warning by the default handler.
func (p *Pipeline) Dispatch(cmd domain.Command) (uint64, error) {
	switch c := cmd.(type) {
	case domain.CreateEntity:
		return p.NewEntity(c.Type, c.ID, c.Delta, c.ReplayToSource)
	case domain.ModifyEntity:
		return p.ModifiedEntity(c.Type, c.ID, c.Delta, c.ReplayToSource)
	case domain.DeleteEntity:
		return p.DeletedEntity(c.Type, c.ID, c.ReplayToSource)
	default:
		err := &store.Error{Kind: store.KindInvalidBuffer, Store: string(cmd.EntityType())}
		store.DefaultErrorHandler()(err)
		return 0, err
	}
}

// latest returns the decoded latest payload and revision for key
// within main, if any.
func latest(main *store.Db, key domain.UID) ([]byte, uint64, bool) {
	var (
		payload  []byte
		revision uint64
		found    bool
	)
	main.FindLatest(domain.UIDPrefix(key), func(k, v []byte) bool {
		_, rev, err := domain.SplitKey(k)
		if err != nil {
			return false
		}
		_, p := domain.DecodeRecord(v)
		payload = p
		revision = rev
		found = true
		return false
	}, func(*store.Error) {})
	return payload, revision, found
}
