package pipeline

import (
	"sync"

	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/store"
)

// State is the per-command cursor through a preprocessor chain
// (spec.md §9 "PipelineState"). Transitions: created -> running (on
// schedule) -> idle (on Completed) -> running (on next step) -> ... ->
// completed (cursor exhausted). A preprocessor receives a borrowed
// *State through which it reaches back into the pipeline to signal
// completion, avoiding the cyclic back-pointer the source carries
// between PipelineState and Pipeline (spec.md §9 "Cyclic ownership").
type State struct {
	pipeline *Pipeline
	kind     Kind
	key      []byte
	entity   domain.Entity
	txn      *store.Txn

	priorPayload []byte
	priorFound   bool

	chain  []Preprocessor
	cursor int

	mu      sync.Mutex
	current Preprocessor
	failure error

	resultCh chan ingestResult
}

type ingestResult struct {
	revision uint64
	err      error
}

func newState(pl *Pipeline, kind Kind, key []byte, entity domain.Entity, txn *store.Txn, chain []Preprocessor, priorPayload []byte, priorFound bool) *State {
	return &State{
		pipeline:     pl,
		kind:         kind,
		key:          key,
		entity:       entity,
		txn:          txn,
		chain:        chain,
		priorPayload: priorPayload,
		priorFound:   priorFound,
		resultCh:     make(chan ingestResult, 1),
	}
}

// nextPreprocessor advances the cursor and returns the preprocessor to
// dispatch next, marking it the "current" one for the defensive
// Completed check. Returns ok=false once the chain is exhausted.
func (s *State) nextPreprocessor() (Preprocessor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor >= len(s.chain) {
		return nil, false
	}
	p := s.chain[s.cursor]
	s.cursor++
	s.current = p
	return p, true
}

// Completed signals that preprocessor p finished its work on this
// state. Completions from a preprocessor that isn't the one currently
// dispatched are ignored (spec.md §4.5's defensive check, matching
// PipelineState::processingCompleted comparing against
// filterIt.peekPrevious() in the original source). Multiple completions
// from the same preprocessor within one turn coalesce: only the first
// reschedules.
func (s *State) Completed(p Preprocessor) {
	s.mu.Lock()
	if s.current == nil || p != s.current {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.mu.Unlock()

	s.pipeline.schedule(s)
}

// fail records a terminal preprocessor error; the pipeline's finish
// step aborts the write transaction instead of committing it.
func (s *State) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
}

// Txn exposes the pipeline's open write transaction, scoped to this
// ingestion, so a preprocessor can read prior state (FindLatest) or
// write to indexes/mappings transactionally with the revision write.
func (s *State) Txn() *store.Txn {
	return s.txn
}

// Entity returns the entity revision this state is processing.
func (s *State) Entity() domain.Entity {
	return s.entity
}

// Key returns the physical store key (UID+revision) this state wrote.
func (s *State) Key() []byte {
	return s.key
}

// PriorPayload returns the payload of the revision that was latest
// before this state's revision was written, and whether one existed.
// The entity record itself is already written to `main` by the time
// preprocessors run (matching Pipeline::newEntity in the original
// source, which writes before scheduling the state), so preprocessors
// that need to diff against "the previous state" use this rather than
// re-reading FindLatest, which would just return the new revision.
func (s *State) PriorPayload() ([]byte, bool) {
	return s.priorPayload, s.priorFound
}

func (s *State) done(revision uint64, err error) {
	s.resultCh <- ingestResult{revision: revision, err: err}
}

func (s *State) wait() (uint64, error) {
	res := <-s.resultCh
	return res.revision, res.err
}
