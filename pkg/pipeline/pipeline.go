// Package pipeline implements the preprocessor pipeline (C5): it
// assigns revisions to inbound create/modify/delete commands, runs a
// per-entity-type chain of preprocessors against each revision inside
// a single write transaction, and emits revisionUpdated/
// pipelinesDrained notifications once that transaction commits.
//
// Grounded on common/pipeline.cpp in original_source/
// (Pipeline::newEntity/modifiedEntity/deletedEntity, PipelineState's
// created->running->idle->completed cursor, and the defensive
// "completion from a stale preprocessor is ignored" check), translated
// from Qt's single-threaded queued-signal scheduling onto one consumer
// goroutine draining a buffered channel — the same shape as the
// teacher's pkg/reconciler.Reconciler and pkg/events.Broker run loops.
package pipeline

import (
	"context"
	"sync"

	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/log"
	"github.com/cuemby/pimengine/pkg/metrics"
	"github.com/cuemby/pimengine/pkg/notify"
	"github.com/cuemby/pimengine/pkg/store"
	"github.com/rs/zerolog"
)

// Kind is one of the three pipeline chains spec.md §4.5 defines per
// entity-type.
type Kind int

const (
	NewPipeline Kind = iota
	ModifiedPipeline
	DeletedPipeline
)

func (k Kind) String() string {
	switch k {
	case NewPipeline:
		return "new"
	case ModifiedPipeline:
		return "modified"
	case DeletedPipeline:
		return "deleted"
	default:
		return "unknown"
	}
}

// Preprocessor observes an (operation, key, entity) triple within the
// pipeline's write transaction. It must not mutate entity.Payload. It
// signals completion exactly once via state.Completed(p); it may defer
// completion across asynchronous work by calling Completed from another
// goroutine, as long as it resumes on the pipeline's own stepper via
// that call (spec.md §4.5, §5 "Suspension points").
type Preprocessor interface {
	// Name identifies the preprocessor for logging and metrics.
	Name() string
	// Process runs the preprocessor's logic against entity within txn
	// and the active PipelineState. It must eventually call
	// state.Completed(p) (p being itself), synchronously or not.
	Process(txn *store.Txn, state *State, entity domain.Entity) error
}

// Pipeline drives one resource instance's ingestion: revision
// assignment, the write transaction, the preprocessor chain, and
// notification emission. One Pipeline per resource instance.
type Pipeline struct {
	st     *store.Store
	notify *notify.Broker
	logger zerolog.Logger

	mu    sync.Mutex
	chain map[chainKey][]Preprocessor

	work    chan *State
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool

	// pending counts commands accepted by an ingestion entry point that
	// have not yet finished (committed, aborted, or resolved as a
	// replay no-op). Drained fires when it transitions to zero, so a
	// command waiting on the single-writer lock still holds the
	// pipeline open and three concurrent Creates yield one drain, not
	// three.
	pending  int
	activeMu sync.Mutex
}

type chainKey struct {
	entityType domain.TypeTag
	kind       Kind
}

// New creates a Pipeline backed by st, publishing notifications on
// broker.
func New(st *store.Store, broker *notify.Broker) *Pipeline {
	return &Pipeline{
		st:     st,
		notify: broker,
		logger: log.WithComponent("pipeline"),
		chain:  make(map[chainKey][]Preprocessor),
		work:   make(chan *State, 64),
		stopCh: make(chan struct{}),
	}
}

// SetPreprocessors configures the ordered preprocessor chain for
// (entityType, kind). Must be called before Start; it is not
// goroutine-safe against concurrent ingestion.
func (p *Pipeline) SetPreprocessors(entityType domain.TypeTag, kind Kind, preprocessors []Preprocessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chain[chainKey{entityType, kind}] = preprocessors
}

// Start launches the single consumer goroutine that drives pipeline
// states through their preprocessor chains. Matches the teacher's
// Reconciler.Start/Stop shape.
func (p *Pipeline) Start() {
	if p.started {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.run()
}

// Stop halts the consumer goroutine. Ingestion calls made after Stop
// block forever waiting for a result no consumer will produce; callers
// must not ingest after stopping.
func (p *Pipeline) Stop() {
	if !p.started {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case state := <-p.work:
			p.advance(state)
		case <-p.stopCh:
			return
		}
	}
}

// advance runs exactly one step of state's cursor: either dispatching
// the next preprocessor, or (cursor exhausted) finalizing the state.
func (p *Pipeline) advance(state *State) {
	next, ok := state.nextPreprocessor()
	if !ok {
		p.finish(state)
		return
	}

	if err := next.Process(state.txn, state, state.entity); err != nil {
		p.logger.Error().
			Str("entity_type", string(state.entity.Type)).
			Str("preprocessor", next.Name()).
			Err(err).
			Msg("preprocessor failed")
		metrics.PreprocessorFailuresTotal.WithLabelValues(string(state.entity.Type), next.Name()).Inc()
		state.fail(err)
		p.finish(state)
	}
}

// finish commits or aborts state's write transaction and emits
// notifications per the notification contract: revisionUpdated after
// the commit, pipelinesDrained when the last pending command resolves.
func (p *Pipeline) finish(state *State) {
	metrics.ActivePipelineStates.WithLabelValues(string(state.entity.Type), "running").Dec()

	if state.failure != nil {
		_ = state.txn.Rollback()
		p.release()
		state.done(0, &store.Error{Kind: store.KindPreprocessorFailed, Store: string(state.entity.Type), Cause: state.failure})
		return
	}

	if err := state.txn.Commit(); err != nil {
		p.release()
		state.done(0, err)
		return
	}

	p.notify.PublishRevisionUpdated(state.entity.Metadata.Revision)
	p.release()
	state.done(state.entity.Metadata.Revision, nil)
}

// acquire marks one inbound command as pending. Ingestion entry points
// call it before taking the writer lock, so commands queued behind the
// single writer keep the pipeline un-drained.
func (p *Pipeline) acquire() {
	p.activeMu.Lock()
	p.pending++
	p.activeMu.Unlock()
}

// release resolves one pending command, firing pipelinesDrained on the
// transition to zero.
func (p *Pipeline) release() {
	p.activeMu.Lock()
	p.pending--
	drained := p.pending == 0
	p.activeMu.Unlock()

	if drained {
		metrics.PipelinesDrainedTotal.Inc()
		p.notify.PublishPipelinesDrained()
	}
}

// Idle reports whether no commands are pending anywhere in the
// pipeline.
func (p *Pipeline) Idle() bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return p.pending == 0
}

// schedule enqueues state for its first step, once the entity record
// and maxRevision update are staged in the open write transaction.
func (p *Pipeline) schedule(state *State) {
	select {
	case p.work <- state:
	case <-p.stopCh:
	}
}

// WaitDrained blocks until no commands are pending, or ctx is done.
// Backs the query executor's processAll mode: a query that wants to
// observe every already-submitted command waits for the drain signal
// before opening its read snapshot.
func (p *Pipeline) WaitDrained(ctx context.Context) error {
	if p.Idle() {
		return nil
	}

	sub := p.notify.Subscribe()
	defer p.notify.Unsubscribe(sub)

	// Re-check after subscribing: the drain may have fired in between.
	if p.Idle() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-sub:
			if !ok {
				return nil
			}
			if sig.Kind == notify.PipelinesDrained && p.Idle() {
				return nil
			}
		}
	}
}

// preprocessorsFor returns the configured chain for (entityType, kind),
// or nil if none was registered (an empty chain completes immediately).
func (p *Pipeline) preprocessorsFor(entityType domain.TypeTag, kind Kind) []Preprocessor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chain[chainKey{entityType, kind}]
}
