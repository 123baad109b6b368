// Package query implements the Query Executor (C6): it resolves a
// domain.Query against the Index Manager and the Entity Store, then
// optionally stays subscribed to revisionUpdated for a live result
// stream (spec.md §4.6). Grounded on tests/querytest.cpp in
// original_source/ for the literal single/folder/folder-tree scenarios
// (S1-S3 in spec.md §8) and on the teacher's pkg/scheduler predicate-
// filter composition style for the residual-filter phase.
package query

import (
	"context"
	"slices"

	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/index"
	"github.com/cuemby/pimengine/pkg/log"
	"github.com/cuemby/pimengine/pkg/metrics"
	"github.com/cuemby/pimengine/pkg/notify"
	"github.com/cuemby/pimengine/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentLookups bounds how many findLatest calls a single query
// issues concurrently during residual filtering (spec.md §5: query
// suspension points should not spawn unbounded goroutines).
const maxConcurrentLookups = 8

// TypeDescriptor tells the executor how to read a registered
// entity-type's payload for residual filtering and parent grouping: the
// property accessor a resource plug-in's codec exposes. The core never
// depends on a concrete codec (spec.md §6); this is the minimal seam a
// plug-in fills in.
type TypeDescriptor struct {
	EntityType domain.TypeTag
	// Property reads a named property out of a decoded payload. Used
	// for residual (unindexed) filter properties and parent grouping.
	// ok=false means the property is absent.
	Property func(payload []byte, name string) (value string, ok bool)
	// Indexed names the properties this type maintains a secondary
	// index for (the IndexDefinition list registered with pkg/index).
	Indexed map[string]bool
}

// Row is one result entity, already passed the residual filter.
type Row struct {
	Entity domain.Entity
}

// Result is a completed non-live query's row set plus, if
// ParentProperty was set, each row's children keyed by parent UID hex
// (spec.md §4.6 phase 3 "parent grouping").
type Result struct {
	Rows     []Row
	Revision uint64
	children map[string][]Row
}

// FetchMore returns the children of parentUID. The children were
// grouped by Run from the same snapshot as the root rows; FetchMore
// does not run a second query. Returns nil if ParentProperty wasn't set
// or parentUID has no children.
func (r *Result) FetchMore(parentUID domain.UID) []Row {
	if r.children == nil {
		return nil
	}
	return r.children[parentUID.String()]
}

// Executor runs queries against one resource instance's store, index
// manager, and notification broker.
type Executor struct {
	st     *store.Store
	broker *notify.Broker
	types  map[domain.TypeTag]TypeDescriptor
	sem    *semaphore.Weighted
	logger zerolog.Logger

	waitDrained func(ctx context.Context) error
	syncer      func(ctx context.Context, q domain.Query) error
}

// NewExecutor builds an Executor over st, publishing/consuming live
// notifications on broker.
func NewExecutor(st *store.Store, broker *notify.Broker) *Executor {
	return &Executor{
		st:     st,
		broker: broker,
		types:  make(map[domain.TypeTag]TypeDescriptor),
		sem:    semaphore.NewWeighted(maxConcurrentLookups),
		logger: log.WithComponent("query"),
	}
}

// RegisterType associates a TypeDescriptor with an entity type so
// queries against it can filter and group.
func (e *Executor) RegisterType(desc TypeDescriptor) {
	e.types[desc.EntityType] = desc
}

// SetDrainWaiter installs the hook processAll queries block on before
// opening their read snapshot, normally pipeline.WaitDrained (wired by
// pkg/resource).
func (e *Executor) SetDrainWaiter(wait func(ctx context.Context) error) {
	e.waitDrained = wait
}

// SetSyncer installs the hook a syncOnDemand query invokes before
// executing. Synchronizers live outside the core; without one
// installed, syncOnDemand is a no-op.
func (e *Executor) SetSyncer(sync func(ctx context.Context, q domain.Query) error) {
	e.syncer = sync
}

// Run executes q and returns the snapshot result (spec.md §4.6 phases
// 1-4; phase 5 "live mode" is handled by Subscribe, not Run). Non-live
// queries reflect exactly the transactional snapshot observed when the
// read transaction opened (property 4, "Query snapshot isolation").
func (e *Executor) Run(ctx context.Context, q domain.Query) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, string(q.EntityType))

	if q.SyncOnDemand && e.syncer != nil {
		if err := e.syncer(ctx, q); err != nil {
			return nil, err
		}
	}
	if q.ProcessAll && e.waitDrained != nil {
		if err := e.waitDrained(ctx); err != nil {
			return nil, err
		}
	}

	txn, err := e.st.Begin(store.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	desc, ok := e.types[q.EntityType]
	if !ok {
		desc = TypeDescriptor{EntityType: q.EntityType}
	}

	candidates, err := e.selectCandidates(txn, desc, q)
	if err != nil {
		return nil, err
	}

	rows, snapshot, err := e.residualFilter(ctx, txn, desc, q, candidates)
	if err != nil {
		return nil, err
	}

	result := &Result{Rows: rows, Revision: snapshot}
	if q.HasParentProperty() {
		e.groupByParent(desc, q, result)
	}

	return result, nil
}

// selectCandidates implements phase 1: for each filter property with a
// matching index, lookup(term) narrows the candidate set; if no filter
// property is indexed, the candidate set is every UID via a main scan.
func (e *Executor) selectCandidates(txn *store.Txn, desc TypeDescriptor, q domain.Query) ([]domain.UID, error) {
	var candidates []domain.UID
	usedIndex := false
	for prop, value := range q.PropertyFilter {
		if desc.Indexed == nil || !desc.Indexed[prop] {
			continue
		}
		idx, err := index.Open(txn, q.EntityType, prop)
		if err != nil {
			if se, ok := err.(*store.Error); ok && se.Kind == store.KindNotFound {
				return nil, nil
			}
			return nil, err
		}
		metrics.IndexLookupsTotal.WithLabelValues(index.DatabaseName(q.EntityType, prop)).Inc()
		uids := idx.LookupAll([]byte(value))
		if usedIndex {
			uids = slices.DeleteFunc(candidates, func(u domain.UID) bool { return !slices.ContainsFunc(uids, u.Equal) })
		}
		candidates, usedIndex = uids, true
	}
	if usedIndex {
		return candidates, nil
	}

	return e.scanAllUIDs(txn, q.EntityType)
}

// scanAllUIDs walks `<type>.main` and returns the distinct set of UIDs
// present, used when no filter property has a matching index.
func (e *Executor) scanAllUIDs(txn *store.Txn, entityType domain.TypeTag) ([]domain.UID, error) {
	db, err := txn.Database(mainDatabase(entityType), store.DatabaseOptions{})
	if err != nil {
		if se, ok := err.(*store.Error); ok && se.Kind == store.KindNotFound {
			return nil, nil
		}
		return nil, err
	}

	seen := make(map[string]bool)
	var uids []domain.UID
	db.Scan(nil, func(k, _ []byte) bool {
		uid, _, err := domain.SplitKey(k)
		if err != nil {
			return true
		}
		key := uid.String()
		if seen[key] {
			return true
		}
		seen[key] = true
		uids = append(uids, uid)
		return true
	}, nil)

	return uids, nil
}

// residualFilter implements phase 2: for each candidate, findLatest
// reads the current record; tombstoned entities are dropped, and
// residual (unindexed) filter properties are evaluated in-process.
// Bounded concurrency (golang.org/x/sync/{errgroup,semaphore}) caps how
// many findLatest calls run at once, per spec.md §5's design note.
func (e *Executor) residualFilter(ctx context.Context, txn *store.Txn, desc TypeDescriptor, q domain.Query, candidates []domain.UID) ([]Row, uint64, error) {
	db, err := txn.Database(mainDatabase(q.EntityType), store.DatabaseOptions{})
	if err != nil {
		if se, ok := err.(*store.Error); ok && se.Kind == store.KindNotFound {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	snapshot, err := store.MaxRevision(txn)
	if err != nil {
		return nil, 0, err
	}

	rows := make([]*Row, len(candidates))
	g, gctx := errgroup.WithContext(ctx)

	for i, uid := range candidates {
		i, uid := i, uid
		if err := e.sem.Acquire(gctx, 1); err != nil {
			return nil, 0, err
		}
		g.Go(func() error {
			defer e.sem.Release(1)

			var entity domain.Entity
			var found bool
			db.FindLatest(domain.UIDPrefix(uid), func(k, v []byte) bool {
				_, rev, err := domain.SplitKey(k)
				if err != nil {
					return false
				}
				md, payload := domain.DecodeRecord(v)
				md.Revision = rev
				entity = domain.Entity{UID: uid, Type: q.EntityType, Metadata: md, Payload: payload}
				found = true
				return false
			}, func(*store.Error) {})

			if !found || entity.Tombstoned() {
				return nil
			}
			if !matchesResidualFilter(desc, entity.Payload, q.PropertyFilter) {
				return nil
			}
			rows[i] = &Row{Entity: entity}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, snapshot, nil
}

// matchesResidualFilter evaluates every filter property not already
// satisfied by an index lookup (spec.md §4.6 phase 2).
func matchesResidualFilter(desc TypeDescriptor, payload []byte, filter map[string]string) bool {
	if desc.Property == nil {
		return len(filter) == 0
	}
	for prop, want := range filter {
		if desc.Indexed != nil && desc.Indexed[prop] {
			continue // already satisfied by the index lookup that built the candidate set
		}
		got, ok := desc.Property(payload, prop)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// groupByParent implements phase 3: root rows are entities whose
// parent property is empty; every other row becomes a child of its
// parent's UID, fetched later via Result.FetchMore.
func (e *Executor) groupByParent(desc TypeDescriptor, q domain.Query, result *Result) {
	if desc.Property == nil {
		return
	}

	children := make(map[string][]Row)
	var roots []Row

	for _, row := range result.Rows {
		parent, ok := desc.Property(row.Entity.Payload, q.ParentProperty)
		if !ok || parent == "" {
			roots = append(roots, row)
			continue
		}
		children[parent] = append(children[parent], row)
	}

	result.Rows = roots
	result.children = children
}

func mainDatabase(entityType domain.TypeTag) string {
	return string(entityType) + ".main"
}
