package query

import (
	"context"

	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/metrics"
	"github.com/cuemby/pimengine/pkg/notify"
	"github.com/cuemby/pimengine/pkg/store"
)

// Subscription is a live query's handle: Changes delivers
// Added/Modified/Removed events in revision order; Cancel unregisters
// the subscriber (spec.md §5 "Cancellation and timeouts": "the
// executor unregisters the subscriber before returning").
type Subscription struct {
	Changes <-chan domain.Change

	sub    notify.Subscriber
	broker *notify.Broker
	cancel context.CancelFunc
}

// Cancel stops the subscription and releases its resources. Safe to
// call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
	s.broker.Unsubscribe(s.sub)
}

// Subscribe starts a live query (spec.md §4.6 phase 5): it runs the
// initial snapshot via Run, then follows every subsequent
// revisionUpdated notification, replaying (lastSeen, maxRevision] via
// the revision log and emitting Added/Modified/Removed per revision
// whose entity matches q. lastSeen advances monotonically (property 5,
// "Live query completeness").
func (e *Executor) Subscribe(ctx context.Context, q domain.Query) (*Result, *Subscription, error) {
	// Register with the broker before taking the snapshot: a revision
	// committed between the snapshot closing and the subscription
	// starting then queues a signal in the subscriber buffer, and the
	// first replay pass picks it up instead of losing it.
	sub := e.broker.Subscribe()

	result, err := e.Run(ctx, q)
	if err != nil {
		e.broker.Unsubscribe(sub)
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	changes := make(chan domain.Change, 32)

	matched := make(map[string]bool, len(result.Rows))
	for _, row := range result.Rows {
		matched[row.Entity.UID.String()] = true
	}

	metrics.QueriesActive.Inc()

	go e.followLive(runCtx, sub, q, result.Revision, matched, changes)

	return result, &Subscription{
		Changes: changes,
		sub:     sub,
		broker:  e.broker,
		cancel:  cancel,
	}, nil
}

func (e *Executor) followLive(ctx context.Context, sub notify.Subscriber, q domain.Query, lastSeen uint64, matched map[string]bool, changes chan<- domain.Change) {
	defer close(changes)
	defer metrics.QueriesActive.Dec()

	desc := e.types[q.EntityType]

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sub:
			if !ok {
				return
			}
			if sig.Kind != notify.RevisionUpdated {
				continue
			}
			newLastSeen, err := e.replaySince(ctx, desc, q, lastSeen, matched, changes)
			if err != nil {
				e.logger.Warn().Err(err).Str("entity_type", string(q.EntityType)).Msg("live query replay failed")
				continue
			}
			lastSeen = newLastSeen
		}
	}
}

// replaySince reads revisions in (lastSeen, maxRevision] and, for each,
// decides whether it's an Added/Modified/Removed event for this
// subscriber's result set (spec.md §4.6 phase 5).
func (e *Executor) replaySince(ctx context.Context, desc TypeDescriptor, q domain.Query, lastSeen uint64, matched map[string]bool, changes chan<- domain.Change) (uint64, error) {
	txn, err := e.st.Begin(store.ReadOnly)
	if err != nil {
		return lastSeen, err
	}
	defer txn.Rollback()

	maxRev, err := store.MaxRevision(txn)
	if err != nil {
		return lastSeen, err
	}
	if maxRev <= lastSeen {
		return lastSeen, nil
	}

	main, err := txn.Database(mainDatabase(q.EntityType), store.DatabaseOptions{})
	if err != nil {
		if se, ok := err.(*store.Error); ok && se.Kind == store.KindNotFound {
			return maxRev, nil
		}
		return lastSeen, err
	}

	newLastSeen := lastSeen
	err = store.ReplayRange(txn, lastSeen, maxRev, func(revision uint64, uid domain.UID) error {
		newLastSeen = revision

		entity, found := readRevision(main, uid, revision, q.EntityType)
		if !found {
			return nil
		}

		key := uid.String()
		wasMatched := matched[key]
		nowMatches := !entity.Tombstoned() && matchesResidualFilter(desc, entity.Payload, q.PropertyFilter)

		switch {
		case nowMatches && wasMatched:
			deliver(ctx, changes, domain.Change{Kind: domain.Modified, Revision: revision, Entity: entity})
		case nowMatches && !wasMatched:
			matched[key] = true
			deliver(ctx, changes, domain.Change{Kind: domain.Added, Revision: revision, Entity: entity})
		case !nowMatches && wasMatched:
			delete(matched, key)
			deliver(ctx, changes, domain.Change{Kind: domain.Removed, Revision: revision, Entity: entity})
		}
		return nil
	})

	return newLastSeen, err
}

func readRevision(main *store.Db, uid domain.UID, revision uint64, entityType domain.TypeTag) (domain.Entity, bool) {
	value, err := main.Get(domain.MakeKey(uid, revision))
	if err != nil {
		return domain.Entity{}, false
	}
	md, payload := domain.DecodeRecord(value)
	md.Revision = revision
	return domain.Entity{UID: uid, Type: entityType, Metadata: md, Payload: payload}, true
}

func deliver(ctx context.Context, changes chan<- domain.Change, change domain.Change) {
	select {
	case changes <- change:
	case <-ctx.Done():
	}
}
