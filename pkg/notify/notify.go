// Package notify implements the two notification signals that cross a
// resource instance's boundary: revisionUpdated and pipelinesDrained
// (spec.md §6). Transport beyond this in-process broker is out of
// scope; it exists so the query executor's live mode (pkg/query) can
// subscribe independently of the pipeline (pkg/pipeline) that emits.
package notify

import "sync"

// Kind distinguishes the two signal types a subscriber can receive.
type Kind int

const (
	// RevisionUpdated carries the revision just committed.
	RevisionUpdated Kind = iota
	// PipelinesDrained carries no payload; Revision is unused.
	PipelinesDrained
)

// Signal is a single notification delivered to a subscriber.
type Signal struct {
	Kind     Kind
	Revision uint64
}

// Subscriber is a channel that receives signals. Buffered so a slow
// subscriber doesn't block the broadcaster; a full buffer drops the
// signal for that subscriber rather than blocking (best-effort
// delivery, matching spec.md §5's "at-most-once delivery per event,
// subscribers pull current state on receipt").
type Subscriber chan Signal

const subscriberBuffer = 32

// Broker fans out revisionUpdated/pipelinesDrained signals to every
// currently registered subscriber. One broker per resource instance.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[Subscriber]bool)}
}

// Subscribe registers a new subscriber and returns its channel. The
// caller must eventually call Unsubscribe to release it.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe deregisters sub and closes its channel. Safe to call
// concurrently with Publish; a client canceling a live query calls
// this before returning (spec.md §5, "Cancellation and timeouts").
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// PublishRevisionUpdated notifies every subscriber that revision has
// committed. Must be called only after the writing transaction commits
// (spec.md §4.5 "Notification contract").
func (b *Broker) PublishRevisionUpdated(revision uint64) {
	b.broadcast(Signal{Kind: RevisionUpdated, Revision: revision})
}

// PublishPipelinesDrained notifies every subscriber that the active
// pipeline-state set became empty.
func (b *Broker) PublishPipelinesDrained() {
	b.broadcast(Signal{Kind: PipelinesDrained})
}

func (b *Broker) broadcast(sig Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- sig:
		default:
			// Subscriber buffer full; drop for this subscriber. It
			// will resynchronize by reading maxRevision on its next
			// received signal.
		}
	}
}

// SubscriberCount reports the number of currently registered
// subscribers, mostly useful for tests and metrics.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
