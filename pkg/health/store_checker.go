package health

import (
	"context"
	"time"

	"github.com/cuemby/pimengine/pkg/store"
)

// StoreChecker probes a Store by opening and immediately rolling back
// a read-only transaction. Failing to open a transaction marks the
// resource unhealthy; Corruption-kind errors seen by the store's
// default error handler are picked up by Monitor, not by StoreChecker.
type StoreChecker struct {
	st *store.Store
}

// NewStoreChecker builds a Checker bound to st.
func NewStoreChecker(st *store.Store) *StoreChecker {
	return &StoreChecker{st: st}
}

func (c *StoreChecker) Type() CheckType {
	return CheckTypeStore
}

// Check opens a read-only transaction against the store and rolls it
// back; failure to do so (e.g. the map file is corrupt) is reported as
// unhealthy. ctx is honored only insofar as the caller should not block
// indefinitely; bolt transactions themselves are not context-aware.
func (c *StoreChecker) Check(ctx context.Context) Result {
	start := time.Now()

	txn, err := c.st.Begin(store.ReadOnly)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   err.Error(),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	_ = txn.Rollback()

	return Result{
		Healthy:   true,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Monitor runs a StoreChecker on a ticker and exposes the current
// Status, additionally flipping unhealthy immediately when it observes
// a Corruption-kind store error via store.SetDefaultErrorHandler
// (spec.md §7). One Monitor per resource instance.
type Monitor struct {
	checker *StoreChecker
	config  Config
	status  *Status

	started bool
	stopCh  chan struct{}
}

// NewMonitor builds a Monitor over st and installs its error-handler
// hook. Call Start to begin the periodic check loop.
func NewMonitor(st *store.Store, config Config) *Monitor {
	m := &Monitor{
		checker: NewStoreChecker(st),
		config:  config,
		status:  NewStatus(),
		stopCh:  make(chan struct{}),
	}

	previous := store.DefaultErrorHandler()
	store.SetDefaultErrorHandler(func(e *store.Error) {
		if previous != nil {
			previous(e)
		}
		if e.Kind == store.KindCorruption {
			m.status.Update(Result{Healthy: false, Message: e.Error(), CheckedAt: time.Now()}, m.config)
		}
	})

	return m
}

// Status returns a copy of the current health status.
func (m *Monitor) Status() Status {
	return *m.status
}

// Start launches the periodic check loop.
func (m *Monitor) Start() {
	if m.started {
		return
	}
	m.started = true
	go m.run()
}

// Stop halts the check loop. A no-op if Start was never called.
func (m *Monitor) Stop() {
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
			result := m.checker.Check(ctx)
			cancel()
			m.status.Update(result, m.config)
		case <-m.stopCh:
			return
		}
	}
}
