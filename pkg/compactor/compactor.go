// Package compactor implements the retention-horizon pruning pass
// spec.md §3 names but leaves unspecified ("Records remain on disk
// after tombstoning until a compaction pass (not specified here) prunes
// revisions older than some retention horizon"). Adapted from the
// teacher's pkg/reconciler.Reconciler: same Start/Stop/stopCh/ticker
// run() loop and metrics.NewTimer() use, with the node/container
// reconciliation body replaced by revision pruning.
package compactor

import (
	"time"

	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/log"
	"github.com/cuemby/pimengine/pkg/metrics"
	"github.com/cuemby/pimengine/pkg/store"
	"github.com/rs/zerolog"
)

// Compactor periodically prunes superseded and tombstoned revisions
// past a configured retention horizon.
type Compactor struct {
	st                 *store.Store
	entityTypes        []domain.TypeTag
	retentionRevisions int
	interval           time.Duration

	logger zerolog.Logger
	stopCh chan struct{}
}

// Config configures a Compactor.
type Config struct {
	EntityTypes        []domain.TypeTag
	RetentionRevisions int
	Interval           time.Duration
}

// New builds a Compactor over st.
func New(st *store.Store, cfg Config) *Compactor {
	return &Compactor{
		st:                 st,
		entityTypes:        cfg.EntityTypes,
		retentionRevisions: cfg.RetentionRevisions,
		interval:           cfg.Interval,
		logger:             log.WithComponent("compactor"),
		stopCh:             make(chan struct{}),
	}
}

// Start begins the periodic compaction loop.
func (c *Compactor) Start() {
	go c.run()
}

// Stop halts the compaction loop.
func (c *Compactor) Stop() {
	close(c.stopCh)
}

func (c *Compactor) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info().Msg("compactor started")

	for {
		select {
		case <-ticker.C:
			if _, err := c.RunOnce(); err != nil {
				c.logger.Error().Err(err).Msg("compaction pass failed")
			}
		case <-c.stopCh:
			c.logger.Info().Msg("compactor stopped")
			return
		}
	}
}

// RunOnce performs a single compaction pass across every configured
// entity type and returns the number of revisions pruned. Usable both
// from the background loop and from cmd/pim-compact as an offline
// tool.
func (c *Compactor) RunOnce() (int, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.CompactionDuration)
		metrics.CompactionCyclesTotal.Inc()
	}()

	total := 0
	for _, entityType := range c.entityTypes {
		pruned, err := c.compactType(entityType)
		if err != nil {
			return total, err
		}
		total += pruned
	}

	metrics.RevisionsPrunedTotal.Add(float64(total))
	return total, nil
}

// compactType walks every UID's revision run in `<type>.main` and
// deletes all but the latest RetentionRevisions revisions, plus every
// revision of a UID whose latest revision is a tombstone, whatever its
// age (spec.md §3 "Lifecycle": records remain until a compaction pass
// prunes them).
func (c *Compactor) compactType(entityType domain.TypeTag) (int, error) {
	txn, err := c.st.Begin(store.ReadWrite)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	db, err := txn.Database(string(entityType)+".main", store.DatabaseOptions{})
	if err != nil {
		if e, ok := err.(*store.Error); ok && e.Kind == store.KindNotFound {
			return 0, nil
		}
		return 0, err
	}

	runs := groupByUID(db)
	pruned := 0

	for _, run := range runs {
		toDelete := c.revisionsToDelete(run)
		for _, key := range toDelete {
			if err := db.Remove(key); err != nil {
				return pruned, err
			}
			pruned++
		}
	}

	if pruned > 0 {
		if err := txn.Commit(); err != nil {
			return 0, err
		}
	}

	return pruned, nil
}

// DryRun reports how many revisions a real compaction pass would prune
// across every configured entity type, without deleting anything.
// Backs cmd/pim-compact's --dry-run flag.
func (c *Compactor) DryRun() (int, error) {
	total := 0
	for _, entityType := range c.entityTypes {
		n, err := c.previewType(entityType)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *Compactor) previewType(entityType domain.TypeTag) (int, error) {
	txn, err := c.st.Begin(store.ReadOnly)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	db, err := txn.Database(string(entityType)+".main", store.DatabaseOptions{})
	if err != nil {
		if e, ok := err.(*store.Error); ok && e.Kind == store.KindNotFound {
			return 0, nil
		}
		return 0, err
	}

	total := 0
	for _, run := range groupByUID(db) {
		total += len(c.revisionsToDelete(run))
	}
	return total, nil
}

type revisionKey struct {
	key        []byte
	tombstoned bool
}

// groupByUID scans db (already ordered UID-then-revision by MakeKey)
// and buckets keys per UID in ascending revision order.
func groupByUID(db *store.Db) [][]revisionKey {
	var runs [][]revisionKey
	var currentUID domain.UID
	var current []revisionKey

	db.Scan(nil, func(k, v []byte) bool {
		uid, _, err := domain.SplitKey(k)
		if err != nil {
			return true
		}
		_, payload := domain.DecodeRecord(v)
		tombstoned := len(payload) == 0 && isTombstoneValue(v)

		if currentUID == nil || !uid.Equal(currentUID) {
			if current != nil {
				runs = append(runs, current)
			}
			currentUID = uid
			current = nil
		}
		keyCopy := append([]byte(nil), k...)
		current = append(current, revisionKey{key: keyCopy, tombstoned: tombstoned})
		return true
	}, nil)

	if current != nil {
		runs = append(runs, current)
	}
	return runs
}

// isTombstoneValue reports whether the stored record's operation byte
// marks a Removal (domain.EncodeRecord lays Operation at byte 0).
func isTombstoneValue(v []byte) bool {
	return len(v) > 0 && domain.Operation(v[0]) == domain.Removal
}

// revisionsToDelete keeps the latest retentionRevisions entries of run
// and marks everything older for deletion; if the latest entry is
// itself a tombstone, the entire run is eligible.
func (c *Compactor) revisionsToDelete(run []revisionKey) [][]byte {
	if len(run) == 0 {
		return nil
	}

	latest := run[len(run)-1]
	if latest.tombstoned {
		out := make([][]byte, len(run))
		for i, rk := range run {
			out[i] = rk.key
		}
		return out
	}

	keep := c.retentionRevisions
	if keep <= 0 {
		keep = 1
	}
	if len(run) <= keep {
		return nil
	}

	cut := len(run) - keep
	out := make([][]byte, cut)
	for i := 0; i < cut; i++ {
		out[i] = run[i].key
	}
	return out
}
