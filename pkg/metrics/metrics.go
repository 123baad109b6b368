package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RevisionsAssignedTotal counts entity revisions assigned by the
	// revision log, by entity type.
	RevisionsAssignedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pim_revisions_assigned_total",
			Help: "Total number of revisions assigned to entities",
		},
		[]string{"entity_type"},
	)

	// ActivePipelineStates reports, per entity-type pipeline, how many
	// pipelines currently sit in each PipelineState.
	ActivePipelineStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pim_pipeline_active_states",
			Help: "Number of pipelines currently in each state",
		},
		[]string{"entity_type", "state"},
	)

	// PipelinesDrainedTotal counts pipelinesDrained notifications fired.
	PipelinesDrainedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pim_pipelines_drained_total",
			Help: "Total number of times all pipelines reached idle",
		},
	)

	// PreprocessorFailuresTotal counts preprocessor failures by
	// entity-type and preprocessor name.
	PreprocessorFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pim_preprocessor_failures_total",
			Help: "Total number of preprocessor failures",
		},
		[]string{"entity_type", "preprocessor"},
	)

	// IndexLookupsTotal counts secondary index lookups by index name.
	IndexLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pim_index_lookups_total",
			Help: "Total number of secondary index lookups",
		},
		[]string{"index"},
	)

	// QueryDuration tracks end-to-end query execution latency.
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pim_query_duration_seconds",
			Help:    "Duration of query execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entity_type"},
	)

	// QueriesActive reports the number of currently running live queries.
	QueriesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pim_queries_active",
			Help: "Number of currently active live queries",
		},
	)

	// CompactionDuration tracks the duration of a compaction pass.
	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pim_compaction_duration_seconds",
			Help:    "Duration of a compaction pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CompactionCyclesTotal counts completed compaction passes.
	CompactionCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pim_compaction_cycles_total",
			Help: "Total number of compaction passes completed",
		},
	)

	// RevisionsPrunedTotal counts superseded revisions removed by compaction.
	RevisionsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pim_revisions_pruned_total",
			Help: "Total number of superseded revisions removed by compaction",
		},
	)

	// StoreErrorsTotal counts store-level errors by kind.
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pim_store_errors_total",
			Help: "Total number of store errors by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(RevisionsAssignedTotal)
	prometheus.MustRegister(ActivePipelineStates)
	prometheus.MustRegister(PipelinesDrainedTotal)
	prometheus.MustRegister(PreprocessorFailuresTotal)
	prometheus.MustRegister(IndexLookupsTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueriesActive)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(CompactionCyclesTotal)
	prometheus.MustRegister(RevisionsPrunedTotal)
	prometheus.MustRegister(StoreErrorsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
