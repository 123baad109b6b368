package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	d := timer.Duration()
	assert.GreaterOrEqual(t, d, 10*time.Millisecond)
	assert.Less(t, d, time.Second)
}

func TestTimerObserveDuration(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_compaction_seconds",
		Help:    "test histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(hist)

	var m dto.Metric
	require.NoError(t, hist.Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
	assert.Greater(t, m.GetHistogram().GetSampleSum(), 0.0)
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_query_seconds",
		Help:    "test histogram vec",
		Buckets: prometheus.DefBuckets,
	}, []string{"entity_type"})

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "mail")

	var m dto.Metric
	obs, err := vec.GetMetricWithLabelValues("mail")
	require.NoError(t, err)
	require.NoError(t, obs.(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}

func TestDomainMetricsRegistered(t *testing.T) {
	// Every metric the pipeline, query executor, and compactor write to
	// must be resolvable with its expected label arity; a mismatched
	// WithLabelValues call panics at runtime, so exercise each here.
	assert.NotPanics(t, func() {
		RevisionsAssignedTotal.WithLabelValues("mail").Add(0)
		ActivePipelineStates.WithLabelValues("mail", "running").Set(0)
		PreprocessorFailuresTotal.WithLabelValues("mail", "index-updater:mail").Add(0)
		IndexLookupsTotal.WithLabelValues("mail.index.uid").Add(0)
		QueryDuration.WithLabelValues("mail").Observe(0)
		StoreErrorsTotal.WithLabelValues("NotFound").Add(0)
		PipelinesDrainedTotal.Add(0)
		QueriesActive.Set(0)
		CompactionDuration.Observe(0)
		CompactionCyclesTotal.Add(0)
		RevisionsPrunedTotal.Add(0)
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	assert.NotNil(t, Handler())
}
