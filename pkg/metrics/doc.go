/*
Package metrics provides Prometheus metrics collection and exposition for
the resource process.

The metrics package defines and registers every metric using the
Prometheus client library, giving observability into revision assignment,
pipeline processing, index lookups, query latency, and compaction.
Metrics are exposed via HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Store: revisions assigned, store errors    │          │
	│  │  Pipeline: active states, drains, failures  │          │
	│  │  Index: lookups                             │          │
	│  │  Query: duration, active live queries       │          │
	│  │  Compaction: duration, cycles, pruned       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

pim_revisions_assigned_total{entity_type}:
  - Type: Counter
  - Description: Revisions assigned to entities by the revision log

pim_pipeline_active_states{entity_type, state}:
  - Type: Gauge
  - Description: Pipelines currently in each PipelineState

pim_pipelines_drained_total:
  - Type: Counter
  - Description: Times all pipelines reached idle (pipelinesDrained fired)

pim_preprocessor_failures_total{entity_type, preprocessor}:
  - Type: Counter
  - Description: Preprocessor chain failures

pim_index_lookups_total{index}:
  - Type: Counter
  - Description: Secondary index lookups by index name

pim_query_duration_seconds{entity_type}:
  - Type: Histogram
  - Description: End-to-end query execution duration

pim_queries_active:
  - Type: Gauge
  - Description: Currently running live queries

pim_compaction_duration_seconds, pim_compaction_cycles_total,
pim_revisions_pruned_total:
  - Type: Histogram / Counter / Counter
  - Description: Compaction pass duration, cycle count, revisions removed

pim_store_errors_total{kind}:
  - Type: Counter
  - Description: Store errors by error.Kind

# Timer Helper

Timer is a small start/observe wrapper used by the query executor and compactor
the same way: NewTimer() at the start of an operation, then
timer.ObserveDuration(histogram) (or ObserveDurationVec with labels) in a
deferred call once the operation completes.

# Exposition

Handler() returns the promhttp scrape handler; pimctl mounts it when
asked to serve metrics alongside a long-running live query. Degraded-
state tracking is pkg/health's job, not this package's.
*/
package metrics
