/*
Package log provides structured logging for the resource process using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("pipeline")                │          │
	│  │  - WithInstanceID("mail.instance1")          │          │
	│  │  - WithEntityType("mail")                    │          │
	│  │  - WithUID("9f2c...")                        │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

Initializing the Logger:

	import "github.com/cuemby/pimengine/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("store opened")
	log.Debug("checking revision log for gaps")
	log.Warn("preprocessor chain retried")
	log.Error("failed to open instance database")
	log.Fatal("cannot start without a writable storage root") // exits process

Component Loggers:

	pipelineLog := log.WithComponent("pipeline")
	pipelineLog.Info().Str("entity_type", "mail").Msg("pipeline started")

	entityLog := log.WithInstanceID("mail.instance1").
		With().Str("entity_type", "mail").
		Str("uid", uid.String()).Logger()
	entityLog.Info().Int64("revision", rev).Msg("revision assigned")

# Integration Points

This package is used by:

  - pkg/store: the default error handler logs store errors by kind
  - pkg/pipeline: logs preprocessor failures
  - pkg/query: logs failed live-query replay passes
  - pkg/compactor: logs loop start/stop and failed compaction passes
  - cmd/pimctl: initializes the logger from CLI flags (cmd/pim-compact
    uses the standard library log package instead)

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"pipeline","entity_type":"mail","time":"2026-07-29T10:30:00Z","message":"revision assigned"}
	{"level":"error","component":"store","error":"corruption","time":"2026-07-29T10:30:02Z","message":"database open failed"}

Console Format (Development):

	10:30:00 INF revision assigned component=pipeline entity_type=mail
	10:30:02 ERR database open failed component=store error=corruption

# Best Practices

Do:
  - Use Info level for production
  - Create component-specific loggers with WithComponent
  - Log errors with .Err() so zerolog records the error value
  - Include the entity type and UID when logging a specific entity

Don't:
  - Log secrets or remote-ID credentials
  - Use Debug level in production
  - Concatenate strings into the message (use typed fields)
*/
package log
