package store

import (
	"errors"
	"fmt"

	"github.com/cuemby/pimengine/pkg/log"
	"github.com/cuemby/pimengine/pkg/metrics"
	bolt "go.etcd.io/bbolt"
)

// Kind classifies a store error the way spec's error table does.
type Kind int

const (
	KindNotFound Kind = iota
	KindCorruption
	KindMapFull
	KindTxnConflict
	KindPreprocessorFailed
	KindInvalidBuffer
	KindIoError
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindCorruption:
		return "Corruption"
	case KindMapFull:
		return "MapFull"
	case KindTxnConflict:
		return "TxnConflict"
	case KindPreprocessorFailed:
		return "PreprocessorFailed"
	case KindInvalidBuffer:
		return "InvalidBuffer"
	case KindIoError:
		return "IoError"
	default:
		return "Unknown"
	}
}

// Error is the error type every store operation returns on failure.
// Store is the database or bucket name the error originated in, for
// log correlation.
type Error struct {
	Kind  Kind
	Store string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store: %s in %s: %v", e.Kind, e.Store, e.Cause)
	}
	return fmt.Sprintf("store: %s in %s", e.Kind, e.Store)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, store.ErrNotFound) style checks work against
// the Kind rather than a specific Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// ErrNotFound is a sentinel usable with errors.Is for the common case.
var ErrNotFound = &Error{Kind: KindNotFound}

func newError(kind Kind, storeName string, cause error) *Error {
	return &Error{Kind: kind, Store: storeName, Cause: cause}
}

// classifyBoltError maps a bolt error to a store.Kind. Anything
// unrecognized is treated as an IoError, matching the spec's table
// ("IoError: underlying storage I/O failed") as the catch-all.
func classifyBoltError(storeName string, err error) *Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bolt.ErrBucketNotFound), errors.Is(err, bolt.ErrKeyRequired):
		return newError(KindNotFound, storeName, err)
	case errors.Is(err, bolt.ErrDatabaseNotOpen):
		return newError(KindIoError, storeName, err)
	case errors.Is(err, bolt.ErrInvalid), errors.Is(err, bolt.ErrChecksum), errors.Is(err, bolt.ErrVersionMismatch):
		return newError(KindCorruption, storeName, err)
	case errors.Is(err, bolt.ErrTxNotWritable), errors.Is(err, bolt.ErrTxClosed):
		return newError(KindTxnConflict, storeName, err)
	default:
		return newError(KindIoError, storeName, err)
	}
}

// ErrorHandler receives store errors that aren't returned synchronously
// to a caller, e.g. failures observed mid-scan.
type ErrorHandler func(*Error)

var defaultErrorHandler ErrorHandler = func(e *Error) {
	metrics.StoreErrorsTotal.WithLabelValues(e.Kind.String()).Inc()
	logger := log.WithComponent("store")
	switch e.Kind {
	case KindNotFound, KindInvalidBuffer:
		logger.Warn().Str("kind", e.Kind.String()).Str("store", e.Store).Err(e.Cause).Msg("store warning")
	default:
		logger.Error().Str("kind", e.Kind.String()).Str("store", e.Store).Err(e.Cause).Msg("store error")
	}
}

// SetDefaultErrorHandler overrides the handler invoked for errors
// encountered outside a direct call return, mirroring
// Storage::setDefaultErrorHandler in the original implementation.
func SetDefaultErrorHandler(h ErrorHandler) {
	if h == nil {
		return
	}
	defaultErrorHandler = h
}

// DefaultErrorHandler returns the handler currently in effect.
func DefaultErrorHandler() ErrorHandler {
	return defaultErrorHandler
}
