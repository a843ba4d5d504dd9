package pulsedb

import (
	"context"
	"errors"
	"fmt"

	"github.com/draco28/PulseDB/embedding"
	"github.com/draco28/PulseDB/hnsw"
	"github.com/draco28/PulseDB/kv"
)

var (
	// ErrNotFound is returned when an operation requires an entity that does
	// not exist. Single-entity lookups return nil instead.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned for operations on a closed database.
	ErrClosed = errors.New("database is closed")

	// ErrCorrupt indicates the database failed integrity checks. The handle
	// switches to read-only safe mode until reopened; there is no
	// auto-repair.
	ErrCorrupt = errors.New("database corrupted")

	// ErrReadOnly is returned for writes while the database is in read-only
	// safe mode after detected corruption.
	ErrReadOnly = errors.New("database is in read-only safe mode")

	// ErrLockTimeout is returned when the writer file lock cannot be
	// acquired within the configured timeout. Fatal for the open attempt.
	ErrLockTimeout = errors.New("timed out waiting for database lock")

	// ErrQueryTimeout is returned when a read scan hits its deadline. The
	// snapshot is released; callers may retry with a longer deadline.
	ErrQueryTimeout = errors.New("query deadline exceeded")

	// ErrResourceLimit is returned when a configured quota would be
	// exceeded. Reported, not retried.
	ErrResourceLimit = errors.New("resource limit exceeded")

	// ErrTxnAborted is returned when a write transaction failed to commit.
	// The write did not take effect; transient aborts may be retried.
	ErrTxnAborted = errors.New("transaction aborted")
)

// ValidationError reports invalid input. Validation errors are never
// retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func invalidField(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DimensionMismatchError reports an embedding whose length does not match
// the collective's frozen dimension.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type DimensionMismatchError struct {
	Expected int
	Actual   int
	cause    error
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return e.cause }

// VersionMismatchError is returned on open when the stored schema version is
// newer than this build, or no migration path exists.
type VersionMismatchError struct {
	Stored int
	Known  int
	cause  error
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("schema version mismatch: stored %d, known %d", e.Stored, e.Known)
}

func (e *VersionMismatchError) Unwrap() error { return e.cause }

// EmbeddingError wraps failures from the embedding service. Surfaced to the
// caller; never silently substituted.
type EmbeddingError struct {
	cause error
}

func (e *EmbeddingError) Error() string { return fmt.Sprintf("embedding error: %v", e.cause) }

func (e *EmbeddingError) Unwrap() error { return e.cause }

// translateError normalizes subpackage errors into the public taxonomy at
// the API boundary, preserving the underlying chain.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, kv.ErrCorrupt), errors.Is(err, hnsw.ErrIndexCorrupt):
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	case errors.Is(err, kv.ErrTxnAborted):
		return fmt.Errorf("%w: %w", ErrTxnAborted, err)
	case errors.Is(err, kv.ErrReadLimit):
		return fmt.Errorf("%w: %w", ErrResourceLimit, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrQueryTimeout, err)
	case errors.Is(err, embedding.ErrExternalProvider):
		return &EmbeddingError{cause: err}
	}

	var kvVersion *kv.VersionError
	if errors.As(err, &kvVersion) {
		return &VersionMismatchError{Stored: kvVersion.Stored, Known: kvVersion.Known, cause: err}
	}
	var hnswDim *hnsw.DimensionMismatchError
	if errors.As(err, &hnswDim) {
		return &DimensionMismatchError{Expected: hnswDim.Expected, Actual: hnswDim.Actual, cause: err}
	}

	return err
}
