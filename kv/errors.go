package kv

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt indicates the database file or a stored record failed
	// integrity checks. Corruption is fatal; there is no auto-repair.
	ErrCorrupt = errors.New("kv: database corrupted")

	// ErrTxnAborted indicates a transaction could not commit. The write did
	// not take effect; callers may retry.
	ErrTxnAborted = errors.New("kv: transaction aborted")

	// ErrReadLimit indicates the concurrent read-transaction limit was hit
	// before the context deadline.
	ErrReadLimit = errors.New("kv: too many concurrent read transactions")
)

// VersionError is returned on open when the stored schema version is newer
// than this build understands, or when a migration path is missing.
type VersionError struct {
	Stored int
	Known  int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("kv: schema version mismatch: stored %d, known %d", e.Stored, e.Known)
}

// corrupt wraps a detail into an ErrCorrupt chain.
func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}
