package hnsw

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexCorrupt indicates a persisted index file failed integrity
	// checks. The index must be rebuilt from stored embeddings.
	ErrIndexCorrupt = errors.New("hnsw: index file corrupt")

	// ErrRebuildRequired indicates the persisted index cannot serve the
	// current store state (stale CSN, parameter or version change) and must
	// be rebuilt.
	ErrRebuildRequired = errors.New("hnsw: rebuild required")

	// ErrEmptyVector is returned for a zero-length vector.
	ErrEmptyVector = errors.New("hnsw: empty vector")
)

// DimensionMismatchError indicates a vector whose length does not match the
// index dimension.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// InvalidDimensionError indicates an invalid configured dimension.
type InvalidDimensionError struct {
	Dimension int
}

func (e *InvalidDimensionError) Error() string {
	return fmt.Sprintf("hnsw: invalid dimension: %d", e.Dimension)
}
