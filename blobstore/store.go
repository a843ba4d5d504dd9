// Package blobstore abstracts where database backups land: a local
// directory, memory (tests), or S3-compatible object storage.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is a flat namespace of immutable blobs.
type Store interface {
	// Put writes a blob atomically under name, replacing any existing blob.
	Put(ctx context.Context, name string, r io.Reader) error

	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Delete removes a blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
