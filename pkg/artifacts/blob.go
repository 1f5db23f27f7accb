package artifacts

import (
	"context"
	"errors"
	"io"
)

// ErrBlobNotFound is returned when a requested blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// Store is a flat keyed blob store.
type Store interface {
	// Put writes the blob at key, overwriting any existing content.
	Put(ctx context.Context, key string, content io.Reader) error
	// Get opens the blob at key for reading. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the blob at key. Deleting a missing blob is not an
	// error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether a blob is stored at key.
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key under the prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
