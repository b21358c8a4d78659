package gcs

import (
	"context"
	"io"
)

// ObjectStore provides the bucket operations the mirror needs.
// This interface enables mocking and testing of storage functionality.
type ObjectStore interface {
	// List returns the names of all objects whose name starts with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes a single object. Deleting a missing object is not an error.
	Delete(ctx context.Context, object string) error

	// Put writes r to object, replacing any previous content.
	Put(ctx context.Context, object string, r io.Reader) error
}
