package archive

import (
	"context"
	"errors"
	"io"
)

// ErrInvalidPath is returned for paths that escape the storage root
var ErrInvalidPath = errors.New("invalid archive path")

// Storage is a flat object store for exported run artifacts
type Storage interface {
	// Put stores the contents of r at path
	Put(ctx context.Context, path string, r io.Reader, contentType string) error

	// Get opens the object at path; the caller closes it
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// List returns all paths under prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at path
	Delete(ctx context.Context, path string) error

	// Exists checks if an object exists at path
	Exists(ctx context.Context, path string) (bool, error)
}
