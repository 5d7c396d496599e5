// Package blobstore stores photo bytes outside the document store.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by Delete and Open for a missing object.
var ErrObjectNotFound = errors.New("object not found")

// Store is a path-addressed blob store.
type Store interface {
	// Upload writes r under path and returns a URL the members can fetch it from.
	Upload(ctx context.Context, path string, r io.Reader, contentType string) (string, error)
	URL(ctx context.Context, path string) (string, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}
