// Package docstore implements the document database contract the core is
// written against: named JSON documents grouped in collections, field-scoped
// atomic updates, batched commits, queries and live snapshot subscriptions.
//
// Paths alternate collection and document segments, e.g. "pairs/AB12CD" or
// "pairs/AB12CD/messages/01J...". Field paths inside a document are dotted,
// e.g. "deleteRequest.approvalState.u1".
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an update targets a missing document.
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists is returned when a create targets an existing document.
	ErrAlreadyExists = errors.New("document already exists")
	// ErrPreconditionFailed is returned when a write precondition does not hold.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrUnavailable marks transient backend failures the caller may retry.
	ErrUnavailable = errors.New("document store unavailable")
	// ErrInvalidPath is returned for malformed document or collection paths.
	ErrInvalidPath = errors.New("invalid path")
)

// Backend is a storage engine for documents. Backends only need to read and
// commit; subscriptions are layered on top by Store using a Feed.
type Backend interface {
	Get(ctx context.Context, path string) (DocumentSnapshot, error)
	Query(ctx context.Context, q Query) ([]DocumentSnapshot, error)
	// Commit applies all writes atomically or none of them.
	Commit(ctx context.Context, writes []Write) error
	Close() error
}

// DocumentSnapshot is the state of one document at read time.
type DocumentSnapshot struct {
	Path   string
	ID     string
	Exists bool
	Data   map[string]any
}

// DataTo decodes the snapshot data into v.
func (s DocumentSnapshot) DataTo(v any) error {
	if !s.Exists {
		return fmt.Errorf("%s: %w", s.Path, ErrNotFound)
	}
	raw, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", s.Path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode document %s: %w", s.Path, err)
	}
	return nil
}

// Updates maps dotted field paths to new values or transforms
// (ArrayUnion, ArrayRemove, DeleteField).
type Updates map[string]any

// Doc joins path segments into a document path.
func Doc(segments ...string) string {
	return strings.Join(segments, "/")
}

// Collection joins path segments into a collection path.
func Collection(segments ...string) string {
	return strings.Join(segments, "/")
}

// splitDocPath returns the parent collection and id of a document path.
func splitDocPath(path string) (parent, id string, err error) {
	segments := strings.Split(path, "/")
	if len(segments) < 2 || len(segments)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, path)
	}
	for _, s := range segments {
		if s == "" {
			return "", "", fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	i := strings.LastIndex(path, "/")
	return path[:i], path[i+1:], nil
}

func validateCollection(path string) error {
	segments := strings.Split(path, "/")
	if len(segments)%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection path", ErrInvalidPath, path)
	}
	for _, s := range segments {
		if s == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return nil
}

// parentOf returns the collection that holds the document at path, or "".
func parentOf(path string) string {
	parent, _, err := splitDocPath(path)
	if err != nil {
		return ""
	}
	return parent
}
