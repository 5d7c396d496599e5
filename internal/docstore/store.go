package docstore

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog/log"
)

// Feed broadcasts the paths of committed documents to every Store attached
// to the same backend, including stores in other processes.
type Feed interface {
	Publish(ctx context.Context, paths ...string) error
	// Listen returns a channel of changed document paths. The channel is
	// closed when ctx ends or the feed is closed.
	Listen(ctx context.Context) (<-chan string, error)
	Close() error
}

type watcher struct {
	match   func(path string) bool
	trigger chan struct{}
}

// listener is one Listen session of the feed. lost is closed when the
// session ends; err is set before that and is nil when the store was closed.
type listener struct {
	lost chan struct{}
	err  error
}

// Store is the document database used by the repositories.
type Store struct {
	backend Backend
	feed    Feed

	mu        sync.RWMutex
	watchers  map[*watcher]struct{}
	listener *listener
	stop     context.CancelFunc
}

// NewStore combines a backend with the change feed its watchers listen on.
func NewStore(backend Backend, feed Feed) *Store {
	return &Store{
		backend:  backend,
		feed:     feed,
		watchers: make(map[*watcher]struct{}),
	}
}

// NewMemoryStore returns a process-local store, used by tests and the
// default development configuration.
func NewMemoryStore() *Store {
	return NewStore(NewMemoryBackend(), NewLocalFeed())
}

// Get reads a document. A missing document is returned with Exists false.
func (s *Store) Get(ctx context.Context, path string) (DocumentSnapshot, error) {
	if _, _, err := splitDocPath(path); err != nil {
		return DocumentSnapshot{}, err
	}
	return s.backend.Get(ctx, path)
}

// Query runs q once.
func (s *Store) Query(ctx context.Context, q Query) ([]DocumentSnapshot, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	return s.backend.Query(ctx, q)
}

// Create writes a new document.
func (s *Store) Create(ctx context.Context, path string, data any) error {
	return s.Commit(ctx, CreateWrite(path, data))
}

// Set replaces the document, or deep-merges data into it when merge is true.
func (s *Store) Set(ctx context.Context, path string, data any, merge bool) error {
	return s.Commit(ctx, SetWrite(path, data, merge))
}

// Update applies field-scoped updates to an existing document.
func (s *Store) Update(ctx context.Context, path string, updates Updates, preconditions ...Precondition) error {
	return s.Commit(ctx, UpdateWrite(path, updates).With(preconditions...))
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, path string, preconditions ...Precondition) error {
	return s.Commit(ctx, DeleteWrite(path).With(preconditions...))
}

// Commit applies writes atomically and notifies watchers of every touched path.
func (s *Store) Commit(ctx context.Context, writes ...Write) error {
	if len(writes) == 0 {
		return nil
	}
	paths := make([]string, 0, len(writes))
	seen := make(map[string]bool, len(writes))
	for _, w := range writes {
		if _, _, err := splitDocPath(w.Path); err != nil {
			return err
		}
		if w.err != nil {
			return w.err
		}
		if !seen[w.Path] {
			seen[w.Path] = true
			paths = append(paths, w.Path)
		}
	}

	if err := s.backend.Commit(ctx, writes); err != nil {
		return err
	}

	if err := s.feed.Publish(context.WithoutCancel(ctx), paths...); err != nil {
		log.Error().Err(err).Strs("paths", paths).Msg("Failed to publish document changes")
	}
	return nil
}

// WatchDocument streams snapshots of the document at path.
func (s *Store) WatchDocument(ctx context.Context, path string) *Subscription[DocumentSnapshot] {
	return startSubscription(ctx, func(ctx context.Context, emit func(DocumentSnapshot) bool) error {
		if _, _, err := splitDocPath(path); err != nil {
			return err
		}
		var last *DocumentSnapshot
		return s.watch(ctx, func(p string) bool { return p == path }, func() (bool, error) {
			snap, err := s.backend.Get(ctx, path)
			if err != nil {
				return false, err
			}
			if last != nil && last.Exists == snap.Exists && reflect.DeepEqual(last.Data, snap.Data) {
				return true, nil
			}
			last = &snap
			return emit(snap), nil
		})
	})
}

// WatchQuery streams the result set of q every time a document of its
// collection changes.
func (s *Store) WatchQuery(ctx context.Context, q Query) *Subscription[[]DocumentSnapshot] {
	return startSubscription(ctx, func(ctx context.Context, emit func([]DocumentSnapshot) bool) error {
		if err := q.validate(); err != nil {
			return err
		}
		var last []DocumentSnapshot
		first := true
		return s.watch(ctx, func(p string) bool { return parentOf(p) == q.collection }, func() (bool, error) {
			docs, err := s.backend.Query(ctx, q)
			if err != nil {
				return false, err
			}
			if !first && reflect.DeepEqual(last, docs) {
				return true, nil
			}
			first = false
			last = docs
			return emit(docs), nil
		})
	})
}

// watch registers a watcher and calls read once immediately and again after
// every matching change, until ctx ends or read reports false.
// A lost change feed ends the watch with ErrUnavailable.
func (s *Store) watch(ctx context.Context, match func(string) bool, read func() (bool, error)) error {
	l, err := s.ensureListening()
	if err != nil {
		return err
	}

	w := &watcher{match: match, trigger: make(chan struct{}, 1)}
	w.trigger <- struct{}{}

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.lost:
			return l.err
		case <-w.trigger:
			more, err := read()
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	}
}

func (s *Store) ensureListening() (*listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	changes, err := s.feed.Listen(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to listen for document changes: %w", err)
	}
	l := &listener{lost: make(chan struct{})}
	s.listener = l
	s.stop = cancel

	go s.dispatch(ctx, cancel, changes, l)
	return l, nil
}

func (s *Store) dispatch(ctx context.Context, cancel context.CancelFunc, changes <-chan string, l *listener) {
	for path := range changes {
		s.mu.RLock()
		for w := range s.watchers {
			if !w.match(path) {
				continue
			}
			select {
			case w.trigger <- struct{}{}:
			default:
			}
		}
		s.mu.RUnlock()
	}

	s.mu.Lock()
	if s.listener == l {
		s.listener = nil
	}
	s.mu.Unlock()

	if ctx.Err() == nil {
		log.Error().Msg("Document change feed closed, failing open subscriptions")
		l.err = fmt.Errorf("change feed closed: %w", ErrUnavailable)
	}
	cancel()
	close(l.lost)
}

// Close stops change dispatch and closes the feed and backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.mu.Unlock()

	if err := s.feed.Close(); err != nil {
		return fmt.Errorf("failed to close change feed: %w", err)
	}
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("failed to close document backend: %w", err)
	}
	return nil
}
