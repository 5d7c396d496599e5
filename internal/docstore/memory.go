package docstore

import (
	"context"
	"sync"
)

// MemoryBackend keeps documents in process memory.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string]map[string]any
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]map[string]any)}
}

func (b *MemoryBackend) Get(ctx context.Context, path string) (DocumentSnapshot, error) {
	_, id, err := splitDocPath(path)
	if err != nil {
		return DocumentSnapshot{}, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.docs[path]
	if !ok {
		return DocumentSnapshot{Path: path, ID: id}, nil
	}
	return DocumentSnapshot{Path: path, ID: id, Exists: true, Data: cloneMap(data)}, nil
}

func (b *MemoryBackend) Query(ctx context.Context, q Query) ([]DocumentSnapshot, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	docs := make([]DocumentSnapshot, 0)
	for path, data := range b.docs {
		parent, id, err := splitDocPath(path)
		if err != nil || parent != q.collection {
			continue
		}
		docs = append(docs, DocumentSnapshot{Path: path, ID: id, Exists: true, Data: cloneMap(data)})
	}
	b.mu.RUnlock()

	return q.evaluate(docs), nil
}

func (b *MemoryBackend) Commit(ctx context.Context, writes []Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	type staged struct {
		data   map[string]any
		exists bool
	}
	pending := make(map[string]staged, len(writes))
	order := make([]string, 0, len(writes))

	for _, w := range writes {
		cur, ok := pending[w.Path]
		if !ok {
			data, exists := b.docs[w.Path]
			cur = staged{data: data, exists: exists}
			order = append(order, w.Path)
		}
		next, exists, err := w.apply(cur.data, cur.exists)
		if err != nil {
			return err
		}
		pending[w.Path] = staged{data: next, exists: exists}
	}

	for _, path := range order {
		st := pending[path]
		if st.exists {
			b.docs[path] = st.data
		} else {
			delete(b.docs, path)
		}
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
