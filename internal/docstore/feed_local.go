package docstore

import (
	"context"
	"sync"
)

const feedBuffer = 256

// LocalFeed delivers changes between stores of the same process.
type LocalFeed struct {
	mu     sync.Mutex
	subs   map[chan string]chan struct{}
	closed bool
}

// NewLocalFeed creates an in-process feed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{subs: make(map[chan string]chan struct{})}
}

func (f *LocalFeed) Publish(ctx context.Context, paths ...string) error {
	f.mu.Lock()
	type target struct {
		ch   chan string
		done chan struct{}
	}
	targets := make([]target, 0, len(f.subs))
	for ch, done := range f.subs {
		targets = append(targets, target{ch: ch, done: done})
	}
	f.mu.Unlock()

	for _, t := range targets {
		for _, p := range paths {
			select {
			case t.ch <- p:
			case <-t.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (f *LocalFeed) Listen(ctx context.Context) (<-chan string, error) {
	in := make(chan string, feedBuffer)
	done := make(chan struct{})

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrUnavailable
	}
	f.subs[in] = done
	f.mu.Unlock()

	out := make(chan string)
	go func() {
		defer close(out)
		defer func() {
			f.mu.Lock()
			if _, ok := f.subs[in]; ok {
				delete(f.subs, in)
				close(done)
			}
			f.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case p := <-in:
				select {
				case out <- p:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *LocalFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for in, done := range f.subs {
		close(done)
		delete(f.subs, in)
	}
	return nil
}
