package docstore

import (
	"context"
	"errors"
	"sync"
)

// Subscription is a live stream of snapshots. The first snapshot reflects the
// state at subscription time; later ones follow commits in order. A slow
// reader may skip intermediate states but never sees an older state after a
// newer one. The channel is closed when the subscription ends. A closed
// subscription cannot be restarted; subscribe again instead.
type Subscription[T any] struct {
	ch     chan T
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

type producer[T any] func(ctx context.Context, emit func(T) bool) error

func startSubscription[T any](ctx context.Context, run producer[T]) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		ch:     make(chan T),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.ch)
		err := run(ctx, func(v T) bool {
			select {
			case s.ch <- v:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()
	return s
}

// Snapshots returns the snapshot channel.
func (s *Subscription[T]) Snapshots() <-chan T {
	return s.ch
}

// Close stops the subscription and waits for its goroutine to exit.
// It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.cancel()
	<-s.done
}

// Err reports why the subscription ended. It is nil while running and after
// a regular Close.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Map derives a subscription by converting every snapshot of src. Closing the
// result closes src. A conversion error ends the stream with that error.
func Map[T, U any](src *Subscription[T], convert func(T) (U, error)) *Subscription[U] {
	return startSubscription(context.Background(), func(ctx context.Context, emit func(U) bool) error {
		defer src.Close()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case v, ok := <-src.Snapshots():
				if !ok {
					return src.Err()
				}
				u, err := convert(v)
				if err != nil {
					return err
				}
				if !emit(u) {
					return nil
				}
			}
		}
	})
}
