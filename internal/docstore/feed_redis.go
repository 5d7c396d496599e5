package docstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisFeed broadcasts changes over Redis pub/sub, for deployments where
// several server processes share a DynamoDB table.
type RedisFeed struct {
	client  *redis.Client
	channel string
}

// NewRedisFeed creates a feed publishing on channel.
func NewRedisFeed(client *redis.Client, channel string) *RedisFeed {
	return &RedisFeed{client: client, channel: channel}
}

func (f *RedisFeed) Publish(ctx context.Context, paths ...string) error {
	pipe := f.client.Pipeline()
	for _, p := range paths {
		pipe.Publish(ctx, f.channel, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: failed to publish changes: %w", ErrUnavailable, err)
	}
	return nil
}

func (f *RedisFeed) Listen(ctx context.Context) (<-chan string, error) {
	ps := f.client.Subscribe(ctx, f.channel)
	// Receive waits for the subscription confirmation.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: failed to subscribe to %s: %w", ErrUnavailable, f.channel, err)
	}

	out := make(chan string, feedBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- m.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}
