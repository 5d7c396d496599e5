package docstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresFeed broadcasts changes with LISTEN/NOTIFY on channel.
type PostgresFeed struct {
	db      *pgxpool.Pool
	channel string
}

// NewPostgresFeed creates a feed over the same pool as the backend.
func NewPostgresFeed(db *pgxpool.Pool, channel string) *PostgresFeed {
	return &PostgresFeed{db: db, channel: channel}
}

func (f *PostgresFeed) Publish(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		if _, err := f.db.Exec(ctx, "SELECT pg_notify($1, $2)", f.channel, p); err != nil {
			return classifyPgError(fmt.Errorf("failed to notify %s: %w", p, err))
		}
	}
	return nil
}

func (f *PostgresFeed) Listen(ctx context.Context) (<-chan string, error) {
	conn, err := f.db.Acquire(ctx)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to acquire listen connection: %w", err))
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, classifyPgError(fmt.Errorf("failed to listen on %s: %w", f.channel, err))
	}

	// The connection carries LISTEN state, so it is taken out of the pool.
	pgConn := conn.Hijack()
	out := make(chan string, feedBuffer)
	go func() {
		defer close(out)
		defer pgConn.Close(context.Background())
		for {
			n, err := pgConn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Str("channel", f.channel).Msg("Document change listener stopped")
				}
				return
			}
			select {
			case out <- n.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the pool is owned by the backend.
func (f *PostgresFeed) Close() error {
	return nil
}

