package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// NotifyChannel returns the LISTEN/NOTIFY channel name for a resource.
// Schema migrations install triggers that NOTIFY this channel on every
// write to the resource (or, for views, to the tables beneath it).
func NotifyChannel(resource string) string {
	return "tbl_" + resource
}

// Subscribe emits the full row set matching q: once immediately, then
// again on every change notification for the resource. The returned
// channel is closed when ctx is cancelled or the notification stream
// fails; callers resubscribe to recover.
func (p *Postgres) Subscribe(ctx context.Context, q Query) (<-chan []Row, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire subscription connection: %w", err)
	}

	channel := NotifyChannel(q.Resource)
	if _, err := conn.Exec(ctx, "LISTEN "+quoteIdent(channel)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	out := make(chan []Row, 1)
	go func() {
		defer close(out)
		defer conn.Release()

		emit := func() bool {
			rows, err := p.Select(ctx, q)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				log.Warn().Err(err).Str("resource", q.Resource).Msg("Subscription re-query failed")
				return false
			}
			select {
			case out <- rows:
			case <-ctx.Done():
				return false
			}
			return true
		}

		// Initial snapshot before any notification arrives.
		if !emit() {
			return
		}
		for {
			if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("resource", q.Resource).Msg("Subscription stream failed")
				}
				return
			}
			if !emit() {
				return
			}
		}
	}()
	return out, nil
}
