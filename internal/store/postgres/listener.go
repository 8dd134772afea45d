package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/pgqueue/internal/store"
)

// PubSub publishes with pg_notify and subscribes with LISTEN on a dedicated
// connection per subscription.
type PubSub struct {
	db          *sqlx.DB
	newListener func() *pq.Listener
	logger      *slog.Logger
}

var _ store.PubSub = (*PubSub)(nil)

// NewPubSub creates a notification transport. newListener must return a
// fresh, unstarted listener, e.g. postgresql.Client.NewListener.
func NewPubSub(db *sqlx.DB, newListener func() *pq.Listener, logger *slog.Logger) *PubSub {
	return &PubSub{db: db, newListener: newListener, logger: logger}
}

// Publish sends payload on channel
func (p *PubSub) Publish(ctx context.Context, channel, payload string) error {
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("failed to notify %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts listening on every channel
func (p *PubSub) Subscribe(_ context.Context, channels []string) (store.Subscription, error) {
	l := p.newListener()
	for _, ch := range channels {
		if err := l.Listen(ch); err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", ch, err)
		}
	}

	p.logger.Debug("Listening for notifications", slog.Any("channels", channels))
	return &subscription{listener: l}, nil
}

type subscription struct {
	listener *pq.Listener
}

// Wait returns the next notification. A nil notification from lib/pq means
// the connection was re-established and messages may have been lost; it is
// surfaced as an empty wake-up so the caller re-polls.
func (s *subscription) Wait(ctx context.Context, timeout time.Duration) (store.Notification, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case n := <-s.listener.Notify:
		if n == nil {
			return store.Notification{}, nil
		}
		return store.Notification{Channel: n.Channel, Payload: n.Extra}, nil
	case <-timer:
		return store.Notification{}, store.ErrWaitTimeout
	case <-ctx.Done():
		return store.Notification{}, ctx.Err()
	}
}

func (s *subscription) Close() error {
	return s.listener.Close()
}
