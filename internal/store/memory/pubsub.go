package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/pgqueue/internal/store"
)

const subscriptionBuffer = 64

// PubSub fans notifications out to in-process subscriptions.
type PubSub struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

var _ store.PubSub = (*PubSub)(nil)

// NewPubSub creates an empty notification hub.
func NewPubSub() *PubSub {
	return &PubSub{subs: make(map[*subscription]struct{})}
}

// Publish delivers payload to every subscription listening on channel. A
// subscription whose buffer is full drops the message; notifications are
// wake-up hints, not data.
func (p *PubSub) Publish(_ context.Context, channel, payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := store.Notification{Channel: channel, Payload: payload}
	for sub := range p.subs {
		if _, ok := sub.channels[channel]; !ok {
			continue
		}
		select {
		case sub.ch <- n:
		default:
		}
	}
	return nil
}

// Subscribe opens a subscription on the given channels.
func (p *PubSub) Subscribe(_ context.Context, channels []string) (store.Subscription, error) {
	sub := &subscription{
		hub:      p,
		channels: make(map[string]struct{}, len(channels)),
		ch:       make(chan store.Notification, subscriptionBuffer),
	}
	for _, c := range channels {
		sub.channels[c] = struct{}{}
	}

	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()
	return sub, nil
}

type subscription struct {
	hub      *PubSub
	channels map[string]struct{}
	ch       chan store.Notification
	once     sync.Once
}

func (s *subscription) Wait(ctx context.Context, timeout time.Duration) (store.Notification, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case n := <-s.ch:
		return n, nil
	case <-timer:
		return store.Notification{}, store.ErrWaitTimeout
	case <-ctx.Done():
		return store.Notification{}, ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
	})
	return nil
}
