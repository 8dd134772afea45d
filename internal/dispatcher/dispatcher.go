// Package dispatcher claims the next runnable job across an ordered list of
// queues, blocking on the queues' notification channels between passes.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/queue"
	"github.com/cuongbtq/pgqueue/internal/store"
)

var (
	// ErrTimeout is returned when a blocking dequeue found nothing before its
	// deadline.
	ErrTimeout = errors.New("dequeue timed out")

	// ErrStopNotified is returned when a stop notification woke the wait.
	ErrStopNotified = errors.New("stop notification received")
)

const (
	// Slack lets a scheduled job that is due within this window be claimed
	// early instead of blocking again.
	Slack = time.Second

	// minWait bounds how short a promise may make the blocking wait.
	minWait = 50 * time.Millisecond
)

// Dispatcher serves one ordered set of queues. It subscribes to their
// channels on construction so no wake-up between passes is lost.
type Dispatcher struct {
	mgr    *queue.Manager
	queues []*queue.Queue
	byChan map[string]*queue.Queue
	sub    store.Subscription
	logger *slog.Logger
}

// New creates a Dispatcher over queues, listening through subscriber. The
// failed queue is never dispatched and is ignored if present.
func New(ctx context.Context, mgr *queue.Manager, subscriber store.Subscriber, queues []*queue.Queue) (*Dispatcher, error) {
	d := &Dispatcher{
		mgr:    mgr,
		byChan: make(map[string]*queue.Queue, len(queues)),
		logger: mgr.Logger(),
	}
	channels := make([]string, 0, len(queues))
	for _, q := range queues {
		if q == nil || q.Name() == domain.FailedQueueName {
			continue
		}
		if _, dup := d.byChan[q.Channel()]; dup {
			continue
		}
		d.queues = append(d.queues, q)
		d.byChan[q.Channel()] = q
		channels = append(channels, q.Channel())
	}
	if len(d.queues) == 0 {
		return nil, fmt.Errorf("no queues to dispatch")
	}

	sub, err := subscriber.Subscribe(ctx, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to queue channels: %w", err)
	}
	d.sub = sub
	return d, nil
}

// Queues returns the queues served, in dispatch order.
func (d *Dispatcher) Queues() []*queue.Queue {
	return append([]*queue.Queue(nil), d.queues...)
}

// Close releases the subscription.
func (d *Dispatcher) Close() error {
	return d.sub.Close()
}

// DequeueAny claims the next runnable job. A timeout <= 0 is burst mode: one
// pass, then nil with no error when nothing is runnable. Otherwise it blocks
// for up to timeout and returns ErrTimeout if nothing could be claimed, or
// ErrStopNotified if a stop notification arrived first.
func (d *Dispatcher) DequeueAny(ctx context.Context, timeout time.Duration) (*domain.Job, *queue.Queue, error) {
	burst := timeout <= 0
	deadline := d.mgr.Now().Add(timeout)
	work := d.Queues()

	for {
		var promise time.Time
		for len(work) > 0 {
			q := work[0]
			work = work[1:]

			horizon := Slack
			if r := deadline.Sub(d.mgr.Now()); !burst && r > horizon {
				horizon = r
			}
			j, due, err := d.claim(ctx, q, horizon)
			if err != nil {
				return nil, nil, err
			}
			if j != nil {
				return j, q, nil
			}
			if !due.IsZero() && (promise.IsZero() || due.Before(promise)) {
				promise = due
			}
		}

		if burst {
			return nil, nil, nil
		}

		now := d.mgr.Now()
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return nil, nil, ErrTimeout
		}
		wait, shrunk := remaining, false
		if !promise.IsZero() {
			until := promise.Sub(now)
			if until < minWait {
				until = minWait
			}
			if until < wait {
				wait, shrunk = until, true
			}
		}

		n, err := d.sub.Wait(ctx, wait)
		switch {
		case errors.Is(err, store.ErrWaitTimeout):
			if !shrunk {
				return nil, nil, ErrTimeout
			}
			// a promise matured, retry everything
			work = d.Queues()
		case err != nil:
			return nil, nil, err
		case n.Payload == domain.StopPayload:
			return nil, nil, ErrStopNotified
		default:
			work = d.wake(n.Channel)
		}
	}
}

// claim makes one claim attempt on q. When nothing is claimed but the queue
// will have something at a known time, that time is returned as a promise.
func (d *Dispatcher) claim(ctx context.Context, q *queue.Queue, horizon time.Duration) (*domain.Job, time.Time, error) {
	ok, expires, err := q.TryLock(ctx, q.Lease())
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to lock queue %s: %w", q.Name(), err)
	}
	if !ok {
		return nil, expires, nil
	}

	now := d.mgr.Now()
	res, err := q.ClaimNext(ctx, store.ClaimOptions{Now: now, Horizon: horizon, Slack: Slack})
	if err != nil || res.Job == nil {
		if unlockErr := q.Unlock(ctx); unlockErr != nil {
			d.logger.Warn("Failed to release lease",
				slog.String("queue", q.Name()),
				slog.Any("error", unlockErr),
			)
		}
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to claim from queue %s: %w", q.Name(), err)
		}
		if res.NextDue != nil {
			return nil, *res.NextDue, nil
		}
		return nil, time.Time{}, nil
	}

	j := res.Job
	if err := q.HoldFor(ctx, j); err != nil {
		d.logger.Warn("Failed to extend lease",
			slog.String("queue", q.Name()),
			slog.Any("error", err),
		)
	}
	if _, err := q.ScheduleSuccessor(ctx, j, now); err != nil {
		d.logger.Error("Failed to schedule next occurrence",
			slog.String("queue", q.Name()),
			slog.Int64("job_id", j.ID),
			slog.Any("error", err),
		)
	}

	d.logger.Debug("Job claimed",
		slog.String("queue", q.Name()),
		slog.Int64("job_id", j.ID),
		slog.String("func", j.Func),
	)
	return j, time.Time{}, nil
}

// wake builds the next pass: the notified queue first, then the rest in
// dispatch order.
func (d *Dispatcher) wake(channel string) []*queue.Queue {
	fired, ok := d.byChan[channel]
	if !ok {
		return d.Queues()
	}
	work := make([]*queue.Queue, 0, len(d.queues))
	work = append(work, fired)
	for _, q := range d.queues {
		if q != fired {
			work = append(work, q)
		}
	}
	return work
}

// DequeueAny is a one-shot Dispatcher: it subscribes, dequeues and closes.
func DequeueAny(ctx context.Context, mgr *queue.Manager, subscriber store.Subscriber, queues []*queue.Queue, timeout time.Duration) (*domain.Job, *queue.Queue, error) {
	d, err := New(ctx, mgr, subscriber, queues)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := d.Close(); err != nil {
			mgr.Logger().Warn("Failed to close dispatcher", slog.Any("error", err))
		}
	}()
	return d.DequeueAny(ctx, timeout)
}
