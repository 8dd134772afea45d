// Package flow chains jobs: each member runs after its predecessor finished,
// with an optional alternate member when a predecessor fails.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/queue"
	"github.com/cuongbtq/pgqueue/internal/registry"
	"github.com/cuongbtq/pgqueue/internal/store"
)

// Option configures Build.
type Option func(*options)

type options struct {
	name      string
	resultTTL *int
	inline    *registry.Registry
}

// WithName labels the flow.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithResultTTL sets how long the finished flow record is kept, in seconds.
func WithResultTTL(seconds int) Option {
	return func(o *options) { o.resultTTL = &seconds }
}

// Inline runs every member right away with reg instead of queueing them.
func Inline(reg *registry.Registry) Option {
	return func(o *options) { o.inline = reg }
}

// Flow is a built flow and its member jobs in declaration order.
type Flow struct {
	*domain.Flow
	Jobs []*domain.Job
}

type member struct {
	job     *domain.Job
	onError *domain.Job
}

// Builder collects the members of a flow.
type Builder struct {
	q       *queue.Queue
	now     time.Time
	members []*member
}

// Enqueue declares the next member of the chain.
func (b *Builder) Enqueue(fn string, args []any, kwargs map[string]any, opts ...queue.JobOption) (*domain.Job, error) {
	j, err := b.q.Build(b.now, fn, args, kwargs, opts...)
	if err != nil {
		return nil, err
	}
	b.members = append(b.members, &member{job: j})
	return j, nil
}

// OnFailure declares the job activated instead when the last declared member
// fails.
func (b *Builder) OnFailure(fn string, args []any, kwargs map[string]any, opts ...queue.JobOption) (*domain.Job, error) {
	if len(b.members) == 0 {
		return nil, fmt.Errorf("failure handler declared before any job")
	}
	last := b.members[len(b.members)-1]
	if last.onError != nil {
		return nil, fmt.Errorf("job %s already has a failure handler", last.job.Func)
	}
	j, err := b.q.Build(b.now, fn, args, kwargs, opts...)
	if err != nil {
		return nil, err
	}
	last.onError = j
	return j, nil
}

// Build declares a flow on q with declare and stores it in one transaction.
// Only the first member is queued; the rest wait in the flow until their
// predecessor completes.
func Build(ctx context.Context, mgr *queue.Manager, q *queue.Queue, declare func(b *Builder) error, opts ...Option) (*Flow, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Builder{q: q, now: mgr.Now()}
	if err := declare(b); err != nil {
		return nil, err
	}
	if len(b.members) == 0 {
		return nil, fmt.Errorf("flow has no jobs")
	}

	now := mgr.Now()
	rec := &domain.Flow{
		Name:       o.name,
		Queue:      q.Name(),
		EnqueuedAt: &now,
		ResultTTL:  mgr.DefaultResultTTL(),
		Status:     domain.FlowStatusQueued,
	}
	if rec.Name == "" {
		rec.Name = b.members[0].job.Func
	}
	if o.resultTTL != nil {
		rec.ResultTTL = *o.resultTTL
	}

	link(b.members)

	if o.inline != nil {
		return runInline(ctx, mgr, o.inline, rec, b.members)
	}

	out := &Flow{Flow: rec}
	err := mgr.Store().InTx(ctx, func(tx store.Store) error {
		if err := tx.CreateFlow(ctx, rec); err != nil {
			return fmt.Errorf("failed to create flow: %w", err)
		}
		for i, m := range b.members {
			for _, j := range []*domain.Job{m.job, m.onError} {
				if j == nil {
					continue
				}
				j.FlowID = &rec.ID
				if i == 0 && j == m.job {
					if err := q.Put(ctx, tx, j); err != nil {
						return err
					}
				} else {
					j.Queue = ""
					j.Status = domain.JobStatusPendingInFlow
					if err := tx.CreateJob(ctx, j); err != nil {
						return fmt.Errorf("failed to create flow job: %w", err)
					}
				}
				rec.JobIDs = append(rec.JobIDs, j.ID)
				out.Jobs = append(out.Jobs, j)
			}
		}
		return tx.UpdateFlow(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	if err := q.Notify(ctx, strconv.FormatInt(b.members[0].job.ID, 10)); err != nil {
		mgr.Logger().Warn("Failed to notify queue", slog.String("queue", q.Name()), slog.Any("error", err))
	}
	mgr.Logger().Info("Flow created",
		slog.Int64("flow_id", rec.ID),
		slog.String("queue", q.Name()),
		slog.Int("jobs", len(rec.JobIDs)),
	)
	return out, nil
}

// link points each member at its successor, and at its failure handler when
// one was declared. A failure handler ends its branch.
func link(members []*member) {
	for i, m := range members {
		if i+1 < len(members) {
			next := members[i+1].job.UUID
			m.job.IfResult = &next
		}
		if m.onError != nil {
			alt := m.onError.UUID
			m.job.IfFailed = &alt
		}
	}
}

// runInline executes the chain in the caller, following the same success and
// failure links a worker would.
func runInline(ctx context.Context, mgr *queue.Manager, reg *registry.Registry, rec *domain.Flow, members []*member) (*Flow, error) {
	out := &Flow{Flow: rec}
	byUUID := make(map[string]*domain.Job, len(members)*2)
	for _, m := range members {
		byUUID[m.job.UUID.String()] = m.job
		if m.onError != nil {
			byUUID[m.onError.UUID.String()] = m.onError
		}
	}

	j := members[0].job
	for j != nil {
		started := mgr.Now()
		j.StartedAt = &started
		j.Status = domain.JobStatusStarted
		j.Queue = ""

		result, err := reg.Invoke(ctx, registry.TaskFromJob(j, j.TimeoutDuration(mgr.DefaultTimeout())))
		ended := mgr.Now()
		j.EndedAt = &ended
		out.Jobs = append(out.Jobs, j)

		var next *domain.Job
		if err != nil {
			j.Status = domain.JobStatusFailed
			j.ExcInfo = err.Error()
			rec.Status = domain.FlowStatusFailed
			if j.IfFailed != nil {
				next = byUUID[j.IfFailed.String()]
			}
		} else {
			j.Status = domain.JobStatusFinished
			j.Result = result
			if j.IfResult != nil {
				next = byUUID[j.IfResult.String()]
			}
		}
		j = next
	}

	ended := mgr.Now()
	rec.EndedAt = &ended
	if rec.Status == domain.FlowStatusQueued {
		rec.Status = domain.FlowStatusFinished
	}
	return out, nil
}
