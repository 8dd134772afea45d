package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/schedule"
	"github.com/cuongbtq/pgqueue/internal/store"
)

// locker is the per-variant lease behaviour: plain queues never block,
// serial queues hold a lease on their queue row.
type locker interface {
	tryLock(ctx context.Context, lease time.Duration) (bool, time.Time, error)
	unlock(ctx context.Context) error
	extend(ctx context.Context, until time.Time) error
}

type plainLocker struct{}

func (plainLocker) tryLock(context.Context, time.Duration) (bool, time.Time, error) {
	return true, time.Time{}, nil
}
func (plainLocker) unlock(context.Context) error            { return nil }
func (plainLocker) extend(context.Context, time.Time) error { return nil }

type serialLocker struct{ q *Queue }

func (l serialLocker) tryLock(ctx context.Context, lease time.Duration) (bool, time.Time, error) {
	now := l.q.mgr.now()
	return l.q.mgr.store.AcquireLock(ctx, l.q.name, now, now.Add(lease))
}

func (l serialLocker) unlock(ctx context.Context) error {
	return l.q.mgr.store.ReleaseLock(ctx, l.q.name, l.q.mgr.now())
}

func (l serialLocker) extend(ctx context.Context, until time.Time) error {
	return l.q.mgr.store.ExtendLock(ctx, l.q.name, until)
}

// Queue is a handle on a named queue.
type Queue struct {
	mgr            *Manager
	name           string
	serial         bool
	defaultTimeout int
	scheduled      atomic.Bool
	lock           locker
}

func newQueue(m *Manager, rec *domain.Queue) *Queue {
	q := &Queue{
		mgr:            m,
		name:           rec.Name,
		serial:         rec.Serial,
		defaultTimeout: rec.DefaultTimeout,
	}
	q.scheduled.Store(rec.Scheduled)
	if rec.Serial {
		q.lock = serialLocker{q: q}
	} else {
		q.lock = plainLocker{}
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Serial reports whether the queue allows one claimed job at a time.
func (q *Queue) Serial() bool { return q.serial }

// Channel returns the queue's notification channel.
func (q *Queue) Channel() string { return store.Channel(q.name) }

// Timeout returns the effective timeout in seconds of a job on this queue.
func (q *Queue) Timeout(j *domain.Job) int {
	def := q.defaultTimeout
	if def <= 0 {
		def = q.mgr.defaultTimeout
	}
	return j.EffectiveTimeout(def)
}

// Lease is how long a serial lease is taken for before a job is known.
func (q *Queue) Lease() time.Duration {
	t := q.defaultTimeout
	if t <= 0 {
		t = q.mgr.defaultTimeout
	}
	return time.Duration(t)*time.Second + q.mgr.leaseGrace
}

// Enqueue stores a job that is due now, or at the start of the next allowed
// window if WithBetween or WithWeekdays is given, and wakes listeners.
func (q *Queue) Enqueue(ctx context.Context, fn string, args []any, kwargs map[string]any, opts ...JobOption) (*domain.Job, error) {
	return q.Schedule(ctx, q.mgr.now(), fn, args, kwargs, opts...)
}

// Schedule stores a job that becomes due at the given time.
func (q *Queue) Schedule(ctx context.Context, at time.Time, fn string, args []any, kwargs map[string]any, opts ...JobOption) (*domain.Job, error) {
	j, err := q.Build(at, fn, args, kwargs, opts...)
	if err != nil {
		return nil, err
	}
	if err := q.Put(ctx, q.mgr.store, j); err != nil {
		return nil, err
	}
	q.notify(ctx, strconv.FormatInt(j.ID, 10))
	return j, nil
}

// Build assembles a job for this queue without storing it.
func (q *Queue) Build(at time.Time, fn string, args []any, kwargs map[string]any, opts ...JobOption) (*domain.Job, error) {
	if fn == "" {
		return nil, fmt.Errorf("%w: function name is required", domain.ErrInvalidJob)
	}

	o := jobOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	if o.cron != "" {
		if _, err := schedule.ParseCron(o.cron); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidJob, err)
		}
	}
	if (o.repeat != 0 || o.repeatUntil != nil) && o.interval <= 0 && o.cron == "" {
		return nil, fmt.Errorf("%w: repeat requires an interval or a cron expression", domain.ErrInvalidJob)
	}
	if o.repeat < domain.RepeatForever {
		return nil, fmt.Errorf("%w: repeat must be >= %d", domain.ErrInvalidJob, domain.RepeatForever)
	}

	due, err := schedule.Apply(at, o.between, o.weekdays)
	if err != nil {
		return nil, err
	}

	now := q.mgr.now()
	j := &domain.Job{
		UUID:         o.uuid,
		Origin:       q.name,
		Queue:        q.name,
		Func:         fn,
		Description:  o.description,
		CreatedAt:    now,
		EnqueuedAt:   &now,
		ScheduledFor: due,
		ResultTTL:    q.mgr.defaultResultTTL,
		Repeat:       o.repeat,
		RepeatUntil:  o.repeatUntil,
		Interval:     o.interval,
		Cron:         o.cron,
		Between:      o.between,
		Weekdays:     o.weekdays,
		Status:       domain.JobStatusQueued,
	}
	if j.UUID == uuid.Nil {
		j.UUID = uuid.New()
	}
	if o.timeout > 0 {
		j.Timeout = int((o.timeout + time.Second - 1) / time.Second)
	}
	if o.resultTTL != nil {
		j.ResultTTL = *o.resultTTL
	}
	if due.After(now) {
		j.Status = domain.JobStatusScheduled
	}

	if j.Args, err = encode(args); err != nil {
		return nil, err
	}
	if j.Kwargs, err = encode(kwargs); err != nil {
		return nil, err
	}
	if o.instance != nil {
		if j.Instance, err = json.Marshal(o.instance); err != nil {
			return nil, fmt.Errorf("%w: instance: %v", domain.ErrInvalidPayload, err)
		}
	}
	if j.Description == "" {
		j.Description = describe(fn, args, kwargs)
	}
	return j, nil
}

// Put stores a built job through st, flagging the queue as scheduled first
// when the job is not yet due.
func (q *Queue) Put(ctx context.Context, st store.Store, j *domain.Job) error {
	if j.Status == domain.JobStatusScheduled && !q.scheduled.Load() {
		if err := st.MarkScheduled(ctx, q.name); err != nil {
			return fmt.Errorf("failed to mark queue scheduled: %w", err)
		}
		q.scheduled.Store(true)
	}
	if err := st.CreateJob(ctx, j); err != nil {
		return err
	}

	q.mgr.logger.Debug("Job enqueued",
		slog.String("queue", q.name),
		slog.Int64("job_id", j.ID),
		slog.String("func", j.Func),
		slog.Time("scheduled_for", j.ScheduledFor),
	)
	return nil
}

// Activate moves a job waiting in a flow onto this queue and wakes listeners.
func (q *Queue) Activate(ctx context.Context, j *domain.Job) error {
	if err := j.Transition(domain.JobStatusQueued); err != nil {
		return err
	}
	now := q.mgr.now()
	j.Queue = q.name
	j.EnqueuedAt = &now
	if j.ScheduledFor.Before(now) || j.ScheduledFor.IsZero() {
		j.ScheduledFor = now
	}
	if err := q.mgr.store.UpdateJob(ctx, j); err != nil {
		return err
	}
	q.notify(ctx, strconv.FormatInt(j.ID, 10))
	return nil
}

// TryLock takes the queue's lease. Plain queues always succeed. When the
// lease is held elsewhere the returned time is when it expires.
func (q *Queue) TryLock(ctx context.Context, lease time.Duration) (bool, time.Time, error) {
	return q.lock.tryLock(ctx, lease)
}

// Unlock releases the queue's lease.
func (q *Queue) Unlock(ctx context.Context) error {
	return q.lock.unlock(ctx)
}

// ExtendLock pushes the queue's lease out to until.
func (q *Queue) ExtendLock(ctx context.Context, until time.Time) error {
	return q.lock.extend(ctx, until)
}

// HoldFor extends a serial lease so it covers the full timeout of the claimed
// job. It is a no-op on plain queues.
func (q *Queue) HoldFor(ctx context.Context, j *domain.Job) error {
	if !q.serial {
		return nil
	}
	until := q.mgr.now().Add(time.Duration(q.Timeout(j))*time.Second + q.mgr.leaseGrace)
	return q.ExtendLock(ctx, until)
}

// ClaimNext claims the next runnable job of the queue.
func (q *Queue) ClaimNext(ctx context.Context, opts store.ClaimOptions) (store.ClaimResult, error) {
	return q.mgr.store.ClaimJob(ctx, q.name, opts)
}

// Dequeue claims one due job without blocking, taking and keeping the serial
// lease when one is claimed. It returns nil when nothing is runnable.
func (q *Queue) Dequeue(ctx context.Context) (*domain.Job, error) {
	ok, _, err := q.TryLock(ctx, q.Lease())
	if err != nil || !ok {
		return nil, err
	}

	now := q.mgr.now()
	res, err := q.ClaimNext(ctx, store.ClaimOptions{Now: now, Horizon: time.Second, Slack: time.Second})
	if err != nil || res.Job == nil {
		if unlockErr := q.Unlock(ctx); unlockErr != nil {
			q.mgr.logger.Warn("Failed to release lease", slog.String("queue", q.name), slog.Any("error", unlockErr))
		}
		return nil, err
	}
	if err := q.HoldFor(ctx, res.Job); err != nil {
		q.mgr.logger.Warn("Failed to extend lease", slog.String("queue", q.name), slog.Any("error", err))
	}
	if _, err := q.ScheduleSuccessor(ctx, res.Job, now); err != nil {
		q.mgr.logger.Error("Failed to schedule next occurrence",
			slog.String("queue", q.name),
			slog.Int64("job_id", res.Job.ID),
			slog.Any("error", err),
		)
	}
	return res.Job, nil
}

// ScheduleSuccessor stores the next occurrence of a recurring job that was
// claimed at claimedAt. It returns nil when the job does not recur.
func (q *Queue) ScheduleSuccessor(ctx context.Context, j *domain.Job, claimedAt time.Time) (*domain.Job, error) {
	occ, ok, err := schedule.Next(j, claimedAt)
	if err != nil || !ok {
		return nil, err
	}

	now := q.mgr.now()
	next := j.Clone()
	next.ID = 0
	next.UUID = uuid.New()
	next.Origin = q.name
	next.Queue = q.name
	next.CreatedAt = now
	next.EnqueuedAt = &now
	next.ScheduledFor = occ.At
	next.Repeat = occ.Repeat
	next.RepeatUntil = occ.RepeatUntil
	next.Status = occ.Status
	next.StartedAt, next.EndedAt, next.ExpiredAt = nil, nil, nil
	next.Result, next.ExcInfo = nil, ""
	next.FlowID, next.IfResult, next.IfFailed = nil, nil, nil

	if err := q.Put(ctx, q.mgr.store, next); err != nil {
		return nil, err
	}
	q.notify(ctx, strconv.FormatInt(next.ID, 10))

	q.mgr.logger.Info("Scheduled next occurrence",
		slog.String("queue", q.name),
		slog.Int64("job_id", j.ID),
		slog.Int64("next_job_id", next.ID),
		slog.Time("at", next.ScheduledFor),
		slog.Int("repeat", next.Repeat),
	)
	return next, nil
}

// Notify publishes payload on the queue's channel.
func (q *Queue) Notify(ctx context.Context, payload string) error {
	if q.mgr.pub == nil {
		return nil
	}
	return q.mgr.pub.Publish(ctx, q.Channel(), payload)
}

// notify is Notify for callers that already persisted their change; a lost
// wake-up only delays pick-up until the next poll.
func (q *Queue) notify(ctx context.Context, payload string) {
	if err := q.Notify(ctx, payload); err != nil {
		q.mgr.logger.Warn("Failed to notify queue",
			slog.String("queue", q.name),
			slog.Any("error", err),
		)
	}
}

// Count returns the number of jobs waiting in the queue.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.mgr.store.CountJobs(ctx, q.name)
}

// Jobs lists waiting jobs by id, starting after afterID.
func (q *Queue) Jobs(ctx context.Context, afterID int64, limit int) ([]*domain.Job, error) {
	return q.mgr.store.ListJobs(ctx, store.JobFilter{Queue: q.name, AfterID: afterID, Limit: limit})
}

// Clear deletes every waiting job.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	return q.mgr.store.ClearQueue(ctx, q.name)
}

// Delete removes the queue and its waiting jobs.
func (q *Queue) Delete(ctx context.Context) error {
	if err := q.mgr.store.DeleteQueue(ctx, q.name); err != nil {
		return err
	}
	q.mgr.forget(q.name)
	return nil
}

func encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return b, nil
}

func describe(fn string, args []any, kwargs map[string]any) string {
	parts := make([]string, 0, len(args)+len(kwargs))
	for _, a := range args {
		b, _ := json.Marshal(a)
		parts = append(parts, string(b))
	}
	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b, _ := json.Marshal(kwargs[k])
		parts = append(parts, k+"="+string(b))
	}
	return fn + "(" + strings.Join(parts, ", ") + ")"
}
