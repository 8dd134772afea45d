package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/store"
)

// FailedQueue is the sink for jobs whose execution failed. Jobs in it keep
// their origin so they can be requeued.
type FailedQueue struct {
	mgr *Manager
	q   *Queue
}

// Name returns the failed queue's name.
func (f *FailedQueue) Name() string { return f.q.name }

// Quarantine stores a failed job in the failed queue with its error text.
func (f *FailedQueue) Quarantine(ctx context.Context, j *domain.Job, excInfo string) error {
	if j.Status != domain.JobStatusFailed {
		if err := j.Transition(domain.JobStatusFailed); err != nil {
			return err
		}
	}
	j.Queue = domain.FailedQueueName
	j.ExcInfo = excInfo
	j.ExpiredAt = nil
	if err := f.mgr.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("failed to quarantine job %d: %w", j.ID, err)
	}

	f.mgr.logger.Warn("Job moved to failed queue",
		slog.Int64("job_id", j.ID),
		slog.String("origin", j.Origin),
		slog.String("func", j.Func),
	)
	return nil
}

// Requeue puts a failed job back on its origin queue as a fresh attempt.
func (f *FailedQueue) Requeue(ctx context.Context, id int64) (*domain.Job, error) {
	j, err := f.mgr.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Queue != domain.FailedQueueName || j.Status != domain.JobStatusFailed {
		return nil, fmt.Errorf("%w: job %d", domain.ErrNotInFailedQueue, id)
	}

	origin, err := f.mgr.Get(ctx, j.Origin)
	if err != nil {
		return nil, err
	}

	if err := j.Transition(domain.JobStatusQueued); err != nil {
		return nil, err
	}
	now := f.mgr.now()
	j.Queue = origin.name
	j.ScheduledFor = now
	j.StartedAt, j.EndedAt, j.ExpiredAt = nil, nil, nil
	j.Result, j.ExcInfo = nil, ""
	// Its successor was already seeded when it was first claimed.
	j.Repeat, j.RepeatUntil = 0, nil
	if err := f.mgr.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}
	origin.notify(ctx, strconv.FormatInt(j.ID, 10))

	f.mgr.logger.Info("Job requeued",
		slog.Int64("job_id", j.ID),
		slog.String("queue", origin.name),
	)
	return j, nil
}

// RequeueAll requeues every job in the failed queue and returns how many
// were moved.
func (f *FailedQueue) RequeueAll(ctx context.Context) (int, error) {
	var (
		moved   int
		afterID int64
	)
	for {
		jobs, err := f.List(ctx, afterID, 100)
		if err != nil {
			return moved, err
		}
		if len(jobs) == 0 {
			return moved, nil
		}
		for _, j := range jobs {
			afterID = j.ID
			if _, err := f.Requeue(ctx, j.ID); err != nil {
				return moved, err
			}
			moved++
		}
	}
}

// List returns failed jobs ordered by id, starting after afterID.
func (f *FailedQueue) List(ctx context.Context, afterID int64, limit int) ([]*domain.Job, error) {
	return f.mgr.store.ListJobs(ctx, store.JobFilter{
		Queue:   domain.FailedQueueName,
		Status:  domain.JobStatusFailed,
		AfterID: afterID,
		Limit:   limit,
	})
}

// Count returns the number of jobs in the failed queue.
func (f *FailedQueue) Count(ctx context.Context) (int, error) {
	return f.mgr.store.CountJobs(ctx, domain.FailedQueueName)
}

// Clear deletes every job in the failed queue.
func (f *FailedQueue) Clear(ctx context.Context) (int64, error) {
	return f.mgr.store.ClearQueue(ctx, domain.FailedQueueName)
}
