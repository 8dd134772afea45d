package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/queue"
)

// ExceptionHandler is called for every failed job, most recently pushed
// first. Returning false stops the walk so later handlers (including the
// default one that moves the job to the failed queue) do not run.
type ExceptionHandler func(ctx context.Context, j *domain.Job, err error) bool

// PushExceptionHandler puts h on top of the handler stack.
func (w *Worker) PushExceptionHandler(h ExceptionHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// moveToFailed is the bottom of the handler stack.
func (w *Worker) moveToFailed(ctx context.Context, j *domain.Job, err error) bool {
	failed, ferr := w.mgr.Failed(ctx)
	if ferr == nil {
		ferr = failed.Quarantine(ctx, j, j.ExcInfo)
	}
	if ferr != nil {
		w.logger.Error("Failed to move job to failed queue",
			slog.Int64("job_id", j.ID),
			slog.Any("error", ferr),
		)
	}
	return true
}

// finish records a successful run. The lease is released whether or not
// the result could be saved.
func (w *Worker) finish(ctx context.Context, j *domain.Job, q *queue.Queue, result json.RawMessage) error {
	err := w.saveResult(ctx, j, result)
	w.release(ctx, q)
	if err != nil {
		return err
	}

	if err := w.flows.OnSuccess(ctx, j); err != nil {
		w.logger.Error("Failed to advance flow", slog.Int64("job_id", j.ID), slog.Any("error", err))
	}
	return nil
}

func (w *Worker) saveResult(ctx context.Context, j *domain.Job, result json.RawMessage) error {
	if err := j.Transition(domain.JobStatusFinished); err != nil {
		return err
	}
	ended := w.mgr.Now()
	j.EndedAt = &ended
	j.Result = result

	var err error
	switch {
	case j.ResultTTL == 0:
		err = w.mgr.Store().DeleteJob(ctx, j.ID)
	case j.ResultTTL > 0:
		exp := ended.Add(time.Duration(j.ResultTTL) * time.Second)
		j.ExpiredAt = &exp
		err = w.mgr.Store().UpdateJob(ctx, j)
	default:
		err = w.mgr.Store().UpdateJob(ctx, j)
	}
	if err != nil {
		return fmt.Errorf("failed to save result of job %d: %w", j.ID, err)
	}
	return nil
}

// fail records a failed run and walks the exception handlers.
func (w *Worker) fail(ctx context.Context, j *domain.Job, q *queue.Queue, cause error) error {
	err := w.saveFailure(ctx, j, cause)
	w.release(ctx, q)
	if err != nil {
		return err
	}

	if err := w.flows.OnFailure(ctx, j); err != nil {
		w.logger.Error("Failed to advance flow", slog.Int64("job_id", j.ID), slog.Any("error", err))
	}

	w.mu.Lock()
	stack := make([]ExceptionHandler, len(w.handlers))
	copy(stack, w.handlers)
	w.mu.Unlock()

	for i := len(stack) - 1; i >= 0; i-- {
		if !stack[i](ctx, j, cause) {
			break
		}
	}
	return nil
}

func (w *Worker) saveFailure(ctx context.Context, j *domain.Job, cause error) error {
	if err := j.Transition(domain.JobStatusFailed); err != nil {
		return err
	}
	ended := w.mgr.Now()
	j.EndedAt = &ended
	j.ExcInfo = cause.Error()
	if err := w.mgr.Store().UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("failed to save failure of job %d: %w", j.ID, err)
	}
	return nil
}

func (w *Worker) release(ctx context.Context, q *queue.Queue) {
	if err := q.Unlock(ctx); err != nil {
		w.logger.Warn("Failed to release lease",
			slog.String("queue", q.Name()),
			slog.Any("error", err),
		)
	}
}
