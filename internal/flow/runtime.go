package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/queue"
)

// Runtime advances flows as their member jobs complete.
type Runtime struct {
	mgr *queue.Manager
}

// NewRuntime creates a Runtime.
func NewRuntime(mgr *queue.Manager) *Runtime {
	return &Runtime{mgr: mgr}
}

// OnSuccess activates the successor of a finished flow member, or finalizes
// the flow when the member was the last one.
func (r *Runtime) OnSuccess(ctx context.Context, j *domain.Job) error {
	if j.FlowID == nil {
		return nil
	}
	f, err := r.flow(ctx, *j.FlowID)
	if err != nil || f == nil {
		return err
	}

	if j.IfFailed != nil {
		if err := r.discard(ctx, f, *j.IfFailed); err != nil {
			return err
		}
	}
	if j.IfResult != nil {
		return r.activate(ctx, f, *j.IfResult)
	}
	return r.finish(ctx, f)
}

// OnFailure activates the failure branch of a failed flow member, if any, and
// marks the flow failed.
func (r *Runtime) OnFailure(ctx context.Context, j *domain.Job) error {
	if j.FlowID == nil {
		return nil
	}
	f, err := r.flow(ctx, *j.FlowID)
	if err != nil || f == nil {
		return err
	}

	if j.IfFailed != nil {
		if err := r.activate(ctx, f, *j.IfFailed); err != nil {
			return err
		}
	}

	now := r.mgr.Now()
	f.Status = domain.FlowStatusFailed
	f.EndedAt = &now
	f.ExpiredAt = nil
	if err := r.mgr.Store().UpdateFlow(ctx, f); err != nil {
		return fmt.Errorf("failed to update flow %d: %w", f.ID, err)
	}

	r.mgr.Logger().Warn("Flow failed",
		slog.Int64("flow_id", f.ID),
		slog.Int64("job_id", j.ID),
	)
	return nil
}

// flow loads the owning flow; a flow already swept is not an error.
func (r *Runtime) flow(ctx context.Context, id int64) (*domain.Flow, error) {
	f, err := r.mgr.Store().GetFlow(ctx, id)
	if errors.Is(err, domain.ErrFlowNotFound) {
		r.mgr.Logger().Debug("Flow no longer exists", slog.Int64("flow_id", id))
		return nil, nil
	}
	return f, err
}

func (r *Runtime) activate(ctx context.Context, f *domain.Flow, id uuid.UUID) error {
	next, err := r.mgr.Store().GetJobByUUID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load next flow job: %w", err)
	}
	if next.Status != domain.JobStatusPendingInFlow {
		return nil
	}

	q, err := r.mgr.Get(ctx, f.Queue)
	if err != nil {
		return err
	}
	if err := q.Activate(ctx, next); err != nil {
		return fmt.Errorf("failed to activate flow job %d: %w", next.ID, err)
	}

	r.mgr.Logger().Info("Flow advanced",
		slog.Int64("flow_id", f.ID),
		slog.Int64("job_id", next.ID),
		slog.String("queue", q.Name()),
	)
	return nil
}

// discard deletes a failure branch that can no longer run.
func (r *Runtime) discard(ctx context.Context, f *domain.Flow, id uuid.UUID) error {
	alt, err := r.mgr.Store().GetJobByUUID(ctx, id)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load flow failure branch: %w", err)
	}
	if alt.Status != domain.JobStatusPendingInFlow {
		return nil
	}
	if err := r.mgr.Store().DeleteJob(ctx, alt.ID); err != nil {
		return fmt.Errorf("failed to delete flow job %d: %w", alt.ID, err)
	}

	ids := f.JobIDs[:0]
	for _, jid := range f.JobIDs {
		if jid != alt.ID {
			ids = append(ids, jid)
		}
	}
	f.JobIDs = ids
	if err := r.mgr.Store().UpdateFlow(ctx, f); err != nil {
		return fmt.Errorf("failed to update flow %d: %w", f.ID, err)
	}
	return nil
}

func (r *Runtime) finish(ctx context.Context, f *domain.Flow) error {
	now := r.mgr.Now()
	if f.ExpiredAt != nil && !f.ExpiredAt.After(now) {
		return r.mgr.Store().DeleteFlow(ctx, f.ID)
	}

	f.EndedAt = &now
	if f.Status == domain.FlowStatusQueued {
		f.Status = domain.FlowStatusFinished
	}
	switch {
	case f.Status == domain.FlowStatusFailed:
		// kept for inspection
	case f.ResultTTL == 0:
		return r.mgr.Store().DeleteFlow(ctx, f.ID)
	case f.ResultTTL > 0:
		exp := now.Add(time.Duration(f.ResultTTL) * time.Second)
		f.ExpiredAt = &exp
	}
	if err := r.mgr.Store().UpdateFlow(ctx, f); err != nil {
		return fmt.Errorf("failed to update flow %d: %w", f.ID, err)
	}

	r.mgr.Logger().Info("Flow finished",
		slog.Int64("flow_id", f.ID),
		slog.String("status", string(f.Status)),
	)
	return nil
}
