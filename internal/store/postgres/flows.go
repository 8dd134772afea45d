package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/pgqueue/internal/domain"
)

const flowColumns = `id, name, queue, job_ids, status, enqueued_at, ended_at, expired_at, result_ttl`

type flowRow struct {
	ID         int64         `db:"id"`
	Name       string        `db:"name"`
	Queue      string        `db:"queue"`
	JobIDs     pq.Int64Array `db:"job_ids"`
	Status     string        `db:"status"`
	EnqueuedAt sql.NullTime  `db:"enqueued_at"`
	EndedAt    sql.NullTime  `db:"ended_at"`
	ExpiredAt  sql.NullTime  `db:"expired_at"`
	ResultTTL  int           `db:"result_ttl"`
}

func (r *flowRow) toDomain() *domain.Flow {
	return &domain.Flow{
		ID:         r.ID,
		Name:       r.Name,
		Queue:      r.Queue,
		JobIDs:     []int64(r.JobIDs),
		Status:     domain.FlowStatus(r.Status),
		EnqueuedAt: timePtr(r.EnqueuedAt),
		EndedAt:    timePtr(r.EndedAt),
		ExpiredAt:  timePtr(r.ExpiredAt),
		ResultTTL:  r.ResultTTL,
	}
}

func jobIDsParam(ids []int64) pq.Int64Array {
	if ids == nil {
		return pq.Int64Array{}
	}
	return pq.Int64Array(ids)
}

// CreateFlow inserts a flow record and assigns its id
func (s *Store) CreateFlow(ctx context.Context, f *domain.Flow) error {
	err := s.ext().QueryRowxContext(ctx, `
		INSERT INTO pq_flows (name, queue, job_ids, status, enqueued_at, ended_at, expired_at, result_ttl)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, f.Name, f.Queue, jobIDsParam(f.JobIDs), string(f.Status),
		nullTime(f.EnqueuedAt), nullTime(f.EndedAt), nullTime(f.ExpiredAt), f.ResultTTL,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("failed to create flow: %w", err)
	}
	return nil
}

// GetFlow retrieves a flow by id
func (s *Store) GetFlow(ctx context.Context, id int64) (*domain.Flow, error) {
	var row flowRow
	err := sqlx.GetContext(ctx, s.ext(), &row, `SELECT `+flowColumns+` FROM pq_flows WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrFlowNotFound
		}
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateFlow writes the mutable columns of a flow
func (s *Store) UpdateFlow(ctx context.Context, f *domain.Flow) error {
	res, err := s.ext().ExecContext(ctx, `
		UPDATE pq_flows
		SET name = $2, job_ids = $3, status = $4, enqueued_at = $5, ended_at = $6, expired_at = $7, result_ttl = $8
		WHERE id = $1
	`, f.ID, f.Name, jobIDsParam(f.JobIDs), string(f.Status),
		nullTime(f.EnqueuedAt), nullTime(f.EndedAt), nullTime(f.ExpiredAt), f.ResultTTL)
	if err != nil {
		return fmt.Errorf("failed to update flow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrFlowNotFound
	}
	return nil
}

// DeleteFlow removes a flow record; member jobs keep existing unlinked
func (s *Store) DeleteFlow(ctx context.Context, id int64) error {
	res, err := s.ext().ExecContext(ctx, `DELETE FROM pq_flows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrFlowNotFound
	}
	return nil
}
