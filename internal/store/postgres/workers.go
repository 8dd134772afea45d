package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/pgqueue/internal/domain"
)

const workerColumns = `name, birth, expire, queue_names, heartbeat, stop`

type workerRow struct {
	Name       string         `db:"name"`
	Birth      time.Time      `db:"birth"`
	Expire     int            `db:"expire"`
	QueueNames pq.StringArray `db:"queue_names"`
	Heartbeat  time.Time      `db:"heartbeat"`
	Stop       bool           `db:"stop"`
}

func (r *workerRow) toDomain() *domain.Worker {
	return &domain.Worker{
		Name:       r.Name,
		Birth:      r.Birth,
		Expire:     r.Expire,
		QueueNames: []string(r.QueueNames),
		Heartbeat:  r.Heartbeat,
		Stop:       r.Stop,
	}
}

// RegisterWorker creates a worker registration
func (s *Store) RegisterWorker(ctx context.Context, w *domain.Worker) error {
	names := w.QueueNames
	if names == nil {
		names = []string{}
	}

	res, err := s.ext().ExecContext(ctx, `
		INSERT INTO pq_workers (name, birth, expire, queue_names, heartbeat, stop)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO NOTHING
	`, w.Name, w.Birth, w.Expire, pq.StringArray(names), w.Heartbeat, w.Stop)
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrWorkerExists
	}

	s.logger.Info("Worker registered",
		slog.String("worker", w.Name),
		slog.Any("queues", w.QueueNames),
	)
	return nil
}

// GetWorker retrieves a worker registration by name
func (s *Store) GetWorker(ctx context.Context, name string) (*domain.Worker, error) {
	var row workerRow
	err := sqlx.GetContext(ctx, s.ext(), &row, `SELECT `+workerColumns+` FROM pq_workers WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return row.toDomain(), nil
}

// ListWorkers returns every registration ordered by name
func (s *Store) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	var rows []workerRow
	if err := sqlx.SelectContext(ctx, s.ext(), &rows, `SELECT `+workerColumns+` FROM pq_workers ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	out := make([]*domain.Worker, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// TouchWorker moves a worker's lease deadline
func (s *Store) TouchWorker(ctx context.Context, name string, heartbeat time.Time) error {
	return s.updateWorker(ctx, `UPDATE pq_workers SET heartbeat = $2 WHERE name = $1`, name, heartbeat)
}

// SetWorkerStop sets or clears the external stop flag
func (s *Store) SetWorkerStop(ctx context.Context, name string, stop bool) error {
	return s.updateWorker(ctx, `UPDATE pq_workers SET stop = $2 WHERE name = $1`, name, stop)
}

// DeleteWorker removes a registration
func (s *Store) DeleteWorker(ctx context.Context, name string) error {
	return s.updateWorker(ctx, `DELETE FROM pq_workers WHERE name = $1`, name)
}

func (s *Store) updateWorker(ctx context.Context, query string, args ...any) error {
	res, err := s.ext().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

// PruneWorkers deletes registrations whose lease has run out
func (s *Store) PruneWorkers(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.ext().ExecContext(ctx, `DELETE FROM pq_workers WHERE heartbeat <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to prune workers: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn("Pruned dead worker registrations", slog.Int64("count", n))
	}
	return n, nil
}
