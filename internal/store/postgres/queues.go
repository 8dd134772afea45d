package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/pgqueue/internal/domain"
)

const queueColumns = `name, default_timeout, scheduled, serial, lock_expires`

type queueRow struct {
	Name           string    `db:"name"`
	DefaultTimeout int       `db:"default_timeout"`
	Scheduled      bool      `db:"scheduled"`
	Serial         bool      `db:"serial"`
	LockExpires    time.Time `db:"lock_expires"`
}

func (r *queueRow) toDomain() *domain.Queue {
	return &domain.Queue{
		Name:           r.Name,
		DefaultTimeout: r.DefaultTimeout,
		Scheduled:      r.Scheduled,
		Serial:         r.Serial,
		LockExpires:    r.LockExpires,
	}
}

// EnsureQueue returns the queue record, creating it on first use
func (s *Store) EnsureQueue(ctx context.Context, q *domain.Queue) (*domain.Queue, error) {
	var row queueRow
	err := sqlx.GetContext(ctx, s.ext(), &row, `
		INSERT INTO pq_queues (name, default_timeout, scheduled, serial, lock_expires)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING `+queueColumns,
		q.Name, q.DefaultTimeout, q.Scheduled, q.Serial, q.LockExpires)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure queue: %w", err)
	}
	return row.toDomain(), nil
}

// GetQueue retrieves a queue by name
func (s *Store) GetQueue(ctx context.Context, name string) (*domain.Queue, error) {
	var row queueRow
	err := sqlx.GetContext(ctx, s.ext(), &row, `SELECT `+queueColumns+` FROM pq_queues WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrQueueNotFound
		}
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}
	return row.toDomain(), nil
}

// ListQueues returns every queue ordered by name
func (s *Store) ListQueues(ctx context.Context) ([]*domain.Queue, error) {
	var rows []queueRow
	if err := sqlx.SelectContext(ctx, s.ext(), &rows, `SELECT `+queueColumns+` FROM pq_queues ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	out := make([]*domain.Queue, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// MarkScheduled flags a queue as having received time-scheduled jobs
func (s *Store) MarkScheduled(ctx context.Context, name string) error {
	res, err := s.ext().ExecContext(ctx, `UPDATE pq_queues SET scheduled = TRUE WHERE name = $1 AND NOT scheduled`, name)
	if err != nil {
		return fmt.Errorf("failed to mark queue scheduled: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("Queue marked as scheduled", slog.String("queue", name))
	}
	return nil
}

// DeleteQueue removes a queue and the jobs waiting in it
func (s *Store) DeleteQueue(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pq_jobs WHERE queue = $1`, name); err != nil {
			return fmt.Errorf("failed to delete queue jobs: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM pq_queues WHERE name = $1`, name)
		if err != nil {
			return fmt.Errorf("failed to delete queue: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrQueueNotFound
		}
		return nil
	})
}

// AcquireLock takes a serial queue's lease if it has expired. The row is
// selected with SKIP LOCKED so a concurrent acquirer makes this call report
// "not acquired" instead of blocking.
func (s *Store) AcquireLock(ctx context.Context, name string, now, until time.Time) (bool, time.Time, error) {
	var (
		acquired bool
		expires  time.Time
	)

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current time.Time
		err := tx.GetContext(ctx, &current, `
			SELECT lock_expires
			FROM pq_queues
			WHERE name = $1 AND lock_expires <= $2
			FOR UPDATE SKIP LOCKED
		`, name, now)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to lock queue: %w", err)
			}
			if err := tx.GetContext(ctx, &expires, `SELECT lock_expires FROM pq_queues WHERE name = $1`, name); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return domain.ErrQueueNotFound
				}
				return fmt.Errorf("failed to read lease: %w", err)
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE pq_queues SET lock_expires = $2 WHERE name = $1`, name, until); err != nil {
			return fmt.Errorf("failed to take lease: %w", err)
		}
		acquired, expires = true, until
		return nil
	})
	if err != nil {
		if isContention(err) {
			return false, now, nil
		}
		return false, time.Time{}, err
	}
	return acquired, expires, nil
}

// ReleaseLock ends a serial queue's lease immediately
func (s *Store) ReleaseLock(ctx context.Context, name string, now time.Time) error {
	res, err := s.ext().ExecContext(ctx, `UPDATE pq_queues SET lock_expires = $2 WHERE name = $1`, name, now)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrQueueNotFound
	}
	return nil
}

// ExtendLock pushes a held lease forward; it never shortens it
func (s *Store) ExtendLock(ctx context.Context, name string, until time.Time) error {
	_, err := s.ext().ExecContext(ctx, `
		UPDATE pq_queues SET lock_expires = GREATEST(lock_expires, $2) WHERE name = $1
	`, name, until)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	return nil
}
