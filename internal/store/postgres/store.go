// Package postgres implements store.Store on PostgreSQL through sqlx and
// lib/pq. Claims and serial leases rely on row locks taken with
// FOR UPDATE SKIP LOCKED inside short transactions.
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

	"github.com/cuongbtq/pgqueue/internal/store"
)

// Store handles all database operations of the job queue
type Store struct {
	db     *sqlx.DB
	tx     *sqlx.Tx
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New creates a new Store instance
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// ext returns the handle statements should run on.
func (s *Store) ext() sqlx.ExtContext {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// withTx runs fn in a transaction, reusing the enclosing one inside InTx.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	if s.tx != nil {
		return fn(s.tx)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("Failed to rollback transaction", slog.Any("error", rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InTx runs fn against a Store bound to one transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&Store{db: s.db, tx: tx, logger: s.logger})
	})
}

// SweepExpired deletes jobs and flows past their retention deadline.
func (s *Store) SweepExpired(ctx context.Context, origins []string, now time.Time) (store.SweepResult, error) {
	var res store.SweepResult
	if origins == nil {
		origins = []string{}
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		jobs, err := tx.ExecContext(ctx, `
			DELETE FROM pq_jobs
			WHERE expired_at IS NOT NULL
			  AND expired_at <= $1
			  AND (cardinality($2::text[]) = 0 OR origin = ANY($2))
		`, now, pq.StringArray(origins))
		if err != nil {
			return fmt.Errorf("failed to sweep jobs: %w", err)
		}
		res.Jobs, _ = jobs.RowsAffected()

		flows, err := tx.ExecContext(ctx, `
			DELETE FROM pq_flows
			WHERE expired_at IS NOT NULL
			  AND expired_at <= $1
			  AND (cardinality($2::text[]) = 0 OR queue = ANY($2))
		`, now, pq.StringArray(origins))
		if err != nil {
			return fmt.Errorf("failed to sweep flows: %w", err)
		}
		res.Flows, _ = flows.RowsAffected()
		return nil
	})
	if err != nil {
		return store.SweepResult{}, err
	}

	if res.Jobs > 0 || res.Flows > 0 {
		s.logger.Info("Swept expired records",
			slog.Int64("jobs", res.Jobs),
			slog.Int64("flows", res.Flows),
		)
	}
	return res, nil
}

// isContention reports errors that mean another transaction won a race.
func isContention(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	}
	return false
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
