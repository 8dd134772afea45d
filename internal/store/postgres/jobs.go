package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/store"
)

const jobColumns = `id, uuid, origin, queue, func, instance, args, kwargs, description,
	created_at, enqueued_at, scheduled_for, started_at, ended_at, expired_at,
	timeout, result_ttl, repeat, repeat_until, repeat_interval_ms, cron, time_window, weekdays,
	status, result, exc_info, flow_id, if_result, if_failed`

// jobRow mirrors a pq_jobs row; nullable columns use sql.Null* wrappers.
type jobRow struct {
	ID           int64          `db:"id"`
	UUID         uuid.UUID      `db:"uuid"`
	Origin       string         `db:"origin"`
	Queue        sql.NullString `db:"queue"`
	Func         string         `db:"func"`
	Instance     []byte         `db:"instance"`
	Args         []byte         `db:"args"`
	Kwargs       []byte         `db:"kwargs"`
	Description  string         `db:"description"`
	CreatedAt    time.Time      `db:"created_at"`
	EnqueuedAt   sql.NullTime   `db:"enqueued_at"`
	ScheduledFor time.Time      `db:"scheduled_for"`
	StartedAt    sql.NullTime   `db:"started_at"`
	EndedAt      sql.NullTime   `db:"ended_at"`
	ExpiredAt    sql.NullTime   `db:"expired_at"`
	Timeout      int            `db:"timeout"`
	ResultTTL    int            `db:"result_ttl"`
	Repeat       int            `db:"repeat"`
	RepeatUntil  sql.NullTime   `db:"repeat_until"`
	IntervalMS   int64          `db:"repeat_interval_ms"`
	Cron         string         `db:"cron"`
	Between      string         `db:"time_window"`
	Weekdays     pq.Int64Array  `db:"weekdays"`
	Status       string         `db:"status"`
	Result       []byte         `db:"result"`
	ExcInfo      string         `db:"exc_info"`
	FlowID       sql.NullInt64  `db:"flow_id"`
	IfResult     uuid.NullUUID  `db:"if_result"`
	IfFailed     uuid.NullUUID  `db:"if_failed"`
}

func (r *jobRow) toDomain() *domain.Job {
	j := &domain.Job{
		ID:           r.ID,
		UUID:         r.UUID,
		Origin:       r.Origin,
		Queue:        r.Queue.String,
		Func:         r.Func,
		Instance:     r.Instance,
		Args:         r.Args,
		Kwargs:       r.Kwargs,
		Description:  r.Description,
		CreatedAt:    r.CreatedAt,
		EnqueuedAt:   timePtr(r.EnqueuedAt),
		ScheduledFor: r.ScheduledFor,
		StartedAt:    timePtr(r.StartedAt),
		EndedAt:      timePtr(r.EndedAt),
		ExpiredAt:    timePtr(r.ExpiredAt),
		Timeout:      r.Timeout,
		ResultTTL:    r.ResultTTL,
		Repeat:       r.Repeat,
		RepeatUntil:  timePtr(r.RepeatUntil),
		Interval:     time.Duration(r.IntervalMS) * time.Millisecond,
		Cron:         r.Cron,
		Between:      r.Between,
		Status:       domain.JobStatus(r.Status),
		Result:       r.Result,
		ExcInfo:      r.ExcInfo,
	}
	for _, d := range r.Weekdays {
		j.Weekdays = append(j.Weekdays, time.Weekday(d))
	}
	if r.FlowID.Valid {
		id := r.FlowID.Int64
		j.FlowID = &id
	}
	if r.IfResult.Valid {
		u := r.IfResult.UUID
		j.IfResult = &u
	}
	if r.IfFailed.Valid {
		u := r.IfFailed.UUID
		j.IfFailed = &u
	}
	return j
}

// jsonParam sends JSONB as text; lib/pq would encode []byte as bytea.
func jsonParam(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func weekdaysParam(days []time.Weekday) any {
	if days == nil {
		return nil
	}
	out := make(pq.Int64Array, len(days))
	for i, d := range days {
		out[i] = int64(d)
	}
	return out
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullUUID(v *uuid.UUID) uuid.NullUUID {
	if v == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *v, Valid: true}
}

// CreateJob inserts a job and assigns its id
func (s *Store) CreateJob(ctx context.Context, j *domain.Job) error {
	if j.UUID == uuid.Nil {
		j.UUID = uuid.New()
	}

	query := `
		INSERT INTO pq_jobs (
			uuid, origin, queue, func, instance, args, kwargs, description,
			created_at, enqueued_at, scheduled_for, timeout, result_ttl,
			repeat, repeat_until, repeat_interval_ms, cron, time_window, weekdays,
			status, flow_id, if_result, if_failed
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23
		)
		RETURNING id
	`

	err := s.ext().QueryRowxContext(ctx, query,
		j.UUID, j.Origin, nullString(j.Queue), j.Func,
		jsonParam(j.Instance), jsonParam(j.Args), jsonParam(j.Kwargs), j.Description,
		j.CreatedAt, nullTime(j.EnqueuedAt), j.ScheduledFor, j.Timeout, j.ResultTTL,
		j.Repeat, nullTime(j.RepeatUntil), j.Interval.Milliseconds(), j.Cron, j.Between, weekdaysParam(j.Weekdays),
		string(j.Status), nullInt64(j.FlowID), nullUUID(j.IfResult), nullUUID(j.IfFailed),
	).Scan(&j.ID)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug("Job created",
		slog.Int64("job_id", j.ID),
		slog.String("queue", j.Queue),
		slog.String("status", j.Status.String()),
	)
	return nil
}

// GetJob retrieves a job by its id
func (s *Store) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, s.ext(), &row, `SELECT `+jobColumns+` FROM pq_jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain(), nil
}

// GetJobByUUID retrieves a job by its correlation id
func (s *Store) GetJobByUUID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, s.ext(), &row, `SELECT `+jobColumns+` FROM pq_jobs WHERE uuid = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateJob writes every mutable column of the job
func (s *Store) UpdateJob(ctx context.Context, j *domain.Job) error {
	query := `
		UPDATE pq_jobs SET
			queue = $2, instance = $3, args = $4, kwargs = $5, description = $6,
			enqueued_at = $7, scheduled_for = $8, started_at = $9, ended_at = $10, expired_at = $11,
			timeout = $12, result_ttl = $13, repeat = $14, repeat_until = $15,
			repeat_interval_ms = $16, cron = $17, time_window = $18, weekdays = $19,
			status = $20, result = $21, exc_info = $22, flow_id = $23, if_result = $24, if_failed = $25
		WHERE id = $1
	`

	res, err := s.ext().ExecContext(ctx, query,
		j.ID, nullString(j.Queue), jsonParam(j.Instance), jsonParam(j.Args), jsonParam(j.Kwargs), j.Description,
		nullTime(j.EnqueuedAt), j.ScheduledFor, nullTime(j.StartedAt), nullTime(j.EndedAt), nullTime(j.ExpiredAt),
		j.Timeout, j.ResultTTL, j.Repeat, nullTime(j.RepeatUntil),
		j.Interval.Milliseconds(), j.Cron, j.Between, weekdaysParam(j.Weekdays),
		string(j.Status), jsonParam(j.Result), j.ExcInfo, nullInt64(j.FlowID), nullUUID(j.IfResult), nullUUID(j.IfFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job record
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.ext().ExecContext(ctx, `DELETE FROM pq_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// ListJobs returns jobs matching the filter ordered by id
func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM pq_jobs
		WHERE ($1 = '' OR queue = $1)
		  AND ($2 = '' OR origin = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4 = 0 OR flow_id = $4)
		  AND id > $5
		ORDER BY id
		LIMIT NULLIF($6, 0)
	`

	var rows []jobRow
	err := sqlx.SelectContext(ctx, s.ext(), &rows, query,
		f.Queue, f.Origin, string(f.Status), f.FlowID, f.AfterID, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}

// CountJobs counts the jobs waiting in a queue
func (s *Store) CountJobs(ctx context.Context, queue string) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, s.ext(), &n, `SELECT count(*) FROM pq_jobs WHERE queue = $1`, queue); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// ClearQueue deletes every job waiting in a queue
func (s *Store) ClearQueue(ctx context.Context, queue string) (int64, error) {
	res, err := s.ext().ExecContext(ctx, `DELETE FROM pq_jobs WHERE queue = $1`, queue)
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClaimJob moves the next pending job of the queue to Started. The queue's
// scheduled flag is read inside the claim transaction so it is never stale.
func (s *Store) ClaimJob(ctx context.Context, queue string, opts store.ClaimOptions) (store.ClaimResult, error) {
	var res store.ClaimResult

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var scheduled bool
		err := tx.GetContext(ctx, &scheduled, `SELECT scheduled FROM pq_queues WHERE name = $1`, queue)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to read queue: %w", err)
		}

		var candidate struct {
			ID           int64     `db:"id"`
			ScheduledFor time.Time `db:"scheduled_for"`
		}
		if !scheduled {
			err = tx.GetContext(ctx, &candidate, `
				SELECT id, scheduled_for
				FROM pq_jobs
				WHERE queue = $1 AND status IN ('queued', 'scheduled')
				ORDER BY id
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			`, queue)
		} else {
			err = tx.GetContext(ctx, &candidate, `
				SELECT id, scheduled_for
				FROM pq_jobs
				WHERE queue = $1 AND status IN ('queued', 'scheduled') AND scheduled_for <= $2
				ORDER BY scheduled_for, id
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			`, queue, opts.Now.Add(opts.Horizon))
		}
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to select job: %w", err)
		}

		if scheduled && candidate.ScheduledFor.After(opts.Now.Add(opts.Slack)) {
			due := candidate.ScheduledFor
			res.NextDue = &due
			return nil
		}

		var row jobRow
		err = tx.GetContext(ctx, &row, `
			UPDATE pq_jobs
			SET queue = NULL, status = 'started', started_at = $2
			WHERE id = $1
			RETURNING `+jobColumns, candidate.ID, opts.Now)
		if err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}
		res.Job = row.toDomain()
		return nil
	})
	if err != nil {
		if isContention(err) {
			s.logger.Debug("Claim lost to a concurrent transaction", slog.String("queue", queue))
			return store.ClaimResult{}, nil
		}
		return store.ClaimResult{}, err
	}

	if res.Job != nil {
		s.logger.Debug("Job claimed",
			slog.Int64("job_id", res.Job.ID),
			slog.String("queue", queue),
		)
	}
	return res, nil
}
