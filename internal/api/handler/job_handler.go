package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/pgqueue/internal/api/dto"
	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/queue"
	"github.com/cuongbtq/pgqueue/internal/store"
)

// EnqueueJob handles POST /api/v1/queues/:queue/jobs
// Stores a job that is due now (or at the next allowed window)
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.Any("error", err))
		abortWithError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	q, opts, ok := h.prepare(c, &req)
	if !ok {
		return
	}

	j, err := q.Enqueue(c.Request.Context(), req.Func, req.Args, req.Kwargs, opts...)
	if err != nil {
		h.fail(c, "Failed to enqueue job", err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewJobDTO(j))
}

// ScheduleJob handles POST /api/v1/queues/:queue/scheduled
// Stores a job that becomes due at an absolute time or after a delay
func (h *JobHandler) ScheduleJob(c *gin.Context) {
	var req dto.ScheduleJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.Any("error", err))
		abortWithError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var at time.Time
	switch {
	case req.At != nil && req.In != "":
		abortWithError(c, http.StatusBadRequest, "at and in are mutually exclusive")
		return
	case req.At != nil:
		at = *req.At
	case req.In != "":
		d, err := time.ParseDuration(req.In)
		if err != nil || d < 0 {
			abortWithError(c, http.StatusBadRequest, "in must be a non-negative duration")
			return
		}
		at = h.mgr.Now().Add(d)
	default:
		abortWithError(c, http.StatusBadRequest, "one of at or in is required")
		return
	}

	q, opts, ok := h.prepare(c, &req.EnqueueJobRequest)
	if !ok {
		return
	}

	j, err := q.Schedule(c.Request.Context(), at, req.Func, req.Args, req.Kwargs, opts...)
	if err != nil {
		h.fail(c, "Failed to schedule job", err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewJobDTO(j))
}

// prepare resolves the target queue and translates the request into job
// options. It writes the error response itself and reports false on failure.
func (h *JobHandler) prepare(c *gin.Context, req *dto.EnqueueJobRequest) (*queue.Queue, []queue.JobOption, bool) {
	opts, err := jobOptions(req)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return nil, nil, false
	}

	name := c.Param("queue")
	if name == domain.FailedQueueName {
		abortWithError(c, http.StatusBadRequest, "jobs cannot be enqueued on the failed queue")
		return nil, nil, false
	}

	var q *queue.Queue
	if req.Serial {
		q, err = h.mgr.Serial(c.Request.Context(), name)
	} else {
		q, err = h.mgr.Get(c.Request.Context(), name)
	}
	if err != nil {
		h.fail(c, "Failed to open queue", err)
		return nil, nil, false
	}
	return q, opts, true
}

func jobOptions(req *dto.EnqueueJobRequest) ([]queue.JobOption, error) {
	var opts []queue.JobOption

	if req.UUID != "" {
		id, err := uuid.Parse(req.UUID)
		if err != nil {
			return nil, fmt.Errorf("uuid must be a valid UUID")
		}
		opts = append(opts, queue.WithUUID(id))
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("timeout must be a positive duration")
		}
		opts = append(opts, queue.WithTimeout(d))
	}
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("interval must be a positive duration")
		}
		opts = append(opts, queue.WithInterval(d))
	}
	if req.ResultTTL != nil {
		opts = append(opts, queue.WithResultTTL(*req.ResultTTL))
	}
	if req.Description != "" {
		opts = append(opts, queue.WithDescription(req.Description))
	}
	if req.Instance != nil {
		opts = append(opts, queue.WithInstance(req.Instance))
	}
	if req.Repeat != 0 {
		opts = append(opts, queue.WithRepeat(req.Repeat))
	}
	if req.RepeatUntil != nil {
		opts = append(opts, queue.WithRepeatUntil(*req.RepeatUntil))
	}
	if req.Cron != "" {
		opts = append(opts, queue.WithCron(req.Cron))
	}
	if req.Between != "" {
		opts = append(opts, queue.WithBetween(req.Between))
	}
	if len(req.Weekdays) > 0 {
		days := make([]time.Weekday, len(req.Weekdays))
		for i, d := range req.Weekdays {
			days[i] = time.Weekday(d)
		}
		opts = append(opts, queue.WithWeekdays(days...))
	}
	return opts, nil
}

// GetJob handles GET /api/v1/jobs/:job_id
// The id may be the numeric job id or the job UUID
func (h *JobHandler) GetJob(c *gin.Context) {
	j, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(j))
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Only finished and failed jobs can be deleted
func (h *JobHandler) DeleteJob(c *gin.Context) {
	j, ok := h.lookup(c)
	if !ok {
		return
	}

	if j.Status != domain.JobStatusFinished && j.Status != domain.JobStatusFailed {
		abortWithError(c, http.StatusConflict, fmt.Sprintf("job is %s, only finished or failed jobs can be deleted", j.Status))
		return
	}

	if err := h.mgr.Store().DeleteJob(c.Request.Context(), j.ID); err != nil {
		h.fail(c, "Failed to delete job", err)
		return
	}

	h.logger.Info("Job deleted", slog.Int64("job_id", j.ID))
	c.Status(http.StatusNoContent)
}

func (h *JobHandler) lookup(c *gin.Context) (*domain.Job, bool) {
	raw := c.Param("job_id")
	ctx := c.Request.Context()

	var (
		j   *domain.Job
		err error
	)
	if id, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
		j, err = h.mgr.Store().GetJob(ctx, id)
	} else if u, uerr := uuid.Parse(raw); uerr == nil {
		j, err = h.mgr.Store().GetJobByUUID(ctx, u)
	} else {
		abortWithError(c, http.StatusBadRequest, "job_id must be a numeric id or a UUID")
		return nil, false
	}
	if err != nil {
		h.fail(c, "Failed to get job", err)
		return nil, false
	}
	return j, true
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs in id order with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid query parameters")
		return
	}

	status := domain.JobStatus(req.Status)
	if status != "" && !status.Valid() {
		abortWithError(c, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	h.page(c, req.Cursor, req.PageSize, func(ctx context.Context, afterID int64, limit int) ([]*domain.Job, error) {
		return h.mgr.Store().ListJobs(ctx, store.JobFilter{
			Queue:   req.Queue,
			Origin:  req.Origin,
			Status:  status,
			FlowID:  req.FlowID,
			AfterID: afterID,
			Limit:   limit,
		})
	})
}

// ListQueueJobs handles GET /api/v1/queues/:queue/jobs
// Lists the jobs waiting in one queue
func (h *JobHandler) ListQueueJobs(c *gin.Context) {
	q, err := h.mgr.Lookup(c.Request.Context(), c.Param("queue"))
	if err != nil {
		h.fail(c, "Failed to get queue", err)
		return
	}
	h.page(c, c.Query("cursor"), queryInt(c, "page_size"), q.Jobs)
}

// ListFailed handles GET /api/v1/failed/jobs
func (h *JobHandler) ListFailed(c *gin.Context) {
	fq, err := h.mgr.Failed(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to open failed queue", err)
		return
	}
	h.page(c, c.Query("cursor"), queryInt(c, "page_size"), fq.List)
}

// page runs one cursor-paginated listing. It fetches one extra row to learn
// whether a next page exists.
func (h *JobHandler) page(c *gin.Context, cursor string, size int, list func(ctx context.Context, afterID int64, limit int) ([]*domain.Job, error)) {
	afterID, err := DecodeJobCursor(cursor)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid cursor")
		return
	}
	size = pageSize(size)

	jobs, err := list(c.Request.Context(), afterID, size+1)
	if err != nil {
		h.fail(c, "Failed to list jobs", err)
		return
	}

	hasMore := len(jobs) > size
	if hasMore {
		jobs = jobs[:size]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, j := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(j)
	}
	if hasMore {
		resp.NextCursor = EncodeJobCursor(jobs[len(jobs)-1].ID)
	}
	c.JSON(http.StatusOK, resp)
}

// RequeueFailed handles POST /api/v1/failed/jobs/:job_id/requeue
func (h *JobHandler) RequeueFailed(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("job_id"), 10, 64)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "job_id must be a numeric id")
		return
	}

	fq, err := h.mgr.Failed(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to open failed queue", err)
		return
	}

	j, err := fq.Requeue(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to requeue job", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(j))
}

// RequeueAllFailed handles POST /api/v1/failed/requeue
func (h *JobHandler) RequeueAllFailed(c *gin.Context) {
	fq, err := h.mgr.Failed(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to open failed queue", err)
		return
	}

	n, err := fq.RequeueAll(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to requeue jobs", err)
		return
	}
	c.JSON(http.StatusOK, dto.RequeueAllResponse{Requeued: n})
}

// ListQueues handles GET /api/v1/queues
func (h *JobHandler) ListQueues(c *gin.Context) {
	ctx := c.Request.Context()
	recs, err := h.mgr.Store().ListQueues(ctx)
	if err != nil {
		h.fail(c, "Failed to list queues", err)
		return
	}

	out := make([]dto.QueueDTO, 0, len(recs))
	for _, rec := range recs {
		n, err := h.mgr.Store().CountJobs(ctx, rec.Name)
		if err != nil {
			h.fail(c, "Failed to count jobs", err)
			return
		}
		out = append(out, dto.QueueDTO{
			Name:      rec.Name,
			Serial:    rec.Serial,
			Scheduled: rec.Scheduled,
			Count:     n,
		})
	}
	c.JSON(http.StatusOK, gin.H{"queues": out})
}

// ClearQueue handles DELETE /api/v1/queues/:queue/jobs
func (h *JobHandler) ClearQueue(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("queue")

	var (
		n   int64
		err error
	)
	if name == domain.FailedQueueName {
		var fq *queue.FailedQueue
		if fq, err = h.mgr.Failed(ctx); err == nil {
			n, err = fq.Clear(ctx)
		}
	} else {
		var q *queue.Queue
		if q, err = h.mgr.Lookup(ctx, name); err == nil {
			n, err = q.Clear(ctx)
		}
	}
	if err != nil {
		h.fail(c, "Failed to clear queue", err)
		return
	}

	h.logger.Info("Queue cleared", slog.String("queue", name), slog.Int64("deleted", n))
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *JobHandler) fail(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.Any("error", err))
		abortWithError(c, status, msg)
		return
	}
	abortWithError(c, status, err.Error())
}

func queryInt(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(c.Query(key))
	return n
}
