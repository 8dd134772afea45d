package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/queue"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Manager *queue.Manager
	// Health reports whether the backing database is reachable. Optional.
	Health func(ctx context.Context) error
}

// JobHandler handles job, queue and failed-queue requests
type JobHandler struct {
	logger *slog.Logger
	mgr    *queue.Manager
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		mgr:    deps.Manager,
	}
}

// WorkerHandler handles worker registration requests
type WorkerHandler struct {
	logger *slog.Logger
	mgr    *queue.Manager
}

// NewWorkerHandler creates a new WorkerHandler instance
func NewWorkerHandler(deps *Dependencies) *WorkerHandler {
	return &WorkerHandler{
		logger: deps.Logger,
		mgr:    deps.Manager,
	}
}

// statusFor maps store and domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrQueueNotFound),
		errors.Is(err, domain.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotInFailedQueue),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidWindow),
		errors.Is(err, domain.ErrInvalidJob),
		errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func pageSize(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

func abortWithError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
