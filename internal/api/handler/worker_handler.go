package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/pgqueue/internal/api/dto"
	"github.com/cuongbtq/pgqueue/internal/worker"
)

// ListWorkers handles GET /api/v1/workers
func (h *WorkerHandler) ListWorkers(c *gin.Context) {
	workers, err := h.mgr.Store().ListWorkers(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list workers", slog.Any("error", err))
		abortWithError(c, http.StatusInternalServerError, "Failed to list workers")
		return
	}

	now := h.mgr.Now()
	out := make([]dto.WorkerDTO, len(workers))
	for i, w := range workers {
		out[i] = dto.NewWorkerDTO(w, now)
	}
	c.JSON(http.StatusOK, gin.H{"workers": out})
}

// StopWorker handles POST /api/v1/workers/:name/stop
// Sets the stop flag and wakes the worker on every queue it listens on
func (h *WorkerHandler) StopWorker(c *gin.Context) {
	name := c.Param("name")

	err := worker.RequestStop(c.Request.Context(), h.mgr.Store(), h.mgr.Publisher(), name)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Failed to stop worker", slog.String("worker", name), slog.Any("error", err))
			abortWithError(c, status, "Failed to stop worker")
			return
		}
		abortWithError(c, status, err.Error())
		return
	}

	h.logger.Info("Worker stop requested", slog.String("worker", name))
	c.JSON(http.StatusAccepted, gin.H{"worker": name, "stop": true})
}
