package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/pgqueue/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "pgqueue-api",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "pgqueue-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	workerHandler := handler.NewWorkerHandler(deps)

	v1 := r.Group("/api/v1")
	{
		queues := v1.Group("/queues")
		{
			queues.GET("", jobHandler.ListQueues)
			queues.POST("/:queue/jobs", jobHandler.EnqueueJob)
			queues.POST("/:queue/scheduled", jobHandler.ScheduleJob)
			queues.GET("/:queue/jobs", jobHandler.ListQueueJobs)
			queues.DELETE("/:queue/jobs", jobHandler.ClearQueue)
		}

		jobs := v1.Group("/jobs")
		{
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}

		failed := v1.Group("/failed")
		{
			failed.GET("/jobs", jobHandler.ListFailed)
			failed.POST("/jobs/:job_id/requeue", jobHandler.RequeueFailed)
			failed.POST("/requeue", jobHandler.RequeueAllFailed)
		}

		workers := v1.Group("/workers")
		{
			workers.GET("", workerHandler.ListWorkers)
			workers.POST("/:name/stop", workerHandler.StopWorker)
		}
	}

	return r
}
