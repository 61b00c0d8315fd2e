package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/persist"
	"nuggetfactory/internal/queue"
)

// ReadinessCheck one dependency the service needs before it accepts work
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RecordReader read side of the job record store
type RecordReader interface {
	LoadRecord(ctx context.Context, jobID string) (*persist.Record, error)
	RecentRecords(ctx context.Context, limit int64) ([]*persist.Record, error)
}

// Handler API handler
type Handler struct {
	queueManager interfaces.QueueManager
	records      RecordReader
	checks       []ReadinessCheck
}

// NewHandler creates API handler. records may be nil.
func NewHandler(queueManager interfaces.QueueManager, records RecordReader, checks ...ReadinessCheck) *Handler {
	return &Handler{
		queueManager: queueManager,
		records:      records,
		checks:       checks,
	}
}

// RegisterRoutes registers routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	generationGroup := r.Group("/api/v1/generations")
	{
		generationGroup.POST("", h.submitGeneration)
		generationGroup.GET("/:id", h.getGeneration)
		generationGroup.GET("", h.listGenerations)
		generationGroup.DELETE("/:id", h.cancelGeneration)
	}

	if h.records != nil {
		jobGroup := r.Group("/api/v1/jobs")
		{
			jobGroup.GET("", h.listJobRecords)
			jobGroup.GET("/:id", h.getJobRecord)
		}
	}

	queueGroup := r.Group("/api/v1/queue")
	{
		queueGroup.GET("/metrics", h.getQueueMetrics)
	}

	// Health checks
	r.GET("/health", h.healthCheck)
	r.GET("/ready", h.readinessCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// submitGeneration queues a generation request
func (h *Handler) submitGeneration(c *gin.Context) {
	var req SubmitGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	task := queue.NewTask(req.Spec(), req.Priority)
	if err := h.queueManager.AddTask(c.Request.Context(), task); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, newGenerationResponse(task, false))
}

// getGeneration gets generation details
func (h *Handler) getGeneration(c *gin.Context) {
	task, err := h.queueManager.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Generation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, newGenerationResponse(task, true))
}

// listGenerations lists generations, newest first
func (h *Handler) listGenerations(c *gin.Context) {
	tasks, err := h.queueManager.GetTasksByStatus(c.Request.Context(), queue.TaskStatus(c.Query("status")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	response := make([]GenerationResponse, 0, len(tasks))
	for i := len(tasks) - 1; i >= 0; i-- {
		response = append(response, newGenerationResponse(tasks[i], false))
	}

	c.JSON(http.StatusOK, gin.H{
		"generations": response,
		"count":       len(response),
	})
}

// cancelGeneration cancels a pending or running generation
func (h *Handler) cancelGeneration(c *gin.Context) {
	err := h.queueManager.CancelTask(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Generation cancelled successfully"})
	case errors.Is(err, queue.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Generation not found"})
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Generation cannot be cancelled", Details: err.Error()})
	}
}

// listJobRecords lists the most recently finished backend jobs
func (h *Handler) listJobRecords(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
		return
	}

	records, err := h.records.RecentRecords(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  records,
		"count": len(records),
	})
}

// getJobRecord gets the record of one backend job
func (h *Handler) getJobRecord(c *gin.Context) {
	record, err := h.records.LoadRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, persist.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

// getQueueMetrics gets queue metrics
func (h *Handler) getQueueMetrics(c *gin.Context) {
	metrics, err := h.queueManager.GetMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// healthCheck performs health check
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// readinessCheck runs every dependency check
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	failures := gin.H{}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			failures[check.Name] = err.Error()
		}
	}

	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "not ready",
			"failures": failures,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}
