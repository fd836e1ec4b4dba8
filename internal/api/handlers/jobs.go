package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printqueue/internal/core"
	"github.com/orrn/printqueue/internal/jobs"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type CreateJobRequest struct {
	PrinterTarget  jobs.PrinterTarget  `json:"printerTarget"`
	Payload        string              `json:"payload" binding:"required"`
	RenderSettings jobs.RenderSettings `json:"renderSettings"`
	Priority       jobs.Priority       `json:"priority"`
	Metadata       map[string]any      `json:"metadata"`
}

type CreateJobResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type JobHandler struct {
	service *core.Service
}

func NewJobHandler(service *core.Service) *JobHandler {
	return &JobHandler{service: service}
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	if _, err := core.Address(req.PrinterTarget); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_target",
			Message: err.Error(),
		})
		return
	}

	id, err := h.service.Submit(core.JobRequest{
		PrinterTarget:  req.PrinterTarget,
		Payload:        req.Payload,
		RenderSettings: req.RenderSettings,
		Priority:       req.Priority,
		Metadata:       req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidPriority), errors.Is(err, core.ErrEmptyPayload):
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: err.Error(),
			})
		case errors.Is(err, core.ErrClosed):
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error:   "shutting_down",
				Message: "Queue is shutting down",
			})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "submit_failed",
				Message: "Failed to submit job",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, CreateJobResponse{
		ID:      id,
		Message: "job submitted successfully",
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.service.GetJob(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Job not found",
		})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) DeleteJob(c *gin.Context) {
	if !h.service.RemoveJob(c.Param("id")) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Job not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job removed"})
}

func (h *JobHandler) RetryJob(c *gin.Context) {
	id := c.Param("id")
	if !h.service.RetryFailedJob(id) {
		if _, ok := h.service.GetJob(id); ok {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "not_failed",
				Message: "Only failed jobs can be retried",
			})
			return
		}
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Job not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job queued for retry"})
}

func (h *JobHandler) GetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.GetQueueStatus())
}

func (h *JobHandler) PauseQueue(c *gin.Context) {
	h.service.Pause()
	c.JSON(http.StatusOK, gin.H{"message": "queue paused"})
}

func (h *JobHandler) ResumeQueue(c *gin.Context) {
	h.service.Resume()
	c.JSON(http.StatusOK, gin.H{"message": "queue resumed"})
}

func (h *JobHandler) ClearQueue(c *gin.Context) {
	h.service.Clear()
	c.JSON(http.StatusOK, gin.H{"message": "queue cleared"})
}

// GetHistory returns recent terminal jobs, newest first, optionally filtered
// by ?status= and capped by ?limit=.
func (h *JobHandler) GetHistory(c *gin.Context) {
	status := jobs.Status(c.Query("status"))
	if status != "" && status != jobs.StatusCompleted && status != jobs.StatusFailed {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_status",
			Message: "status must be completed or failed",
		})
		return
	}

	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	out := make([]jobs.PrintJob, 0)
	for _, job := range h.service.History() {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) == limit {
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{"jobs": out, "count": len(out)})
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs/:id", h.GetJob)
	r.DELETE("/jobs/:id", h.DeleteJob)
	r.POST("/jobs/:id/retry", h.RetryJob)
	r.GET("/queue", h.GetQueue)
	r.POST("/queue/pause", h.PauseQueue)
	r.POST("/queue/resume", h.ResumeQueue)
	r.POST("/queue/clear", h.ClearQueue)
	r.GET("/history", h.GetHistory)
}
