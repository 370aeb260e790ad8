package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/queue"
	"github.com/nicnocquee/dataqueue-sub002/internal/repository"
)

type JobHandler struct {
	queue  *queue.Queue
	logger *slog.Logger
}

func NewJobHandler(q *queue.Queue, logger *slog.Logger) *JobHandler {
	return &JobHandler{queue: q, logger: logger.With("component", "job_handler")}
}

type createJobRequest struct {
	JobType            string          `json:"job_type" binding:"required"`
	Payload            json.RawMessage `json:"payload"`
	Priority           int             `json:"priority"`
	MaxAttempts        int             `json:"max_attempts" binding:"omitempty,min=1"`
	RunAt              *time.Time      `json:"run_at"`
	TimeoutMs          int             `json:"timeout_ms" binding:"omitempty,min=0"`
	ForceKillOnTimeout bool            `json:"force_kill_on_timeout"`
	Tags               []string        `json:"tags"`
	IdempotencyKey     string          `json:"idempotency_key"`
}

type jobResponse struct {
	ID            int64                 `json:"id"`
	JobType       string                `json:"job_type"`
	Status        domain.JobStatus      `json:"status"`
	Priority      int                   `json:"priority"`
	RunAt         time.Time             `json:"run_at"`
	Attempts      int                   `json:"attempts"`
	MaxAttempts   int                   `json:"max_attempts"`
	Tags          []string              `json:"tags,omitempty"`
	Payload       json.RawMessage       `json:"payload,omitempty"`
	Progress      int                   `json:"progress,omitempty"`
	Output        json.RawMessage       `json:"output,omitempty"`
	PendingReason *string               `json:"pending_reason,omitempty"`
	FailureReason *domain.FailureReason `json:"failure_reason,omitempty"`
	ErrorHistory  []domain.ErrorEntry   `json:"error_history,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
}

func toJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:            job.ID,
		JobType:       job.JobType,
		Status:        job.Status,
		Priority:      job.Priority,
		RunAt:         job.RunAt,
		Attempts:      job.Attempts,
		MaxAttempts:   job.MaxAttempts,
		Tags:          job.Tags,
		Payload:       job.Payload,
		Progress:      job.Progress,
		Output:        job.Output,
		PendingReason: job.PendingReason,
		FailureReason: job.FailureReason,
		ErrorHistory:  job.ErrorHistory,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		CompletedAt:   job.CompletedAt,
	}
}

func (h *JobHandler) Create(ctx *gin.Context) {
	var req createJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.queue.AddJob(ctx.Request.Context(), queue.JobOptions{
		JobType:            req.JobType,
		Payload:            req.Payload,
		Priority:           req.Priority,
		MaxAttempts:        req.MaxAttempts,
		RunAt:              req.RunAt,
		TimeoutMs:          req.TimeoutMs,
		ForceKillOnTimeout: req.ForceKillOnTimeout,
		Tags:               req.Tags,
		IdempotencyKey:     req.IdempotencyKey,
	})
	if err != nil {
		h.logger.Error("create job", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusCreated, toJobResponse(job))
}

func (h *JobHandler) GetByID(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}

	job, err := h.queue.GetJob(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.Error("get job", "job_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, toJobResponse(job))
}

func (h *JobHandler) List(ctx *gin.Context) {
	query := repository.JobQuery{
		JobType: ctx.Query("job_type"),
		TagMode: domain.TagQueryMode(ctx.DefaultQuery("tag_mode", string(domain.TagModeAll))),
		Tags:    ctx.QueryArray("tag"),
	}
	if s := ctx.Query("status"); s != "" {
		status := domain.JobStatus(s)
		if !status.Valid() {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		query.Status = &status
	}
	if c := ctx.Query("cursor"); c != "" {
		cursor, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		query.Cursor = cursor
	}
	if l := ctx.Query("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 1 || limit > 1000 {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		query.Limit = limit
	}

	jobs, err := h.queue.GetJobs(ctx.Request.Context(), query)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTagMode) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid tag_mode"})
			return
		}
		h.logger.Error("list jobs", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	var nextCursor int64
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
		nextCursor = job.ID
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": out, "next_cursor": nextCursor})
}

func (h *JobHandler) Counts(ctx *gin.Context) {
	counts, err := h.queue.GetJobCounts(ctx.Request.Context())
	if err != nil {
		h.logger.Error("job counts", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, counts)
}

func (h *JobHandler) Events(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	events, err := h.queue.GetJobEvents(ctx.Request.Context(), id, 100)
	if err != nil {
		h.logger.Error("job events", "job_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *JobHandler) Retry(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	if err := h.queue.RetryJob(ctx.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
		case errors.Is(err, domain.ErrNotTerminal):
			ctx.JSON(http.StatusConflict, gin.H{"error": "Job is not in a terminal status"})
		default:
			h.logger.Error("retry job", "job_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "pending"})
}

func (h *JobHandler) Cancel(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	if err := h.queue.CancelJob(ctx.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.Error("cancel job", "job_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.Status(http.StatusNoContent)
}

type editJobRequest struct {
	Payload     json.RawMessage `json:"payload"`
	Priority    *int            `json:"priority"`
	Tags        []string        `json:"tags"`
	RunAt       *time.Time      `json:"run_at"`
	TimeoutMs   *int            `json:"timeout_ms"`
	MaxAttempts *int            `json:"max_attempts"`
}

func (h *JobHandler) Edit(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	var req editJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.queue.EditJob(ctx.Request.Context(), id, queue.JobUpdateOptions{
		Payload:     req.Payload,
		HasPayload:  req.Payload != nil,
		Priority:    req.Priority,
		Tags:        req.Tags,
		RunAt:       req.RunAt,
		TimeoutMs:   req.TimeoutMs,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
		case errors.Is(err, domain.ErrNotPending):
			ctx.JSON(http.StatusConflict, gin.H{"error": errJobNotPending})
		default:
			h.logger.Error("edit job", "job_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}
	ctx.JSON(http.StatusOK, toJobResponse(job))
}

type bulkCancelRequest struct {
	JobType string              `json:"job_type"`
	Tags    []string            `json:"tags"`
	TagMode domain.TagQueryMode `json:"tag_mode"`
}

func (h *JobHandler) CancelAll(ctx *gin.Context) {
	var req bulkCancelRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := h.queue.CancelAllUpcomingJobs(ctx.Request.Context(), queue.JobFilterOptions{
		JobType: req.JobType,
		Tags:    req.Tags,
		TagMode: req.TagMode,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTagMode) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid tag_mode"})
			return
		}
		h.logger.Error("cancel all upcoming jobs", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"cancelled": n})
}

func parseID(ctx *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || id < 1 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return id, true
}
