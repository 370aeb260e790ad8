package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/queue"
)

type CronHandler struct {
	queue  *queue.Queue
	logger *slog.Logger
}

func NewCronHandler(q *queue.Queue, logger *slog.Logger) *CronHandler {
	return &CronHandler{queue: q, logger: logger.With("component", "cron_handler")}
}

type createScheduleRequest struct {
	ScheduleName       string          `json:"schedule_name" binding:"required"`
	CronExpression     string          `json:"cron_expression" binding:"required"`
	Timezone           string          `json:"timezone"`
	JobType            string          `json:"job_type" binding:"required"`
	Payload            json.RawMessage `json:"payload"`
	Priority           int             `json:"priority"`
	MaxAttempts        int             `json:"max_attempts" binding:"omitempty,min=1"`
	TimeoutMs          int             `json:"timeout_ms" binding:"omitempty,min=0"`
	ForceKillOnTimeout bool            `json:"force_kill_on_timeout"`
	Tags               []string        `json:"tags"`
	AllowOverlap       bool            `json:"allow_overlap"`
}

type scheduleResponse struct {
	ID             int64                 `json:"id"`
	ScheduleName   string                `json:"schedule_name"`
	CronExpression string                `json:"cron_expression"`
	Timezone       string                `json:"timezone,omitempty"`
	JobType        string                `json:"job_type"`
	Status         domain.ScheduleStatus `json:"status"`
	NextRunAt      time.Time             `json:"next_run_at"`
	LastEnqueuedAt *time.Time            `json:"last_enqueued_at,omitempty"`
	LastJobID      *int64                `json:"last_job_id,omitempty"`
	AllowOverlap   bool                  `json:"allow_overlap"`
	Tags           []string              `json:"tags,omitempty"`
}

func toScheduleResponse(s *domain.CronSchedule) scheduleResponse {
	return scheduleResponse{
		ID:             s.ID,
		ScheduleName:   s.ScheduleName,
		CronExpression: s.CronExpression,
		Timezone:       s.Timezone,
		JobType:        s.JobType,
		Status:         s.Status,
		NextRunAt:      s.NextRunAt,
		LastEnqueuedAt: s.LastEnqueuedAt,
		LastJobID:      s.LastJobID,
		AllowOverlap:   s.AllowOverlap,
		Tags:           s.Tags,
	}
}

func (h *CronHandler) Create(ctx *gin.Context) {
	var req createScheduleRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sched, err := h.queue.AddCronJob(ctx.Request.Context(), queue.CronScheduleOptions{
		ScheduleName:       req.ScheduleName,
		CronExpression:     req.CronExpression,
		Timezone:           req.Timezone,
		JobType:            req.JobType,
		Payload:            req.Payload,
		Priority:           req.Priority,
		MaxAttempts:        req.MaxAttempts,
		TimeoutMs:          req.TimeoutMs,
		ForceKillOnTimeout: req.ForceKillOnTimeout,
		Tags:               req.Tags,
		AllowOverlap:       req.AllowOverlap,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrScheduleNameConflict):
			ctx.JSON(http.StatusConflict, gin.H{"error": errScheduleConflict})
		case errors.Is(err, domain.ErrInvalidCronExpr), errors.Is(err, domain.ErrInvalidTimezone):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("create schedule", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusCreated, toScheduleResponse(sched))
}

func (h *CronHandler) List(ctx *gin.Context) {
	scheds, err := h.queue.ListCronJobs(ctx.Request.Context())
	if err != nil {
		h.logger.Error("list schedules", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	out := make([]scheduleResponse, 0, len(scheds))
	for _, s := range scheds {
		out = append(out, toScheduleResponse(s))
	}
	ctx.JSON(http.StatusOK, gin.H{"schedules": out})
}

func (h *CronHandler) GetByID(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	sched, err := h.queue.GetCronJob(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errScheduleNotFound})
			return
		}
		h.logger.Error("get schedule", "schedule_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, toScheduleResponse(sched))
}

type editScheduleRequest struct {
	CronExpression *string         `json:"cron_expression"`
	Timezone       *string         `json:"timezone"`
	Payload        json.RawMessage `json:"payload"`
	Priority       *int            `json:"priority"`
	MaxAttempts    *int            `json:"max_attempts"`
	TimeoutMs      *int            `json:"timeout_ms"`
	Tags           []string        `json:"tags"`
	AllowOverlap   *bool           `json:"allow_overlap"`
}

func (h *CronHandler) Edit(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	var req editScheduleRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sched, err := h.queue.EditCronJob(ctx.Request.Context(), id, queue.CronScheduleUpdate{
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Payload:        req.Payload,
		HasPayload:     req.Payload != nil,
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
		TimeoutMs:      req.TimeoutMs,
		Tags:           req.Tags,
		AllowOverlap:   req.AllowOverlap,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrScheduleNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errScheduleNotFound})
		case errors.Is(err, domain.ErrInvalidCronExpr), errors.Is(err, domain.ErrInvalidTimezone):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("edit schedule", "schedule_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}
	ctx.JSON(http.StatusOK, toScheduleResponse(sched))
}

func (h *CronHandler) Pause(ctx *gin.Context) {
	h.setStatus(ctx, h.queue.PauseCronJob, "paused")
}

func (h *CronHandler) Resume(ctx *gin.Context) {
	h.setStatus(ctx, h.queue.ResumeCronJob, "active")
}

func (h *CronHandler) setStatus(ctx *gin.Context, op func(ctx context.Context, id int64) error, status string) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	if err := op(ctx.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errScheduleNotFound})
			return
		}
		h.logger.Error("set schedule status", "schedule_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *CronHandler) Remove(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	if err := h.queue.RemoveCronJob(ctx.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errScheduleNotFound})
			return
		}
		h.logger.Error("remove schedule", "schedule_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.Status(http.StatusNoContent)
}
