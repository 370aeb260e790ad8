package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/queue"
)

type TokenHandler struct {
	queue  *queue.Queue
	logger *slog.Logger
}

func NewTokenHandler(q *queue.Queue, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{queue: q, logger: logger.With("component", "token_handler")}
}

type createTokenRequest struct {
	Timeout string   `json:"timeout"`
	Tags    []string `json:"tags"`
}

type tokenResponse struct {
	ID        string                 `json:"id"`
	Status    domain.WaitpointStatus `json:"status"`
	JobID     *int64                 `json:"job_id,omitempty"`
	TimeoutAt *time.Time             `json:"timeout_at,omitempty"`
	Data      json.RawMessage        `json:"data,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

func toTokenResponse(wp *domain.Waitpoint) tokenResponse {
	return tokenResponse{
		ID:        wp.ID,
		Status:    wp.Status,
		JobID:     wp.JobID,
		TimeoutAt: wp.TimeoutAt,
		Data:      wp.Data,
		Tags:      wp.Tags,
		CreatedAt: wp.CreatedAt,
	}
}

func (h *TokenHandler) Create(ctx *gin.Context) {
	var req createTokenRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wp, err := h.queue.CreateToken(ctx.Request.Context(), queue.CreateTokenOptions{
		Timeout: req.Timeout,
		Tags:    req.Tags,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTimeout) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("create token", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusCreated, toTokenResponse(wp))
}

func (h *TokenHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")

	wp, err := h.queue.GetToken(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrWaitpointNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errTokenNotFound})
			return
		}
		h.logger.Error("get token", "token_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, toTokenResponse(wp))
}

type completeTokenRequest struct {
	Data json.RawMessage `json:"data"`
}

func (h *TokenHandler) Complete(ctx *gin.Context) {
	id := ctx.Param("id")

	var req completeTokenRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.queue.CompleteToken(ctx.Request.Context(), id, req.Data); err != nil {
		if errors.Is(err, domain.ErrWaitpointNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errTokenNotFound})
			return
		}
		h.logger.Error("complete token", "token_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"status": "completed"})
}
