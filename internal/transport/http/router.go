package httptransport

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/nicnocquee/dataqueue-sub002/internal/transport/http/handler"
	"github.com/nicnocquee/dataqueue-sub002/internal/transport/http/middleware"
)

// NewRouter wires the admin API. Everything under /api/v1 requires a
// Bearer JWT signed with jwtKey.
func NewRouter(
	logger *slog.Logger,
	jobHandler *handler.JobHandler,
	cronHandler *handler.CronHandler,
	tokenHandler *handler.TokenHandler,
	jwtKey []byte,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(sloggin.New(logger.With("component", "http")))
	r.Use(middleware.Metrics())

	api := r.Group("/api/v1")
	api.Use(middleware.Auth(jwtKey))

	jobs := api.Group("/jobs")
	{
		jobs.POST("", jobHandler.Create)
		jobs.GET("", jobHandler.List)
		jobs.GET("/counts", jobHandler.Counts)
		jobs.POST("/cancel", jobHandler.CancelAll)
		jobs.GET("/:id", jobHandler.GetByID)
		jobs.PATCH("/:id", jobHandler.Edit)
		jobs.GET("/:id/events", jobHandler.Events)
		jobs.POST("/:id/retry", jobHandler.Retry)
		jobs.POST("/:id/cancel", jobHandler.Cancel)
	}

	schedules := api.Group("/schedules")
	{
		schedules.POST("", cronHandler.Create)
		schedules.GET("", cronHandler.List)
		schedules.GET("/:id", cronHandler.GetByID)
		schedules.PATCH("/:id", cronHandler.Edit)
		schedules.DELETE("/:id", cronHandler.Remove)
		schedules.POST("/:id/pause", cronHandler.Pause)
		schedules.POST("/:id/resume", cronHandler.Resume)
	}

	tokens := api.Group("/tokens")
	{
		tokens.POST("", tokenHandler.Create)
		tokens.GET("/:id", tokenHandler.GetByID)
		tokens.POST("/:id/complete", tokenHandler.Complete)
	}

	return r
}
