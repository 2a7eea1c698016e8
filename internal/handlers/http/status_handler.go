// Package http serves the hammer's status endpoints.
package http

import (
	"net/http"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/internal/infrastructure/middleware"
	"confhammer/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatsSource provides the latest fleet aggregate.
type StatsSource interface {
	Latest() *domain.FleetStats
}

type StatusHandler struct {
	health  *monitoring.HealthChecker
	stats   StatsSource
	metrics http.Handler
	started time.Time
}

// NewStatusHandler serves /metrics only when metrics is non-nil.
func NewStatusHandler(health *monitoring.HealthChecker, stats StatsSource, metrics http.Handler) *StatusHandler {
	return &StatusHandler{
		health:  health,
		stats:   stats,
		metrics: metrics,
		started: time.Now(),
	}
}

func (h *StatusHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/stats", h.Stats)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status.Status,
		"timestamp": status.Timestamp,
		"uptime":    time.Since(h.started).String(),
		"checks":    status.Checks,
	})
}

// Stats returns the latest aggregate. Per-session details are included with
// ?details=true.
func (h *StatusHandler) Stats(c *gin.Context) {
	latest := h.stats.Latest()
	if latest == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no stats collected yet"})
		return
	}
	out := *latest
	if c.Query("details") != "true" {
		out.Details = nil
	}
	c.JSON(http.StatusOK, out)
}

// NewRouter builds the status router with recovery and tracing.
func NewRouter(logger *zap.SugaredLogger, handler *StatusHandler, debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger), middleware.TracingMiddleware(), middleware.ErrorHandlerMiddleware(logger))
	handler.SetupRoutes(router)
	return router
}
