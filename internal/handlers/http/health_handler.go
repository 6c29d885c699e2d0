package http

import (
	"net/http"
	"time"

	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	checker  *monitoring.HealthChecker
	registry ports.RoomRegistry
	sessions func() int
	started  time.Time
}

// NewHealthHandler wires liveness and readiness probes. sessions may be nil.
func NewHealthHandler(checker *monitoring.HealthChecker, registry ports.RoomRegistry, sessions func() int) *HealthHandler {
	if sessions == nil {
		sessions = func() int { return 0 }
	}
	return &HealthHandler{
		checker:  checker,
		registry: registry,
		sessions: sessions,
		started:  time.Now(),
	}
}

func (h *HealthHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{
		"status":   "ok",
		"uptime":   time.Since(h.started).Round(time.Second).String(),
		"sessions": h.sessions(),
	}
	if rooms, err := h.registry.Rooms(c.Request.Context()); err == nil {
		body["rooms"] = rooms
	}
	c.JSON(http.StatusOK, body)
}

func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
