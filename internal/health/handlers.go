package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the body of GET /health.
type Response struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Checks    []Status `json:"checks"`
	Timestamp string   `json:"timestamp"`
}

// Handler serves liveness, readiness and the aggregate report.
type Handler struct {
	registry *Registry
	version  string
	ready    atomic.Bool
	alive    atomic.Bool
}

func NewHandler(r *Registry, version string) *Handler {
	h := &Handler{registry: r, version: version}
	h.alive.Store(true)
	return h
}

// SetReady flips readiness; the server clears it while draining.
func (h *Handler) SetReady(v bool) { h.ready.Store(v) }

// SetAlive flips liveness.
func (h *Handler) SetAlive(v bool) { h.alive.Store(v) }

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := h.registry.CheckAll(ctx)
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, Response{
		Status:    status,
		Version:   h.version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Live handles GET /health/live
func (h *Handler) Live(c *gin.Context) {
	if !h.alive.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready handles GET /health/ready. It fails while the server is starting or
// draining, and whenever a critical check fails.
func (h *Handler) Ready(c *gin.Context) {
	if !h.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if healthy, statuses := h.registry.CheckCritical(ctx); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
