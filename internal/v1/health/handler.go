// Package health exposes Kubernetes-style liveness and readiness probes.
// Liveness only proves the process is up; readiness additionally verifies
// the dependencies signaling cannot run without.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/driftcall/server/internal/v1/logging"
)

// checkTimeout bounds the whole readiness probe.
const checkTimeout = 3 * time.Second

// Pinger is the reachability check a dependency exposes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the health endpoints.
type Handler struct {
	store     Pinger
	analytics Pinger
}

// NewHandler wires the probes. store is the shared state store and must not
// be nil; analytics may be nil when the analytics sink is disabled, which
// removes it from the readiness checks.
func NewHandler(store Pinger, analytics Pinger) *Handler {
	return &Handler{store: store, analytics: analytics}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. It returns 200 whenever the process
// can serve HTTP; no dependencies are consulted.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. It returns 200 only while every
// dependency answers a ping, 503 otherwise, so the load balancer stops
// routing new connections to a degraded instance.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	checks := map[string]string{
		"redis": h.check(ctx, "redis", h.store),
	}
	if h.analytics != nil {
		checks["analytics"] = h.check(ctx, "analytics", h.analytics)
	}

	status := "ready"
	statusCode := http.StatusOK
	for _, state := range checks {
		if state != "healthy" {
			status = "unavailable"
			statusCode = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) check(ctx context.Context, name string, dep Pinger) string {
	if err := dep.Ping(ctx); err != nil {
		logging.Error(ctx, "readiness check failed",
			zap.String("dependency", name),
			zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
