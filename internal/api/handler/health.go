package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

const readinessTimeout = 3 * time.Second

// HealthHandler reports liveness and backend readiness
type HealthHandler struct {
	logger  *slog.Logger
	service string
	checks  map[string]func(ctx context.Context) error
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(service string, deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger:  deps.Logger,
		service: service,
		checks:  deps.HealthChecks,
	}
}

// Live answers as long as the process serves HTTP
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.service,
	})
}

// Ready runs every backend probe and answers 503 when any of them fails
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	components := make(gin.H, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("Readiness check failed",
				slog.String("component", name),
				slog.String("error", err.Error()),
			)
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "unavailable"
	}
	c.JSON(status, gin.H{
		"status":     state,
		"service":    h.service,
		"components": components,
	})
}
