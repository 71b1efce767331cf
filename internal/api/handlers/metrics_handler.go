package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"example.com/backstage/services/orders/internal/metrics"

	"github.com/gin-gonic/gin"
)

// HealthProbe checks one dependency
type HealthProbe func(ctx context.Context) error

// MetricsHandler handles metrics-related HTTP requests
type MetricsHandler struct {
	metrics *metrics.Metrics
	probes  map[string]HealthProbe
}

// NewMetricsHandler creates a new metrics handler. probes may be nil.
func NewMetricsHandler(m *metrics.Metrics, probes map[string]HealthProbe) *MetricsHandler {
	return &MetricsHandler{metrics: m, probes: probes}
}

// HandleGetMetrics returns all metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))
	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleGetHealthCheck runs the probes and returns a simplified health status
func (h *MetricsHandler) HandleGetHealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	for name, probe := range h.probes {
		h.metrics.SetHealth(name, probe(ctx) == nil)
	}

	healthChecks := h.metrics.GetHealthChecks()
	healthy := true
	for _, ok := range healthChecks {
		if !ok {
			healthy = false
			break
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":  healthy,
		"details": healthChecks,
	})
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/health", h.HandleGetHealthCheck)
}
