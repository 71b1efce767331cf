package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/api/handlers"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/services"
	"example.com/backstage/services/orders/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config       config.Config
	router       *gin.Engine
	httpServer   *http.Server
	orderService *services.OrderService
	metrics      *metrics.Metrics
	tracer       tracing.Tracer
	probes       map[string]handlers.HealthProbe
	closeStreams context.CancelFunc
}

// NewServer creates a new HTTP server. probes may be nil.
func NewServer(cfg config.Config, orderService *services.OrderService, m *metrics.Metrics, tracer tracing.Tracer, probes map[string]handlers.HealthProbe) *Server {
	server := &Server{
		config:       cfg,
		orderService: orderService,
		metrics:      m,
		tracer:       tracer,
		probes:       probes,
	}

	// request contexts derive from baseCtx so Shutdown can end open SSE streams
	baseCtx, cancel := context.WithCancel(context.Background())
	server.closeStreams = cancel

	server.router = server.setupRouter()
	// no WriteTimeout, the SSE stream stays open
	server.httpServer = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return server
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), Logger())

	if s.config.Server.CorsEnabled {
		router.Use(CORS(s.config.Server.CorsOrigins))
	}
	if s.tracer != nil {
		if app := s.tracer.Application(); app != nil {
			router.Use(NewRelicMiddleware(app))
		}
	}

	handlers.NewMetricsHandler(s.metrics, s.probes).RegisterRoutes(router)

	v1 := router.Group("/api/v1")
	handlers.NewOrderHandler(s.orderService).RegisterRoutes(v1)
	handlers.NewPartnerHandler(s.orderService).RegisterRoutes(v1)
	handlers.NewGroupHandler(s.orderService).RegisterRoutes(v1)
	handlers.NewSubscriptionHandler(s.orderService).RegisterRoutes(v1)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Server.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	timeout := s.config.Server.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.closeStreams()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
