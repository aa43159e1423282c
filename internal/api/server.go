// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/reward-settlement/internal/logging"
	"github.com/reward-settlement/internal/metrics"
	"github.com/reward-settlement/internal/service"
)

// Service interfaces for dependency injection and testing

// ClaimServiceInterface defines the claim reservation and settlement operations
type ClaimServiceInterface interface {
	Prepare(ctx context.Context, wallet string) (*service.PrepareResult, error)
	Settle(ctx context.Context, req *service.SettleRequest) (*service.SettleResult, error)
	Status(ctx context.Context, sig string) (*service.ClaimStatus, error)
	Summary(ctx context.Context, wallet string) (*service.ClaimSummary, error)
}

// SweepServiceInterface defines the scheduler-triggered sweep batch
type SweepServiceInterface interface {
	RunBatch(ctx context.Context, opts service.BatchOptions) (*service.BatchResult, error)
}

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	claimService ClaimServiceInterface
	sweepService SweepServiceInterface
	checks       map[string]HealthChecker
	metrics      *metrics.Metrics
	logger       *logging.Logger
	config       *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond float64 // per client
	Burst             int
	SchedulerSecret   string // shared secret for /internal routes, empty disables them
}

// Deps are the collaborators of a Server. Sweeps, Checks and Metrics are optional.
type Deps struct {
	Claims  ClaimServiceInterface
	Sweeps  SweepServiceInterface
	Checks  map[string]HealthChecker
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		router:       mux.NewRouter(),
		claimService: deps.Claims,
		sweepService: deps.Sweeps,
		checks:       deps.Checks,
		metrics:      deps.Metrics,
		logger:       logger.WithComponent("api"),
		config:       config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// order matters: the request logger must exist before anything logs
	s.router.Use(RequestIDMiddleware(s.logger))
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(MetricsMiddleware(s.metrics))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(InteractivePriorityMiddleware)

	// Claim endpoints. status is registered before the wallet route so it is not captured as a wallet.
	api.HandleFunc("/claims/prepare", s.handlePrepareClaim).Methods("POST")
	api.HandleFunc("/claims/settle", s.handleSettleClaim).Methods("POST")
	api.HandleFunc("/claims/status", s.handleClaimStatus).Methods("GET")
	api.HandleFunc("/claims/{wallet}", s.handleClaimSummary).Methods("GET")

	// Scheduler endpoints
	internal := s.router.PathPrefix("/internal").Subrouter()
	internal.Use(s.schedulerAuth)
	internal.HandleFunc("/sweep", s.handleSweep).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			logging.FromContext(ctx, s.logger).WithError(err).Warnf("health check %s failed", name)
			components[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	body := map[string]interface{}{
		"status":  "healthy",
		"service": "reward-settlement",
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if len(components) > 0 {
		body["components"] = components
	}
	respondJSON(w, status, body)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}
