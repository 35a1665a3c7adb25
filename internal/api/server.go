// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/broker-aggregator/internal/aggregator"
	"github.com/broker-aggregator/internal/circuitbreaker"
	"github.com/broker-aggregator/internal/logging"
	"github.com/broker-aggregator/internal/models"
	"github.com/broker-aggregator/internal/types"
	"github.com/gorilla/mux"
)

// Service interfaces for dependency injection and testing

// PortfolioServiceInterface defines the interface for portfolio operations
type PortfolioServiceInterface interface {
	GetPortfolio(ctx context.Context, userID string, forceRefresh bool) (*models.PortfolioSnapshot, error)
}

// ConnectServiceInterface defines the interface for the broker authorization flow
type ConnectServiceInterface interface {
	InitiateConnection(ctx context.Context, userID string, brokerType types.BrokerType) (*aggregator.ConnectIntent, error)
	CompleteConnection(ctx context.Context, state, code string) (*models.BrokerConnection, error)
}

// ConnectionManagerInterface defines the interface for connection lifecycle operations
type ConnectionManagerInterface interface {
	Connections(ctx context.Context, userID string) ([]*models.BrokerConnection, error)
	Disconnect(ctx context.Context, userID, connectionID string) error
	RefreshToken(ctx context.Context, connectionID string) error
	SetMaintenance(ctx context.Context, connectionID string, on bool) error
	FailureThreshold() int
}

// HealthLogInterface defines the interface for health log queries
type HealthLogInterface interface {
	StatsByBroker(ctx context.Context, from, to time.Time) ([]models.BrokerHealthStats, error)
	RecentByConnection(ctx context.Context, connectionID string, limit int) ([]models.HealthLogRecord, error)
}

// Server represents the HTTP API server.
type Server struct {
	router           *mux.Router
	httpServer       *http.Server
	portfolioService PortfolioServiceInterface
	connectService   ConnectServiceInterface
	manager          ConnectionManagerInterface
	healthLog        HealthLogInterface
	breakers         *circuitbreaker.Registry
	config           *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	FreeTierRPS     int
	PremiumTierRPS  int
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	portfolioService PortfolioServiceInterface,
	connectService ConnectServiceInterface,
	manager ConnectionManagerInterface,
	healthLog HealthLogInterface,
	breakers *circuitbreaker.Registry,
) *Server {
	s := &Server{
		router:           mux.NewRouter(),
		portfolioService: portfolioService,
		connectService:   connectService,
		manager:          manager,
		healthLog:        healthLog,
		breakers:         breakers,
		config:           config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.FreeTierRPS, s.config.PremiumTierRPS)

	// Middleware order matters.
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
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
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api").Subrouter()

	// Portfolio endpoints
	api.HandleFunc("/portfolio", s.handleGetPortfolio).Methods("GET")

	// Connection endpoints
	api.HandleFunc("/connections", s.handleListConnections).Methods("GET")
	api.HandleFunc("/connections", s.handleInitiateConnection).Methods("POST")
	api.HandleFunc("/connections/{id}", s.handleDisconnect).Methods("DELETE")
	api.HandleFunc("/connections/{id}/refresh", s.handleRefreshToken).Methods("POST")
	api.HandleFunc("/connections/{id}/maintenance", s.handleSetMaintenance).Methods("POST")
	api.HandleFunc("/connections/{id}/health", s.handleConnectionHealth).Methods("GET")

	// Broker health dashboard endpoint
	api.HandleFunc("/brokers/health", s.handleBrokerHealth).Methods("GET")

	// OAuth callback, hit by the broker's redirect rather than our clients
	s.router.HandleFunc("/oauth/callback", s.handleOAuthCallback).Methods("GET")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "broker-aggregator",
	})
}

// userID extracts the authenticated user from the request. Authentication
// itself terminates at the gateway; this service trusts the forwarded header.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// requireUser writes an error and returns "" when no user is present.
func requireUser(w http.ResponseWriter, r *http.Request) string {
	id := userID(r)
	if id == "" {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Missing X-User-ID header", nil)
	}
	return id
}

// Router returns the configured router, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
