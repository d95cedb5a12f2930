// Package server is the local dashboard gateway. It serves the ingestion
// and incident views over REST, pushes live ingestion views over a
// WebSocket, and exposes Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pka/internal/audit"
	"github.com/kubilitics/kubilitics-pka/internal/middleware"
	"github.com/kubilitics/kubilitics-pka/internal/models"
	"github.com/kubilitics/kubilitics-pka/internal/stream/coordinator"
)

// Config holds the gateway listener settings.
type Config struct {
	Host string
	Port int
	// AllowedOrigins is a list of origins permitted to open WebSocket
	// connections and make CORS requests. ["*"] allows any origin.
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	// RequestsPerMinute limits mutating API calls per client. Zero
	// disables the limit.
	RequestsPerMinute int
}

// API is the backend surface the gateway calls directly.
type API interface {
	coordinator.StatusFetcher
	TriggerScan(ctx context.Context, req models.ScanRequest) (models.ScanAccepted, error)
}

// Deps are the long-lived components the gateway serves.
type Deps struct {
	API       API
	Ingestion *coordinator.IngestionStream
	Incidents *coordinator.RuntimeIncidents
	Logger    *zap.Logger
	Audit     audit.Logger
}

// Server represents the dashboard gateway
type Server struct {
	config   Config
	deps     Deps
	logger   *zap.Logger
	upgrader websocket.Upgrader
	handler  http.Handler

	// HTTP server
	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a gateway.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.API == nil || deps.Ingestion == nil || deps.Incidents == nil {
		return nil, fmt.Errorf("server: api, ingestion and incidents are required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		deps:     deps,
		logger:   deps.Logger.Named("server"),
		upgrader: newUpgrader(cfg.AllowedOrigins),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	limited := middleware.NewRateLimiter(s.config.RequestsPerMinute).Middleware

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/ingestion", s.handleIngestion).Methods(http.MethodGet)
	api.Handle("/ingestion/scan", limited(http.HandlerFunc(s.handleScan))).Methods(http.MethodPost)
	api.HandleFunc("/incidents", s.handleIncidents).Methods(http.MethodGet)
	api.Handle("/incidents/refetch", limited(http.HandlerFunc(s.handleIncidentsRefetch))).Methods(http.MethodPost)
	api.Handle("/incidents/{id}/dismiss", limited(http.HandlerFunc(s.handleIncidentDismiss))).Methods(http.MethodPost)

	router.HandleFunc("/ws/ingestion", s.handleIngestionWS).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.Use(s.loggingMiddleware)
	router.Use(s.recoveryMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins: corsOrigins(s.config.AllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(router)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("gateway shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close ends every live WebSocket session and waits for them.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
