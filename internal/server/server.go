// Package server provides the HTTP server for the migration control plane.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/auth"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/config"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/ha"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/hypervisor"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/migration"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/repository/etcd"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/repository/memory"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/repository/postgres"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/repository/redis"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/scheduler"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/server/middleware"
)

// Server represents the main HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	// Infrastructure
	db    *postgres.DB
	cache *redis.Cache
	etcd  *etcd.Client

	// Repository interfaces (abstracted for swappable backends)
	migrationRepo migration.Repository
	nodeRepo      migration.NodeRepository
	vmRepo        migration.VMRepository

	// Services
	hypervisor       *hypervisor.Libvirt
	scheduler        *scheduler.Scheduler
	migrationManager *migration.Manager
	haManager        *ha.Manager
	jwtManager       *auth.JWTManager

	// Leader election (for the HA loop)
	leaderGate leaderGate
	haCancel   context.CancelFunc
	haDone     chan struct{}
}

// leaderGate adapts the optional etcd leader election into a LeaderChecker.
// Without etcd there is a single control-plane instance, which is trivially
// the leader.
type leaderGate struct {
	mu     sync.RWMutex
	leader *etcd.Leader
}

func (g *leaderGate) set(l *etcd.Leader) {
	g.mu.Lock()
	g.leader = l
	g.mu.Unlock()
}

// IsLeader reports whether this instance currently leads the cluster.
func (g *leaderGate) IsLeader() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.leader == nil {
		return true
	}
	return g.leader.IsLeader()
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithPostgreSQL enables PostgreSQL as the data store.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables Redis caching and event publishing.
func WithRedis(cache *redis.Cache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd enables etcd for distributed coordination.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.etcd = client
	}
}

// New creates a new server instance.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) *Server {
	mux := http.NewServeMux()

	s := &Server{
		config: cfg,
		logger: logger,
		mux:    mux,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.initRepositories()
	s.initServices()
	s.registerRoutes()

	handler := s.setupMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// initRepositories initializes data repositories.
func (s *Server) initRepositories() {
	if s.db != nil {
		s.logger.Info("Initializing PostgreSQL repositories")
		s.migrationRepo = postgres.NewMigrationRepository(s.db, s.logger)
		s.nodeRepo = postgres.NewNodeRepository(s.db, s.logger)
		s.vmRepo = postgres.NewVMRepository(s.db, s.logger)
	} else {
		s.logger.Info("Initializing in-memory repositories")
		s.migrationRepo = memory.NewMigrationRepository()
		s.nodeRepo = memory.NewNodeRepository()
		s.vmRepo = memory.NewVMRepository()
	}

	s.logger.Info("Repositories initialized",
		zap.Bool("postgres", s.db != nil),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("etcd", s.etcd != nil),
	)
}

// initServices initializes business logic services.
func (s *Server) initServices() {
	s.logger.Info("Initializing services")

	schedulerConfig := scheduler.DefaultConfig()
	if s.config.Scheduler.PlacementStrategy != "" {
		schedulerConfig.PlacementStrategy = s.config.Scheduler.PlacementStrategy
	}
	if s.config.Scheduler.OvercommitCPU > 0 {
		schedulerConfig.OvercommitCPU = s.config.Scheduler.OvercommitCPU
	}
	if s.config.Scheduler.OvercommitMemory > 0 {
		schedulerConfig.OvercommitMemory = s.config.Scheduler.OvercommitMemory
	}

	s.scheduler = scheduler.New(
		s.nodeRepo.(scheduler.NodeRepository),
		s.vmRepo.(scheduler.VMRepository),
		schedulerConfig,
		s.logger,
	)

	s.hypervisor = hypervisor.NewLibvirt(s.config.Migration.SSHUser, s.logger)

	s.migrationManager = migration.NewManager(
		s.config.Migration,
		s.migrationRepo,
		s.vmRepo,
		s.nodeRepo,
		s.hypervisor,
		s.scheduler,
		s.logger,
	)

	s.haManager = ha.NewManager(
		s.config.HA,
		s.nodeRepo.(ha.NodeRepository),
		s.vmRepo.(ha.VMRepository),
		s.scheduler,
		s.migrationManager,
		&s.leaderGate,
		s.logger,
	)

	s.jwtManager = auth.NewJWTManager(s.config.Auth)

	s.logger.Info("Services initialized",
		zap.String("scheduler_strategy", schedulerConfig.PlacementStrategy),
		zap.Int("max_concurrent_migrations", s.config.Migration.MaxConcurrent),
		zap.Uint64("bandwidth_limit_mbps", s.config.Migration.BandwidthLimitMBps),
	)
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	// Health endpoints
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler) // Kubernetes-style endpoint
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)

	// API info
	s.mux.HandleFunc("/api/v1/info", s.infoHandler)

	// Migration REST API
	restHandler := NewMigrationRestHandler(s)
	s.mux.Handle("/api/migrations", restHandler)
	s.mux.Handle("/api/migrations/", restHandler)
	s.mux.Handle("/api/migration-policy", restHandler)
	s.mux.Handle("/api/rollbacks", restHandler)
	s.mux.Handle("/api/health-reports", restHandler)
	s.mux.Handle("/api/nodes", restHandler)
	s.mux.Handle("/api/nodes/", restHandler)

	s.logger.Info("All routes registered")
}

// setupMiddleware configures the middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400, // 24 hours
	})

	if s.config.Auth.JWTSecret != "" {
		authn := middleware.NewAuthenticator(s.jwtManager, s.logger)
		handler = authn.Middleware(handler)
	}
	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Skip logging for health checks
		if r.URL.Path == "/health" || r.URL.Path == "/ready" || r.URL.Path == "/live" {
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack exposes the underlying connection so websocket upgrades work
// through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"horcrux-controlplane"}`)
}

// readyHandler returns readiness status.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			ready = false
			details["postgres"] = "unhealthy"
		} else {
			details["postgres"] = "healthy"
		}
	}

	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			ready = false
			details["redis"] = "unhealthy"
		} else {
			details["redis"] = "healthy"
		}
	}

	if s.etcd != nil {
		if err := s.etcd.Health(ctx); err != nil {
			ready = false
			details["etcd"] = "unhealthy"
		} else {
			details["etcd"] = "healthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"ready":true,"components":%s}`, toJSON(details))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"ready":false,"components":%s}`, toJSON(details))
	}
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"alive":true}`)
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{
		"name": "Horcrux Control Plane",
		"version": "0.1.0",
		"api_version": "v1",
		"description": "VM Migration Orchestrator",
		"services": ["MigrationService", "SchedulerService", "HAService"],
		"infrastructure": {
			"postgres": %t,
			"redis": %t,
			"etcd": %t
		}
	}`, s.db != nil, s.cache != nil, s.etcd != nil)
}

// GetMigrationManager returns the migration manager for use by other services.
func (s *Server) GetMigrationManager() *migration.Manager {
	return s.migrationManager
}

// GetScheduler returns the scheduler instance for use by other services.
func (s *Server) GetScheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("address", s.config.Server.Address()),
	)

	// Reconcile persisted migration state before accepting requests.
	if err := s.migrationManager.Recover(ctx); err != nil {
		return fmt.Errorf("migration recovery: %w", err)
	}

	// Start leader election if etcd is available
	if s.etcd != nil {
		leader, err := s.etcd.CampaignForLeader(ctx, "controlplane", func(isLeader bool) {
			if isLeader {
				s.logger.Info("This instance is now the leader")
			} else {
				s.logger.Info("This instance is now a follower")
			}
		})
		if err != nil {
			s.logger.Warn("Failed to start leader election", zap.Error(err))
		} else {
			s.leaderGate.set(leader)
		}
	}

	// Start the HA failover loop
	haCtx, haCancel := context.WithCancel(ctx)
	s.haCancel = haCancel
	s.haDone = make(chan struct{})
	go func() {
		defer close(s.haDone)
		s.haManager.Start(haCtx)
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	// Stop the HA loop first so no new evacuations start mid-shutdown.
	if s.haCancel != nil {
		s.haCancel()
		select {
		case <-s.haDone:
		case <-shutdownCtx.Done():
		}
	}

	// Resign from leadership
	s.leaderGate.mu.RLock()
	leader := s.leaderGate.leader
	s.leaderGate.mu.RUnlock()
	if leader != nil {
		if err := leader.Resign(shutdownCtx); err != nil {
			s.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			s.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}

// toJSON converts a map to a JSON string.
func toJSON(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	result := "{"
	first := true
	for k, v := range m {
		if !first {
			result += ","
		}
		result += fmt.Sprintf(`"%s":"%s"`, k, v)
		first = false
	}
	result += "}"
	return result
}
