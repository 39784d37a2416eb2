package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/isoreg/internal/listener"
	"github.com/seantiz/isoreg/internal/refresh"
	"github.com/seantiz/isoreg/internal/registry"
	"github.com/seantiz/isoreg/internal/store"
	"github.com/seantiz/isoreg/internal/txn"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// TenantCache drops cached process ownership after it changes.
type TenantCache interface {
	Forget(processID int64)
}

// Deps are the services the HTTP handlers operate on.
type Deps struct {
	Registry *registry.Service
	Store    store.Store
	Sync     *refresh.Synchronizer
	Txn      *txn.Manager
	Events   *listener.Broker
	Tenants  TenantCache
	NodeID   string
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	registry *registry.Service
	store    store.Store
	sync     *refresh.Synchronizer
	txm      *txn.Manager
	events   *listener.Broker
	tenants  TenantCache
	nodeID   string
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		registry: deps.Registry,
		store:    deps.Store,
		sync:     deps.Sync,
		txm:      deps.Txn,
		events:   deps.Events,
		tenants:  deps.Tenants,
		nodeID:   deps.NodeID,
		logger:   logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/events", s.handleStreamEvents)
	s.router.Get("/v1/deployments", s.handleListDeployments)
	s.router.Put("/v1/processes/{id}/tenant", s.handleAssignTenant)
	s.router.Post("/v1/cluster/refresh", s.handleClusterRefresh)

	s.router.Route("/v1/scopes", func(r chi.Router) {
		r.Get("/", s.handleListScopes)
		r.Route("/{type}/{id}", func(r chi.Router) {
			r.Post("/", s.handleCreateScope)
			r.Get("/", s.handleGetScope)
			r.Delete("/", s.handleRemoveScope)
			r.Get("/resources", s.handleListResources)
			r.Put("/resources", s.handlePutResources)
			r.Get("/resolve/*", s.handleResolve)
			r.Get("/content/*", s.handleGetContent)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr, "node", s.nodeID)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Close event streams first so Shutdown does not wait on them.
	if s.events != nil {
		s.events.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
