// Package server assembles the gateway's HTTP surface: the chi router and
// middleware stack, the huma-registered admin configuration API, and the
// wildcard request-transformation handler that drives the per-request
// pipeline (options resolution, origin lookup, cache lookup, upstream
// fetch, error recovery, range handling, response writing). Grounded on
// internal/http/server.go's chi+huma wiring and internal/http/middleware's
// stack.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/edgevideo/gateway/internal/cache"
	"github.com/edgevideo/gateway/internal/gwconfig"
	"github.com/edgevideo/gateway/internal/http/middleware"
	"github.com/edgevideo/gateway/internal/signer"
	"github.com/edgevideo/gateway/internal/upstream"
)

// Config holds the HTTP server's own transport settings, independent of the
// gateway configuration document served through gwconfig.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// AdminToken authorizes the admin configuration endpoints via a bearer
	// token compared in constant time. Empty disables the admin API.
	AdminToken string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Dependencies bundles the collaborators the gateway handler needs beyond
// the live configuration snapshot served by manager.
type Dependencies struct {
	Manager      *gwconfig.Manager
	CacheStore   cache.Store
	PresignCache *signer.PresignCache
	Fetcher      *upstream.Fetcher
	DirectClient *http.Client
	Limits       *upstream.LearnedLimits
	MaxRetries   int
	Version      string
}

// Server is the gateway's HTTP entry point.
type Server struct {
	config     Config
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds a Server, wiring the chi middleware stack, the huma admin API,
// and the wildcard gateway handler.
func New(config Config, deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()

	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.NewLoggingMiddleware(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS())
	router.Use(middleware.SkipCompressionForSSE(chimiddleware.Compress(5)))

	humaConfig := huma.DefaultConfig("edge video gateway", version)
	humaConfig.Info.Description = "Edge video transformation gateway: range-aware caching proxy in front of an upstream media transformation service"
	humaConfig.DocsPath = ""

	api := humachi.New(router, humaConfig)

	s := &Server{config: config, router: router, api: api, logger: logger}

	registerHealth(router, version)
	registerAdmin(api, deps.Manager, config.AdminToken)

	gw := &gatewayHandler{
		manager:      deps.Manager,
		cacheStore:   deps.CacheStore,
		presignCache: deps.PresignCache,
		fetcher:      deps.Fetcher,
		directClient: deps.DirectClient,
		limits:       deps.Limits,
		maxRetries:   deps.MaxRetries,
		logger:       logger,
	}
	router.Get("/*", gw.ServeHTTP)
	router.Head("/*", gw.ServeHTTP)

	return s
}

// API returns the huma API instance for registering additional operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start starts the HTTP server and blocks until it stops or errors.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP server", slog.String("address", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server", slog.Duration("timeout", s.config.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// ListenAndServe starts the server and handles graceful shutdown on ctx
// cancellation. It blocks until the server stops.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
