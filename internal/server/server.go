// Package server exposes the engine to collaborators over HTTP and MCP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/config"
	"github.com/dgellow/area/internal/engine"
	"github.com/dgellow/area/internal/rules"
	"github.com/go-chi/chi/v5"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine is what the collaborator surface needs from the engine
type Engine interface {
	PollNow(ctx context.Context, userID string, service area.ServiceID, trigger area.TriggerID) (engine.CycleReport, error)
	ConnectionStatus(ctx context.Context, userID string, service area.ServiceID) (area.ConnectionStatus, error)
	Outcomes(ctx context.Context, userID string, limit int) ([]area.Outcome, error)
	Catalog() []rules.ServiceCatalog
	Pairings() []engine.PairingStatus
}

// Server is the collaborator HTTP surface
type Server struct {
	engine  Engine
	cfg     config.APIConfig
	version string
	router  chi.Router
}

// New builds the router. Collaborator routes require one of cfg.Tokens when any is configured.
func New(eng Engine, cfg config.APIConfig, version string) *Server {
	s := &Server{engine: eng, cfg: cfg, version: version}

	tokens := make([]string, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens = append(tokens, t.String())
	}
	auth := newAuthMiddleware(tokens, cfg.Realm)

	r := chi.NewRouter()
	r.Use(recoverMiddleware("server"), loggerMiddleware("server"))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Post("/pairings/poll", s.handlePollNow)
		r.Get("/pairings", s.handlePairings)
		r.Get("/services", s.handleCatalog)
		r.Get("/users/{userId}/services/{serviceId}/status", s.handleConnectionStatus)
		r.Get("/users/{userId}/outcomes", s.handleOutcomes)
	})

	if cfg.EnableMCP {
		sse := mcpserver.NewSSEServer(NewMCPServer(eng, version),
			mcpserver.WithStaticBasePath("/mcp"),
			mcpserver.WithBaseURL(cfg.BaseURL),
		)
		r.With(auth).Handle("/mcp/*", sse)
		internal.LogInfoWithFields("server", "MCP tools enabled", map[string]any{
			"sse": "/mcp/sse",
		})
	}

	s.router = r
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		internal.Logf("HTTP server listening on %s", s.cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err, ok := <-errChan:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	internal.Logf("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	internal.Logf("HTTP server shutdown complete")
	return nil
}
