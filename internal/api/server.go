// Package api exposes the web-layer contract: tag queries for progressive
// selection, reservation intents, and proxy-mapping resolution for the
// noVNC proxy.
package api

import (
	"context"
	"net/http"

	"github.com/velesio/atrium/internal/coordinator"
	"github.com/velesio/atrium/internal/logging"
	"github.com/velesio/atrium/internal/metrics"
	"github.com/velesio/atrium/internal/observability"
	"github.com/velesio/atrium/internal/store"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Store       store.Store
	Coordinator *coordinator.Coordinator
}

// StartHTTPServer creates and starts the HTTP server.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	h := &Handler{
		Store:        cfg.Store,
		Coordinator:  cfg.Coordinator,
		Templates:    cfg.Coordinator.Templates,
		Reservations: cfg.Coordinator.Reservations,
	}
	h.RegisterRoutes(mux)

	mux.Handle("GET /metrics", metrics.Handler())

	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()
	logging.Op().Info("HTTP server listening", "addr", addr)

	return server
}

// Shutdown stops the server gracefully.
func Shutdown(ctx context.Context, server *http.Server) {
	if server == nil {
		return
	}
	if err := server.Shutdown(ctx); err != nil {
		logging.Op().Error("HTTP server shutdown failed", "error", err)
	}
}
