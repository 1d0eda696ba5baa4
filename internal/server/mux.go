// Package server provides HTTP server construction for chatsync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store      *auth.Store
	MCPHandler http.Handler
	Gatherer   prometheus.Gatherer
	Status     func() models.ConnectionStatus
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with the MCP, metrics and health endpoints.
// Only the MCP endpoint requires an API key.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	authMiddleware := auth.Middleware(cfg.Store, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /healthz", handleHealth(cfg.Status))

	return mux
}

// handleHealth reports the connection status. It answers 503 while the
// active connection is offline so external probes see the outage.
func handleHealth(status func() models.ConnectionStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := status()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		if !st.Online {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(st)
	}
}
