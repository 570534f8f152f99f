// server.go hosts the dashboard: REST endpoints for one-shot reads
// (/api/snapshot, /api/markets, /api/risk), the event WebSocket at /ws, and
// the static frontend. Besides relaying engine events, the server pushes a
// full snapshot on a fixed cadence so dashboards self-heal from any missed
// frames — the WS path is lossy by design.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polyarb/internal/config"
)

// snapshotInterval is the cadence of the periodic full-state broadcast.
const snapshotInterval = 5 * time.Second

// Server runs the HTTP/WebSocket API for the dashboard
type Server struct {
	cfg      config.DashboardConfig
	provider MarketSnapshotProvider
	fullCfg  config.Config
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
	done     chan struct{}
}

// NewServer creates a new API server
func NewServer(
	cfg config.DashboardConfig,
	provider MarketSnapshotProvider,
	fullCfg config.Config,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, fullCfg, hub, logger)

	mux := http.NewServeMux()

	// One-shot reads
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/api/markets", handlers.HandleMarkets)
	mux.HandleFunc("/api/risk", handlers.HandleRisk)

	// Event stream
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	// Serve static files (web dashboard)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		fullCfg:  fullCfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
		done:     make(chan struct{}),
	}
}

// Start starts the API server, the hub, the engine-event relay, and the
// periodic snapshot broadcaster. Blocks until the server exits.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()
	go s.broadcastSnapshots()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server and the snapshot broadcaster.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents relays engine events into the hub.
func (s *Server) consumeEvents() {
	eventsCh := s.provider.(interface {
		DashboardEvents() <-chan DashboardEvent
	}).DashboardEvents()

	if eventsCh == nil {
		return
	}

	for evt := range eventsCh {
		s.hub.BroadcastEvent(evt)
	}
}

// broadcastSnapshots pushes the full dashboard state on a fixed cadence.
func (s *Server) broadcastSnapshots() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.hub.BroadcastSnapshot(BuildSnapshot(s.provider, s.fullCfg))
		}
	}
}
