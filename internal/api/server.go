// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FairForge/modelmux/internal/engine"
)

// Server is the admin/observability surface: JSON snapshots of every
// component's stats plus a Prometheus endpoint. The LLM data plane does not
// pass through here.
type Server struct {
	orch       *engine.Orchestrator
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds the admin server around the orchestrator.
func NewServer(orch *engine.Orchestrator, port int, logger *zap.Logger) *Server {
	s := &Server{
		orch:      orch,
		logger:    logger,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(orch))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/stats/cache", s.handleCacheStats)
	s.router.Get("/stats/warmer", s.handleWarmerStats)
	s.router.Get("/stats/discovery", s.handleDiscoveryStats)
	s.router.Get("/stats/breakers", s.handleBreakerStats)
	s.router.Get("/stats/balancer", s.handleBalancerStats)
	s.router.Get("/stats/engine", s.handleEngineStats)
	s.router.Get("/models", s.handleModels)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("admin server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.orch.Monitor.Report()
	status := http.StatusOK
	if !s.orch.Healthy() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"status":  http.StatusText(status),
		"uptime":  time.Since(s.startTime).String(),
		"cache":   report,
		"alerts":  s.orch.Monitor.RecentAlerts(),
		"running": s.orch.Healthy(),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"stats":      s.orch.Tiered.Cache().Stats(),
		"categories": s.orch.Tiered.Cache().Categories(),
		"tiers":      s.orch.Tiered.TierDistribution(),
	})
}

func (s *Server) handleWarmerStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Warmer.Stats())
}

func (s *Server) handleDiscoveryStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Discovery.AllMetrics())
}

func (s *Server) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Pool.Status())
}

func (s *Server) handleBalancerStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Balancer.Distribution())
}

func (s *Server) handleEngineStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Engine.Performance())
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.orch.Models(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}
