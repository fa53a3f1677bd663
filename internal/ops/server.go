// Package ops runs the operational HTTP surface: liveness, prometheus
// metrics, a JSON status snapshot, and a CSV view of the opportunity log.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crossarb/internal/config"
	"crossarb/internal/kv"
	"crossarb/pkg/types"
)

// StatusProvider supplies the worker's current heartbeat view. The same
// struct the heartbeat loop writes to the KV backs /status, so the two can
// never disagree.
type StatusProvider interface {
	Heartbeat() types.WorkerHeartbeat
}

// Server is the ops HTTP server.
type Server struct {
	cfg      config.OpsConfig
	provider StatusProvider
	store    *kv.Store
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the ops routes.
func NewServer(cfg config.OpsConfig, provider StatusProvider, store *kv.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		store:    store,
		logger:   logger.With("component", "ops-server"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/opportunities.csv", s.handleOpportunitiesCSV).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Stop. Blocks; run it in its own goroutine.
func (s *Server) Start() error {
	s.logger.Info("ops server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.provider.Heartbeat()); err != nil {
		s.logger.Error("status encode failed", "error", err)
	}
}

// handleOpportunitiesCSV exports one day's opportunity log; ?date=YYYY-MM-DD
// selects the day, defaulting to today.
func (s *Server) handleOpportunitiesCSV(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if q := r.URL.Query().Get("date"); q != "" {
		parsed, err := time.Parse("2006-01-02", q)
		if err != nil {
			http.Error(w, "bad date, want YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}

	opps, err := s.store.Opportunities(r.Context(), day, 10_000)
	if err != nil {
		s.logger.Error("opportunity read failed", "error", err)
		http.Error(w, "kv read failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=opportunities-%s.csv", day.Format("2006-01-02")))
	if err := kv.WriteOpportunitiesCSV(w, opps); err != nil {
		s.logger.Error("csv write failed", "error", err)
	}
}
