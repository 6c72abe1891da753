// Package api exposes the operational HTTP interface: health probes,
// Prometheus metrics and crawl administration endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bmorrisey/threadfall/internal/crawl"
	"github.com/bmorrisey/threadfall/internal/middleware"
)

// Seeder pushes initial crawl jobs; implemented by the coordinator.
type Seeder interface {
	Seed(ctx context.Context, unit string) error
	SeedBackfill(ctx context.Context, unit string) error
}

// Server wires HTTP handlers to the record store and retry ledgers.
type Server struct {
	router       chi.Router
	records      crawl.RecordStore
	fetchLedger  crawl.RetryLedger
	enrichLedger crawl.RetryLedger
	seeder       Seeder
	logger       *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	records crawl.RecordStore,
	fetchLedger, enrichLedger crawl.RetryLedger,
	seeder Seeder,
	logger *zap.Logger,
) *Server {
	s := &Server{
		records:      records,
		fetchLedger:  fetchLedger,
		enrichLedger: enrichLedger,
		seeder:       seeder,
		logger:       logger,
	}
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Metrics)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.getStats)
		r.Get("/ledgers", s.getLedgers)
		r.Route("/units/{unit}", func(r chi.Router) {
			r.Post("/seed", s.seedUnit)
			r.Post("/backfill", s.backfillUnit)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.fetchLedger.Depth(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	Units []unitStats `json:"units"`
}

type unitStats struct {
	Unit     string    `json:"unit"`
	Records  int64     `json:"records"`
	Enriched int64     `json:"enriched"`
	Oldest   time.Time `json:"oldest"`
	Newest   time.Time `json:"newest"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.records.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats query failed")
		return
	}
	resp := statsResponse{Units: make([]unitStats, 0, len(stats))}
	for _, st := range stats {
		resp.Units = append(resp.Units, unitStats{
			Unit:     st.Unit,
			Records:  st.Records,
			Enriched: st.Enriched,
			Oldest:   st.Oldest,
			Newest:   st.Newest,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type ledgersResponse struct {
	Fetch  int64 `json:"fetch"`
	Enrich int64 `json:"enrich"`
}

func (s *Server) getLedgers(w http.ResponseWriter, r *http.Request) {
	fetchDepth, err := s.fetchLedger.Depth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger query failed")
		return
	}
	enrichDepth, err := s.enrichLedger.Depth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger query failed")
		return
	}
	writeJSON(w, http.StatusOK, ledgersResponse{Fetch: fetchDepth, Enrich: enrichDepth})
}

func (s *Server) seedUnit(w http.ResponseWriter, r *http.Request) {
	unit := chi.URLParam(r, "unit")
	if err := s.seeder.Seed(r.Context(), unit); err != nil {
		s.logger.Error("seed failed", zap.String("unit", unit), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "seed failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"unit": unit, "status": "seeded"})
}

func (s *Server) backfillUnit(w http.ResponseWriter, r *http.Request) {
	unit := chi.URLParam(r, "unit")
	if err := s.seeder.SeedBackfill(r.Context(), unit); err != nil {
		s.logger.Error("backfill seed failed", zap.String("unit", unit), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "backfill seed failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"unit": unit, "status": "backfill scheduled"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
