// Package api exposes the engine over HTTP: batch ingestion, the external
// refresh trigger, feature export and status. The engine stays
// format-agnostic; features stream out as NDJSON for the training pipeline
// to persist however it likes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/bdsp/featuredb/pkg/aggregate"
	"github.com/bdsp/featuredb/pkg/store"
	"github.com/bdsp/featuredb/pkg/types"
	"github.com/bdsp/featuredb/pkg/view"
)

var (
	observationsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "featuredb_observations_ingested_total",
		Help: "Raw observations accepted per series.",
	}, []string{"series"})
	observationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "featuredb_observations_rejected_total",
		Help: "Raw observations rejected per series.",
	}, []string{"series"})
)

// Config holds HTTP server settings.
type Config struct {
	ListenAddr      string
	Timeout         time.Duration
	IngestRateLimit float64
}

// Server is the HTTP API server.
type Server struct {
	cfg       Config
	store     *store.Store
	agg       *aggregate.Maintainer
	assembler *view.Assembler
	limiter   *rate.Limiter
	log       *slog.Logger
	server    *http.Server
}

// NewServer creates the API server over the engine components.
func NewServer(cfg Config, s *store.Store, m *aggregate.Maintainer, a *view.Assembler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Limit(cfg.IngestRateLimit)
	if cfg.IngestRateLimit <= 0 {
		limit = rate.Inf
	}
	return &Server{
		cfg:       cfg,
		store:     s,
		agg:       m,
		assembler: a,
		limiter:   rate.NewLimiter(limit, int(cfg.IngestRateLimit*2)+1),
		log:       logger.With("component", "api"),
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/ingest/{series}", s.handleIngest)
	mux.HandleFunc("POST /api/v1/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/rebuild", s.handleRebuild)
	mux.HandleFunc("POST /api/v1/compact", s.handleCompact)
	mux.HandleFunc("GET /api/v1/features", s.handleFeatures)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  s.cfg.Timeout,
		WriteTimeout: 0, // feature streams may outlive any fixed write deadline
	}
	return s.server.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type ingestRecord struct {
	Time   time.Time          `json:"time"`
	Key    string             `json:"key"`
	Fields map[string]float64 `json:"fields"`
}

type ingestResult struct {
	Index    int    `json:"index"`
	Inserted bool   `json:"inserted"`
	Error    string `json:"error,omitempty"`
}

// handleIngest accepts a batch of observations for one series. Delivery is
// at-least-once upstream, so the response reports per-record results and a
// rejected record never fails the batch.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		http.Error(w, "ingestion rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	series := r.PathValue("series")

	var records []ingestRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}

	results := make([]ingestResult, len(records))
	accepted := 0
	for i, rec := range records {
		obs := types.Observation{Timestamp: rec.Time, SeriesKey: rec.Key, Fields: rec.Fields}
		ack, err := s.store.Upsert(r.Context(), series, obs)
		results[i] = ingestResult{Index: i, Inserted: ack.Inserted}
		if err != nil {
			results[i].Error = err.Error()
			observationsRejected.WithLabelValues(series).Inc()
			continue
		}
		accepted++
		observationsIngested.WithLabelValues(series).Inc()
	}

	s.log.Info("batch ingested", "series", series, "records", len(records), "accepted", accepted)
	writeJSON(w, http.StatusOK, map[string]any{"series": series, "results": results})
}

// handleRefresh triggers an aggregate refresh. The scheduler normally omits
// now; tests pass it explicitly to pin the staleness window.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	if raw := r.URL.Query().Get("now"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid now: %v", err), http.StatusBadRequest)
			return
		}
		now = parsed.UTC()
	}

	if err := s.agg.Refresh(r.Context(), now); err != nil {
		s.log.Error("refresh failed", "err", err)
		http.Error(w, fmt.Sprintf("refresh failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshed_at": now.Format(time.RFC3339)})
}

// handleRebuild recomputes an aggregate over an explicit range, the manual
// escape hatch for data that arrived later than the start offset.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	agg := r.URL.Query().Get("aggregate")
	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.agg.Rebuild(r.Context(), agg, from, to); err != nil {
		http.Error(w, fmt.Sprintf("rebuild failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aggregate": agg})
}

// handleCompact seals one chunk into its compressed columnar form.
func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	series := r.URL.Query().Get("series")
	chunk, err := time.Parse(time.RFC3339, r.URL.Query().Get("chunk"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid chunk: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.store.CompactChunk(r.Context(), series, chunk.UTC()); err != nil {
		http.Error(w, fmt.Sprintf("compaction failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": series, "chunk": chunk.Format(time.RFC3339)})
}

// handleFeatures streams materialized feature rows for [from, to) as NDJSON,
// one row object per line, deterministic for fixed stored state.
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cur, err := s.assembler.Materialize(r.Context(), from, to)
	if err != nil {
		http.Error(w, fmt.Sprintf("materialize failed: %v", err), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	rows := 0
	for cur.Next() {
		row := cur.Row()
		payload := make(map[string]any, len(row.Features)+2)
		payload["time"] = row.Time.Format(time.RFC3339)
		payload[s.assembler.Target()] = row.Target
		for col, v := range row.Features {
			if v == nil {
				payload[col] = nil
			} else {
				payload[col] = *v
			}
		}
		if err := enc.Encode(payload); err != nil {
			s.log.Warn("feature stream aborted", "err", err)
			return
		}
		rows++
	}
	if err := cur.Err(); err != nil {
		// Too late for a status code; log and cut the stream.
		s.log.Error("feature stream failed", "err", err)
		return
	}
	s.log.Info("features exported", "from", from, "to", to, "rows", rows, "gaps", len(cur.Notes()))
}

// handleStatus reports per-series stream statistics and chunk layout.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	catalog := s.store.Catalog()
	out := make(map[string]any)
	for _, series := range catalog.SeriesNames() {
		min, max, _ := catalog.TimeRange(series)
		out[series] = map[string]any{
			"oldest": min.Format(time.RFC3339),
			"newest": max.Format(time.RFC3339),
			"keys":   catalog.Stats(series),
			"chunks": s.store.Chunks(series),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
	}
	return from.UTC(), to.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
