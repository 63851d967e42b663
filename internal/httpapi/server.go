// Package httpapi serves the operational endpoints: health, status and
// prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/regimebot/regimebot/internal/persistence"
)

// StatusResponse is the /status payload.
type StatusResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptimeSeconds"`
	OpenPositions int               `json:"openPositions"`
	Regimes       map[string]string `json:"regimes"`
	Symbols       []string          `json:"symbols"`
}

// Server is the operational HTTP server.
type Server struct {
	repo    *persistence.Repository
	symbols []string
	started time.Time
	httpSrv *http.Server
}

// NewServer builds the server and its routes. gatherer is the prometheus
// registry backing /metrics.
func NewServer(addr string, repo *persistence.Repository, gatherer prometheus.Gatherer, symbols []string) *Server {
	s := &Server{
		repo:    repo,
		symbols: symbols,
		started: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start serves until Shutdown or a listener error.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("http server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	open, err := s.repo.Positions.CountOpenTotal(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	regimes := make(map[string]string, len(s.symbols))
	for _, symbol := range s.symbols {
		decision, err := s.repo.Regimes.Latest(r.Context(), symbol)
		if err == nil && decision != nil {
			regimes[symbol] = string(decision.Regime)
		}
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		OpenPositions: open,
		Regimes:       regimes,
		Symbols:       s.symbols,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}
