// Package api exposes tracked flows, statistics and rule management over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"xdp-conntrack/pkg/conntrack"
	"xdp-conntrack/pkg/filter"
	"xdp-conntrack/pkg/metrics"
	"xdp-conntrack/xdp"
)

// FlowSource enumerates tracked flows.
type FlowSource interface {
	Snapshot() []conntrack.FlowEntry
}

// ICMPSource enumerates tracked ICMP conversations.
type ICMPSource interface {
	Snapshot() []conntrack.IcmpEntry
}

// StatsSource returns the global counters.
type StatsSource interface {
	GetStats() metrics.Stats
	Reset()
}

// KernelStatsSource reads the counters kept by the attached XDP program.
type KernelStatsSource interface {
	ReadStats() (*xdp.KernelStats, error)
}

// Server is the management HTTP server.
type Server struct {
	kernel  KernelStatsSource
	flows   FlowSource
	icmp    ICMPSource
	stats   StatsSource
	rules   *filter.Manager
	logger  zerolog.Logger
	router  *mux.Router
	httpSrv *http.Server
}

// NewServer builds the router.
func NewServer(addr string, flows FlowSource, icmp ICMPSource, stats StatsSource, rules *filter.Manager, logger zerolog.Logger) *Server {
	s := &Server{
		flows:  flows,
		icmp:   icmp,
		stats:  stats,
		rules:  rules,
		logger: logger.With().Str("component", "api").Logger(),
		router: mux.NewRouter(),
	}
	s.routes()
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	api.HandleFunc("/icmp", s.handleICMP).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStatsReset).Methods(http.MethodDelete)
	api.HandleFunc("/kernel/stats", s.handleKernelStats).Methods(http.MethodGet)

	api.HandleFunc("/filters", s.handleListFilters).Methods(http.MethodGet)
	api.HandleFunc("/filters", s.handleAddFilter).Methods(http.MethodPost)
	api.HandleFunc("/filters/{id:[0-9]+}", s.handleGetFilter).Methods(http.MethodGet)
	api.HandleFunc("/filters/{id:[0-9]+}", s.handleUpdateFilter).Methods(http.MethodPut)
	api.HandleFunc("/filters/{id:[0-9]+}", s.handleDeleteFilter).Methods(http.MethodDelete)
	api.HandleFunc("/filters/{id:[0-9]+}/enable", s.handleEnableFilter).Methods(http.MethodPost)
	api.HandleFunc("/filters/{id:[0-9]+}/disable", s.handleDisableFilter).Methods(http.MethodPost)
}

// SetKernel enables /api/kernel/stats.
func (s *Server) SetKernel(k KernelStatsSource) {
	s.kernel = k
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown. Start after Shutdown returns nil at once.
func (s *Server) Start() error {
	s.logger.Info().Str("listen", s.httpSrv.Addr).Msg("api server started")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConnections lists flows, busiest first. ?limit=N caps the result.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	flows := s.flows.Snapshot()
	sort.Slice(flows, func(i, j int) bool { return flows[i].Packets > flows[j].Packets })

	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if limit > 0 && len(flows) > limit {
		flows = flows[:limit]
	}
	writeJSON(w, http.StatusOK, flows)
}

func (s *Server) handleICMP(w http.ResponseWriter, r *http.Request) {
	entries := s.icmp.Snapshot()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Packets > entries[j].Packets })

	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.GetStats())
}

func (s *Server) handleKernelStats(w http.ResponseWriter, r *http.Request) {
	if s.kernel == nil {
		writeError(w, http.StatusNotFound, errors.New("no XDP program attached"))
		return
	}
	ks, err := s.kernel.ReadStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ks)
}

func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	s.stats.Reset()
	s.logger.Info().Msg("statistics reset")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFilters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.List())
}

func (s *Server) handleAddFilter(w http.ResponseWriter, r *http.Request) {
	var spec filter.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	added, err := s.rules.Add(spec)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleGetFilter(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	spec, err := s.rules.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (s *Server) handleUpdateFilter(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	var spec filter.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := s.rules.Update(id, spec)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteFilter(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	if err := s.rules.Remove(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableFilter(w http.ResponseWriter, r *http.Request) {
	s.toggleFilter(w, r, true)
}

func (s *Server) handleDisableFilter(w http.ResponseWriter, r *http.Request) {
	s.toggleFilter(w, r, false)
}

func (s *Server) toggleFilter(w http.ResponseWriter, r *http.Request, enable bool) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	var err error
	if enable {
		err = s.rules.Enable(id)
	} else {
		err = s.rules.Disable(id)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	spec, err := s.rules.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, filter.ErrRuleNotFound), errors.Is(err, filter.ErrRuleIndex):
		return http.StatusNotFound
	case errors.Is(err, filter.ErrTableFull):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
