package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/engine"
	"dnsgate/pkg/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.manager.Drivers() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRequest struct {
	Port     int                    `json:"port,omitempty"`
	Resolver *config.ResolverConfig `json:"resolver,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := s.manager.Start(req.Port, req.Resolver); err != nil {
		writeError(w, lifecycleStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Stop(); err != nil {
		writeError(w, lifecycleStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Status())
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Toggle(); err != nil {
		writeError(w, lifecycleStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Status())
}

func lifecycleStatus(err error) int {
	if errors.Is(err, engine.ErrIllegalState) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Status())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Config())
}

// handlePutConfig stages new resolver settings; Apply pushes them live.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var rc config.ResolverConfig
	if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	s.pending = &rc
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "staged"})
}

func (s *Server) handleApplyConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending == nil {
		writeError(w, http.StatusBadRequest, errors.New("no staged config to apply"))
		return
	}
	if err := s.manager.UpdateResolverConfig(*pending); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrIllegalState) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Config().Resolver)
}

func (s *Server) handleGetDrivers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"current": s.manager.Drivers().Selection,
		"available": map[string][]string{
			store.ScopeLogs:      store.Available(store.ScopeLogs),
			store.ScopeCache:     store.Available(store.ScopeCache),
			store.ScopeBlacklist: store.Available(store.ScopeBlacklist),
			store.ScopeWhitelist: store.Available(store.ScopeWhitelist),
		},
	})
}

type setDriverRequest struct {
	Driver string `json:"driver"`
}

func (s *Server) handleSetDriver(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")

	var req setDriverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sel := config.DriversConfig{}
	switch scope {
	case store.ScopeLogs:
		sel.Logs = req.Driver
	case store.ScopeCache:
		sel.Cache = req.Driver
	case store.ScopeBlacklist:
		sel.Blacklist = req.Driver
	case store.ScopeWhitelist:
		sel.Whitelist = req.Driver
	default:
		writeError(w, http.StatusNotFound, store.ErrInvalidScope)
		return
	}

	if err := s.manager.UpdateDrivers(sel); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrStorageInit) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Drivers().Selection)
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	cache := s.manager.Drivers().Cache
	writeJSON(w, http.StatusOK, map[string]any{
		"size": cache.Size(),
		"keys": cache.Keys(),
	})
}

func (s *Server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !s.manager.Drivers().Cache.Delete(key) {
		writeError(w, http.StatusNotFound, errors.New("no such cache entry"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": key})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ClearScope(store.ScopeCache); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleLogsGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.LogFilter{
		Type:      store.EntryType(q.Get("type")),
		Level:     q.Get("level"),
		Domain:    q.Get("domain"),
		Provider:  q.Get("provider"),
		RequestID: q.Get("request_id"),
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.Success = &b
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.Start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.End = t
	}

	entries, err := s.manager.Drivers().Logs.Query(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []store.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleLogsClear(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ClearScope(store.ScopeLogs); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleLogsStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Drivers().Logs.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

var metricRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

type metricsResponse struct {
	Range         string  `json:"range"`
	TotalQueries  int     `json:"total_queries"`
	Blocked       int     `json:"blocked"`
	Cached        int     `json:"cached"`
	Whitelisted   int     `json:"whitelisted"`
	Failed        int     `json:"failed"`
	BlockRate     float64 `json:"block_rate"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	DroppedWrites int64   `json:"dropped_log_writes"`
}

// handleMetrics aggregates response entries over a trailing window.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	rangeKey := r.URL.Query().Get("range")
	if rangeKey == "" {
		rangeKey = "1h"
	}
	window, ok := metricRanges[rangeKey]
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("range must be one of 1h, 6h, 24h, 7d"))
		return
	}

	entries, err := s.manager.Drivers().Logs.Query(store.LogFilter{
		Type:  store.EntryResponse,
		Start: time.Now().Add(-window),
		Limit: 100000,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := metricsResponse{Range: rangeKey, DroppedWrites: s.manager.Status().DroppedLogWrites}
	var latencySum float64
	for i := range entries {
		p := entries[i].Processing
		if p == nil {
			continue
		}
		resp.TotalQueries++
		latencySum += p.LatencyMs
		switch {
		case p.Blocked:
			resp.Blocked++
		case p.Cached:
			resp.Cached++
		}
		if p.Whitelisted {
			resp.Whitelisted++
		}
		if !p.Success {
			resp.Failed++
		}
	}
	if resp.TotalQueries > 0 {
		resp.BlockRate = float64(resp.Blocked) / float64(resp.TotalQueries) * 100
		resp.CacheHitRate = float64(resp.Cached) / float64(resp.TotalQueries) * 100
		resp.AvgLatencyMs = latencySum / float64(resp.TotalQueries)
	}
	writeJSON(w, http.StatusOK, resp)
}
