// Package api is the HTTP surface: the DoH endpoint, the admin JSON
// routes and the SSE event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/engine"
	"dnsgate/pkg/events"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/telemetry"
)

// Server is the admin/DoH HTTP server.
type Server struct {
	manager *engine.Manager
	bus     *events.Bus
	metrics *telemetry.Metrics
	logger  *logging.Logger

	version   string
	startTime time.Time

	mu      sync.Mutex
	pending *config.ResolverConfig

	httpServer *http.Server
}

// Config holds the server dependencies.
type Config struct {
	Addr    string
	Manager *engine.Manager
	Bus     *events.Bus
	Metrics *telemetry.Metrics
	Logger  *logging.Logger
	Version string
}

// New creates the HTTP server and its routes.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Server{
		manager:   cfg.Manager,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		logger:    logger.WithField("component", "api"),
		version:   cfg.Version,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// DoH; "/" multiplexes DoH and the dashboard placeholder.
	mux.HandleFunc("/dns-query", s.handleDoH)
	mux.HandleFunc("/{$}", s.routeRoot)

	// Health
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	// Lifecycle
	mux.HandleFunc("POST /api/lifecycle/start", s.handleStart)
	mux.HandleFunc("POST /api/lifecycle/stop", s.handleStop)
	mux.HandleFunc("POST /api/lifecycle/toggle", s.handleToggle)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	// Config
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handlePutConfig)
	mux.HandleFunc("POST /api/config/apply", s.handleApplyConfig)

	// Drivers
	mux.HandleFunc("GET /api/drivers", s.handleGetDrivers)
	mux.HandleFunc("PUT /api/drivers/{scope}", s.handleSetDriver)

	// Domain lists
	for _, scope := range []string{"blacklist", "whitelist"} {
		mux.HandleFunc("GET /api/"+scope, s.listHandler(scope, s.handleListGet))
		mux.HandleFunc("POST /api/"+scope, s.listHandler(scope, s.handleListAdd))
		mux.HandleFunc("DELETE /api/"+scope+"/{domain}", s.listHandler(scope, s.handleListRemove))
		mux.HandleFunc("POST /api/"+scope+"/import", s.listHandler(scope, s.handleListImport))
		mux.HandleFunc("GET /api/"+scope+"/export", s.listHandler(scope, s.handleListExport))
		mux.HandleFunc("POST /api/"+scope+"/clear", s.listHandler(scope, s.handleListClear))
	}

	// Cache
	mux.HandleFunc("GET /api/cache", s.handleCacheGet)
	mux.HandleFunc("DELETE /api/cache/{key...}", s.handleCacheDelete)
	mux.HandleFunc("POST /api/cache/clear", s.handleCacheClear)

	// Logs
	mux.HandleFunc("GET /api/logs", s.handleLogsGet)
	mux.HandleFunc("DELETE /api/logs", s.handleLogsClear)
	mux.HandleFunc("GET /api/logs/stats", s.handleLogsStats)

	// Aggregated metrics over the query log
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	// SSE
	mux.HandleFunc("GET /api/events", s.handleEvents)

	handler := s.loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Start serves until the listener fails. It blocks; run it in a
// goroutine and use Shutdown to stop.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/api/events" {
			return
		}
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"duration_ms", float64(time.Since(start).Microseconds())/1000)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
