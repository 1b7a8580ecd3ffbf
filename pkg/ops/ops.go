// Package ops exposes the operator HTTP surface: a liveness probe and a
// status snapshot of the data plane. Off by default; enabled via
// ops.enabled in config.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/version"
)

// DataPlane is the cache surface the status endpoint reports on.
// *cache.Client satisfies it.
type DataPlane interface {
	Ping(ctx context.Context) error
	BreakerState() string
	QueueLen(ctx context.Context) int64
	DeadLetterLen(ctx context.Context) int64
	BufferedWrites() int
}

// Generations reports live generation count. *agent.Tracker satisfies it.
type Generations interface {
	Active() int
}

// Status is the /status response body
type Status struct {
	Version           string `json:"version"`
	GitCommit         string `json:"git_commit"`
	Breaker           string `json:"breaker"`
	QueueDepth        int64  `json:"queue_depth"`
	DeadLetterDepth   int64  `json:"dead_letter_depth"`
	BufferedWrites    int    `json:"buffered_writes"`
	ActiveGenerations int    `json:"active_generations"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
}

// Server serves the ops endpoints
type Server struct {
	cache   DataPlane
	gens    Generations
	started time.Time
	srv     *http.Server
}

func New(addr string, cache DataPlane, gens Generations) *Server {
	s := &Server{
		cache:   cache,
		gens:    gens,
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves in the background until Shutdown
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L.WithError(err).Error("ops server failed")
		}
	}()
	logger.L.WithField("addr", s.srv.Addr).Info("ops server listening")
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealthz reports liveness. A failing cache does not fail the
// probe: the gateway degrades to direct durable access by design.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := version.Get()

	st := Status{
		Version:           info.Version,
		GitCommit:         info.GitCommit,
		Breaker:           s.cache.BreakerState(),
		QueueDepth:        s.cache.QueueLen(ctx),
		DeadLetterDepth:   s.cache.DeadLetterLen(ctx),
		BufferedWrites:    s.cache.BufferedWrites(),
		ActiveGenerations: s.gens.Active(),
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		logger.G(ctx).WithError(err).Warn("status encode failed")
	}
}
