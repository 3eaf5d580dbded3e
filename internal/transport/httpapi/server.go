// Package httpapi exposes jobs, health, profiles and live state over HTTP
// and WebSocket.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"cupcake/internal/eventbus"
	"cupcake/internal/health"
	"cupcake/internal/jobs"
	"cupcake/internal/metrics"
	"cupcake/internal/observers"
	"cupcake/internal/profiles"
	"cupcake/internal/runtime/supervisor"
	"cupcake/internal/storage"
	logx "cupcake/pkg/logx"
)

// maxRequestSize bounds JSON request bodies.
const maxRequestSize = 1 << 20

// JobStore is the subset of *jobs.Store used by the API.
type JobStore interface {
	Layout() jobs.Layout
	List(ctx context.Context) ([]jobs.Entry, error)
	Create(ctx context.Context, r jobs.Record) error
	Delete(ctx context.Context, name string) error
	Stats(ctx context.Context, name string) jobs.Stats
	ListLogs(ctx context.Context, name string) (jobs.LogList, error)
	LogPath(name string, num int) (string, error)
}

// ProfileStore is the subset of *profiles.Store used by the API.
type ProfileStore interface {
	List(ctx context.Context) ([]profiles.Profile, error)
	Get(ctx context.Context, name string) (profiles.Profile, error)
	Put(ctx context.Context, p profiles.Profile) error
	Delete(ctx context.Context, name string) error
}

type Checker interface {
	Check(ctx context.Context) health.Status
}

// Hub is satisfied by *observers.Hub.
type Hub interface {
	Connect(ctx context.Context, o observers.Observer) (uint64, error)
	Disconnect(id uint64)
}

// Deps are the collaborators behind the routes. Profiles, Audit, Metrics,
// Bus and Runtime may be nil; their routes then answer 404 or do nothing.
type Deps struct {
	Jobs     JobStore
	Health   Checker
	Hub      Hub
	Profiles ProfileStore
	Audit    storage.Store
	Metrics  *metrics.Metrics
	Bus      eventbus.Bus
	Runtime  func() supervisor.Snapshot
	Log      logx.Logger
}

type Options struct {
	// AllowedOrigins for WebSocket upgrades. Empty means same host only;
	// "*" allows any origin.
	AllowedOrigins []string
	LogTailLines   int
	// StaticDir serves the web frontend when set.
	StaticDir string
}

type Server struct {
	deps Deps
	opts Options
	log  logx.Logger
	mux  *http.ServeMux
}

func New(deps Deps, opts Options) *Server {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{deps: deps, opts: opts, log: log.With(logx.String("comp", "http")), mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	m := s.mux
	m.HandleFunc("GET /api/health", s.handleHealth)

	m.HandleFunc("GET /api/jobs", s.handleJobs)
	m.HandleFunc("POST /api/job", s.handleJobCreate)
	m.HandleFunc("DELETE /api/job/{name}", s.handleJobDelete)
	m.HandleFunc("GET /api/job/{name}/stats", s.handleJobStats)
	m.HandleFunc("GET /api/job/{name}/logs", s.handleJobLogs)
	m.HandleFunc("GET /api/job/{name}/log/latest", s.handleLogLatest)
	m.HandleFunc("GET /api/job/{name}/log/{num}", s.handleJobLog)
	m.HandleFunc("GET /ws/cupcake", s.handleStateSocket)

	m.HandleFunc("GET /api/profiles", s.handleProfiles)
	m.HandleFunc("GET /api/profile/{name}", s.handleProfileGet)
	m.HandleFunc("POST /api/profile", s.handleProfilePut)
	m.HandleFunc("DELETE /api/profile/{name}", s.handleProfileDelete)

	m.HandleFunc("GET /api/audit", s.handleAudit)
	m.HandleFunc("GET /api/runtime", s.handleRuntime)
	if s.deps.Metrics != nil {
		m.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	if s.opts.StaticDir != "" {
		s.staticRoutes(s.opts.StaticDir)
	}
}

// Handler returns the routed handler wrapped with recovery and access logging.
func (s *Server) Handler() http.Handler {
	return s.withRecover(s.withAccessLog(s.mux))
}

type ServeConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// Serve listens on cfg.Addr until ctx is canceled, then shuts down
// gracefully within cfg.ShutdownTimeout. ready, if non-nil, is called once
// the listener is bound.
func (s *Server) Serve(ctx context.Context, cfg ServeConfig, ready func(addr net.Addr)) error {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	if ready != nil {
		ready(ln.Addr())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("http stopped")
	return nil
}
