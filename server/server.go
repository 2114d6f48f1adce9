// Package server wires the engine to a TCP accept loop and a separate
// admin HTTP mux (metrics + health), the Go mapping of the reference's
// asyncio.start_server loop and its companion metrics listener.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/Polqt/meshproxy/breaker"
	"github.com/Polqt/meshproxy/config"
	"github.com/Polqt/meshproxy/engine"
	"github.com/Polqt/meshproxy/limits"
	"github.com/Polqt/meshproxy/metrics"
	"github.com/Polqt/meshproxy/timeouts"
	"github.com/Polqt/meshproxy/upstream"
)

// Server owns the proxy listener, the admin listener, and the Engine they
// share.
type Server struct {
	holder *config.Holder
	log    *slog.Logger

	engine   atomic.Pointer[engine.Engine]
	sink     *metrics.Sink
	registry *metrics.Registry

	listener net.Listener
	adminSrv *http.Server
}

// New builds a Server from the currently-loaded configuration and
// registers a Holder.OnReload subscriber so that a later SIGHUP/file-watch
// reload rebuilds the upstream pool, admission gates, and timeout policy
// from the new Config and atomically swaps them in: the accept loop reads
// s.engine fresh for every accepted connection (see ListenAndServeProxy),
// so a reload takes effect for the next accepted connection while
// connections already in flight keep running against the Engine they
// started with, per spec.md §6's SIGHUP contract. The metrics sink and
// registry are built once and never rebuilt, so counters survive reloads.
func New(holder *config.Holder, log *slog.Logger) (*Server, error) {
	sink := metrics.NewSink()
	registry := metrics.NewRegistry()

	s := &Server{holder: holder, log: log, sink: sink, registry: registry}

	eng, err := buildEngine(holder.Current(), sink, registry, log)
	if err != nil {
		return nil, err
	}
	s.engine.Store(eng)

	holder.OnReload(func(cfg *config.Config) {
		eng, err := buildEngine(cfg, sink, registry, log)
		if err != nil {
			log.Error("reload produced an unusable configuration, keeping previous engine", "error", err)
			return
		}
		s.engine.Store(eng)
		log.Info("engine rebuilt from reloaded configuration", "upstreams", len(cfg.Upstreams))
	})

	return s, nil
}

// buildEngine constructs a fresh Engine (upstream pool, admission gates,
// breaker manager, timeout policy) from cfg. sink, registry, and log are
// shared across every Engine built this way, so reloads don't reset
// counters; the shared logger also keeps the level it was built with, so
// a reload that changes logging.level does not change the level in effect.
func buildEngine(cfg *config.Config, sink *metrics.Sink, registry *metrics.Registry, log *slog.Logger) (*engine.Engine, error) {
	ups := make([]upstream.Upstream, 0, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		ups = append(ups, upstream.Upstream{Host: u.Host, Port: u.Port})
	}
	pool, err := upstream.NewPool(ups)
	if err != nil {
		return nil, err
	}

	lim := limits.NewManager(cfg.Limits.MaxClientConns, cfg.Limits.MaxConnsPerUpstream)
	// The circuit breaker's tuning is not one of the recognized
	// configuration keys (spec.md §6), so every breaker manager is built
	// with the same fixed defaults regardless of what config reloads.
	brk := breaker.NewManager(breaker.DefaultConfig())

	return &engine.Engine{
		Pool:     pool,
		Limits:   lim,
		Breakers: brk,
		Timeouts: timeouts.Policy{
			ConnectMS: cfg.Timeouts.ConnectMS,
			ReadMS:    cfg.Timeouts.ReadMS,
			WriteMS:   cfg.Timeouts.WriteMS,
			TotalMS:   cfg.Timeouts.TotalMS,
		},
		Metrics:  sink,
		Registry: registry,
		Log:      log,
	}, nil
}

// ListenAndServeProxy opens the proxy listener on cfg.Listen and runs the
// accept loop, spawning one goroutine per accepted connection — the Go
// mapping of the reference's asyncio.start_server(client_connected, ...).
// It blocks until the listener is closed (via Shutdown or a fatal Accept
// error) and then returns nil if ctx is already done at that point, or the
// terminal Accept error otherwise; a caller shutting down cancels ctx
// before calling Shutdown.
func (s *Server) ListenAndServeProxy(ctx context.Context) error {
	cfg := s.holder.Current()
	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	s.listener = l
	s.log.Info("meshproxy listening", "addr", cfg.Listen, "upstreams", len(cfg.Upstreams))

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		// Loaded fresh per connection so a reload that landed between two
		// Accepts is visible to this connection but never to ones already
		// running.
		eng := s.engine.Load()
		go eng.HandleConn(ctx, conn)
	}
}

// AdminMux builds the admin HTTP handler: /metrics (the spec-exact
// exposition), /metrics/v2 (the additive prometheus/client_golang
// registry), and /healthz. Any other path 404s.
func (s *Server) AdminMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.sink.Handler())
	mux.Handle("/metrics/v2", s.registry.Handler())
	mux.HandleFunc("/healthz", s.healthz)
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	cfg := s.holder.Current()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"upstreams": len(cfg.Upstreams),
	})
}

// ListenAndServeAdmin starts the admin HTTP server on
// cfg.MetricsListen. It blocks until the server is shut down.
func (s *Server) ListenAndServeAdmin() error {
	cfg := s.holder.Current()
	s.adminSrv = &http.Server{Addr: cfg.MetricsListen, Handler: s.AdminMux()}
	s.log.Info("admin endpoint listening", "addr", cfg.MetricsListen)
	err := s.adminSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes the proxy listener and the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.adminSrv != nil {
		return s.adminSrv.Shutdown(ctx)
	}
	return nil
}
