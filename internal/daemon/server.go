package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/animus-coder/taskplane/internal/app"
	"github.com/animus-coder/taskplane/internal/logging"
	"github.com/animus-coder/taskplane/internal/rpc/controlplane"
	"github.com/animus-coder/taskplane/internal/version"
)

// Server hosts the control-plane RPC, health and metrics endpoints and the
// contract watcher.
type Server struct {
	rt      *app.Runtime
	logger  *zap.Logger
	handler http.Handler
}

// NewServer constructs a daemon instance over a wired runtime.
func NewServer(rt *app.Runtime) *Server {
	s := &Server{rt: rt, logger: logging.Component(rt.Logger, "daemon")}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/metrics", s.metricsHandler)
	controlplane.NewService(
		rt.Router,
		rt.Executor,
		rt.Ledger,
		rt.Contracts.Store(),
		rt.Metrics,
		logging.Component(rt.Logger, "rpc"),
	).Register(mux)

	s.handler = h2c.NewHandler(mux, &http2.Server{})
	return s
}

// Handler returns the h2c-wrapped mux.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on the configured address and blocks until ctx is cancelled
// or a component fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.rt.Config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.rt.Config.Server.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln and, when enabled, the contract watcher.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting taskplane daemon", zap.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down taskplane daemon")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	if s.rt.Config.Server.WatchContracts {
		w := NewWatcher(
			s.rt.Contracts.Store().Dir(),
			s.rt.Contracts,
			s.rt.Config.Server.SweepInterval,
			s.rt.Metrics,
			logging.Component(s.rt.Logger, "watcher"),
		)
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok","version":%q,"host":%q}`, version.Version, s.rt.Host.Name())
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.rt.Config.Server.MetricsEnabled {
		http.NotFound(w, r)
		return
	}

	promhttp.HandlerFor(s.rt.Metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
