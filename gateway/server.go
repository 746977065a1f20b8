package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamgate/streamgate/engine"
	"github.com/streamgate/streamgate/internal/netbind"
	"github.com/streamgate/streamgate/internal/origin"
	"github.com/streamgate/streamgate/internal/registry"
	"github.com/streamgate/streamgate/internal/sessioncore"
)

// Server wires the origin gate, listener binder, and request router into a
// running gateway process.
type Server struct {
	cfg     Config
	log     *slog.Logger
	ctrl    *sessioncore.Controller
	handler http.Handler
	httpSrv *http.Server

	binding atomic.Pointer[netbind.Binding]
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	logger *slog.Logger
}

// WithServerLogger sets the server's logger. If not provided, logs are
// discarded.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(c *serverConfig) { c.logger = log }
}

// NewServer assembles a gateway around the given engine factory. The
// returned server owns a fresh session registry; nothing is shared between
// instances.
func NewServer(cfg Config, factory engine.Factory, opts ...ServerOption) (*Server, error) {
	if factory == nil {
		return nil, fmt.Errorf("engine factory is required")
	}
	if cfg.EndpointPath == "" || cfg.EndpointPath[0] != '/' {
		return nil, fmt.Errorf("endpoint path must start with '/', got %q", cfg.EndpointPath)
	}
	if cfg.MaxPortRetries < 0 {
		return nil, fmt.Errorf("max port retries must be >= 0, got %d", cfg.MaxPortRetries)
	}

	sc := &serverConfig{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(sc)
	}

	reg := registry.New()
	ctrl := sessioncore.NewController(reg, factory, sessioncore.WithLogger(sc.logger))
	gate := origin.NewGate(cfg.AllowedOrigins, origin.IsLoopbackHost(cfg.Host))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(promReg, reg.Len)

	endpoint := NewHandler(cfg.EndpointPath, gate, ctrl,
		WithLogger(sc.logger),
		WithMetrics(metrics),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.EndpointPath, endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return &Server{
		cfg:     cfg,
		log:     sc.logger,
		ctrl:    ctrl,
		handler: mux,
	}, nil
}

// Run binds the listener (retrying across ports per the configuration) and
// serves until ctx is canceled or the server fails. On return every session
// has been terminated and the registry is empty.
func (s *Server) Run(ctx context.Context) error {
	binding, err := netbind.Listen(ctx, s.log, s.cfg.Host, s.cfg.Port, s.cfg.MaxPortRetries)
	if err != nil {
		return err
	}
	s.binding.Store(binding)

	s.httpSrv = &http.Server{
		Handler: s.handler,
		// Tie request contexts to Run's ctx so cancellation promptly ends
		// open streams.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(binding.Listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.InfoContext(ctx, "gateway.start", slog.String("addr", binding.Addr()), slog.String("endpoint", s.cfg.EndpointPath))

	select {
	case <-ctx.Done():
		s.log.InfoContext(ctx, "gateway.shutdown.begin")
		return s.shutdown()
	case err := <-errCh:
		s.ctrl.Shutdown(context.Background())
		return err
	}
}

// Binding reports the address actually bound, available once Run has begun
// serving.
func (s *Server) Binding() *netbind.Binding { return s.binding.Load() }

// Close shuts the server down outside of Run's own ctx-cancel path.
func (s *Server) Close() error {
	if s.httpSrv == nil {
		return nil
	}
	return s.shutdown()
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	// Closing the sessions first ends every open stream, which lets the
	// HTTP server drain instead of waiting out the grace period.
	s.ctrl.Shutdown(ctx)

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Error("gateway.shutdown.fail", slog.String("err", err.Error()))
		return err
	}
	s.log.Info("gateway.shutdown.ok")
	return nil
}
