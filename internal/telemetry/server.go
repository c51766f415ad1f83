// Package telemetry exposes the daemon's /metrics and /healthz endpoints.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "delayq/pkg/logx"
)

type Config struct {
	Enabled bool
	Listen  string // default "127.0.0.1:9106"

	// Pprof mounts /debug/pprof/ on the same listener. Keep the listen
	// address loopback-only when this is on.
	Pprof bool
}

type Server struct {
	srv *http.Server
	log logx.Logger
}

// NewRegistry returns a registry pre-seeded with the standard process and
// Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New builds the server; Start actually listens. Returns nil when disabled.
func New(cfg Config, reg *prometheus.Registry, log logx.Logger) *Server {
	if !cfg.Enabled {
		return nil
	}
	listen := cfg.Listen
	if listen == "" {
		listen = "127.0.0.1:9106"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With(logx.String("comp", "telemetry")),
	}
}

// Start serves in a background goroutine. A nil server is a no-op.
func (s *Server) Start() {
	if s == nil {
		return
	}
	go func() {
		s.log.Info("telemetry listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("telemetry server failed", logx.Err(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
