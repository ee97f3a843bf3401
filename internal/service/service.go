// Package service carries the startup and shutdown scaffolding shared by the
// Parley binaries: configuration loading, logging, telemetry, the broker
// connection, and the health/metrics HTTP listener.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/observe"
)

// Version is stamped into telemetry for all binaries.
const Version = "1.0.0"

// shutdownTimeout bounds graceful HTTP shutdown and telemetry flushing.
const shutdownTimeout = 15 * time.Second

// Runtime bundles the dependencies every binary needs.
type Runtime struct {
	Cfg *config.Config
	Log *slog.Logger
	Bus *broker.Redis

	otelShutdown func(context.Context) error
}

// Start loads the configuration, installs the logger and the OTel providers,
// and connects to the broker. The caller must Close the runtime on exit.
func Start(ctx context.Context, name, configPath string) (*Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    name,
		ServiceVersion: Version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	bus, err := broker.New(cfg.Broker.Addr, cfg.Broker.Password, cfg.Broker.DB, broker.WithLogger(log))
	if err != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = otelShutdown(sctx)
		return nil, fmt.Errorf("broker: %w", err)
	}

	log.Info("service started", "service", name, "version", Version, "broker_addr", cfg.Broker.Addr)
	return &Runtime{Cfg: cfg, Log: log, Bus: bus, otelShutdown: otelShutdown}, nil
}

// ProbeMux returns the standard worker mux: liveness, readiness with a
// broker check, and the Prometheus scrape endpoint.
func (r *Runtime) ProbeMux() *http.ServeMux {
	mux := http.NewServeMux()
	health.New(health.Checker{Name: "broker", Check: r.Bus.Ping}).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Serve runs an HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully. Handlers see ctx as their base context, so in-flight
// WebSocket sessions observe the shutdown. An empty addr blocks until ctx is
// cancelled, for workers that run without a listener.
func (r *Runtime) Serve(ctx context.Context, addr string, handler http.Handler, tlsCfg *config.TLSConfig) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			errCh <- srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

// Close releases the broker connection and flushes telemetry.
func (r *Runtime) Close() {
	if err := r.Bus.Close(); err != nil {
		r.Log.Warn("broker close failed", "error", err)
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.otelShutdown(sctx); err != nil {
		r.Log.Warn("telemetry shutdown failed", "error", err)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var lvl slog.Level
	switch cfg.Level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
