// Package app wires the chanlayer server runtime: config, logging, the channel
// layer backend, HTTP routes, metrics, and the WebSocket gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"chanlayer/cmd/internal/gateway"
	"chanlayer/cmd/internal/layer"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepTimeout    = 10 * time.Second
)

// App is the chanlayer server runtime: it owns the layer backend, the HTTP server
// wiring, and the periodic sweeper.
type App struct {
	cfg Config
	log Logger

	layer    *layer.InstrumentedLayer
	pool     *pgxpool.Pool
	ready    readinessFunc
	registry *prometheus.Registry
	ws       *gateway.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	lcfg, err := cfg.LayerConfig()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	layerMetrics, err := layer.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	gwMetrics, err := gateway.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	backend, pool, ready, err := newBackend(ctx, cfg, lcfg, log)
	if err != nil {
		return nil, err
	}

	l := layer.Instrument(backend, layerMetrics)

	return &App{
		cfg:      cfg,
		log:      log,
		layer:    l,
		pool:     pool,
		ready:    ready,
		registry: reg,
		ws:       gateway.NewWSGateway(log, l, cfg.GatewayOptions(gwMetrics)),
	}, nil
}

// Handler returns the complete HTTP handler (routes plus middleware).
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.ready, a.registry, a.ws)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run starts the HTTP server and the sweeper, and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	// Hijacked WebSocket connections are not tracked by Shutdown; they end when
	// their base context is canceled.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server.start",
			"addr", a.cfg.HTTPAddr,
			"backend", a.cfg.Backend,
			"capacity", a.cfg.Capacity,
			"channel_capacity", a.cfg.ChannelCapacity.String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")
		cancelBase()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if a.cfg.SweepInterval > 0 {
		g.Go(func() error {
			a.sweepLoop(gctx, a.cfg.SweepInterval)
			return nil
		})
	}

	err := g.Wait()

	if cerr := a.Close(); cerr != nil {
		a.log.Error("layer.close.fail", "err", cerr)
	}

	a.log.Info("server.stopped")
	return err
}

// Close releases the backend and the database pool.
func (a *App) Close() error {
	err := a.layer.Close()
	if a.pool != nil {
		a.pool.Close()
	}
	return err
}

func (a *App) sweepLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.sweepOnce(ctx)
		}
	}
}

func (a *App) sweepOnce(ctx context.Context) int {
	sctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	n, err := a.layer.Sweep(sctx)
	switch {
	case err != nil && ctx.Err() == nil:
		a.log.Warn("layer.sweep.fail", "err", err)
	case n > 0:
		a.log.Debug("layer.sweep", "removed", n)
	}
	return n
}

// newBackend opens the layer selected by cfg.Backend. The returned pool is non-nil
// only for postgres; the app owns its lifecycle.
func newBackend(ctx context.Context, cfg Config, lcfg *layer.Config, log Logger) (layer.Layer, *pgxpool.Pool, readinessFunc, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		log.Info("layer.backend", "backend", BackendMemory)
		return layer.NewMemoryLayer(lcfg, layer.WithMemoryLogger(log)), nil, nil, nil

	case BackendPostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres backend: %w", err)
		}

		opts := []layer.PostgresOption{
			layer.WithSchema(cfg.DBSchema),
			layer.WithPostgresLogger(log),
		}
		if cfg.PollInterval > 0 {
			opts = append(opts, layer.WithPollInterval(cfg.PollInterval))
		}

		pl, err := layer.NewPostgresLayer(pool, lcfg, opts...)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		if err := pl.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("postgres backend: %w", err)
		}

		log.Info("layer.backend", "backend", BackendPostgres, "schema", cfg.DBSchema)
		ready := func(ctx context.Context) error { return PingDB(ctx, pool, readinessTimeout) }
		return pl, pool, ready, nil

	case BackendSQLite:
		opts := []layer.SQLiteOption{layer.WithSQLiteLogger(log)}
		if cfg.PollInterval > 0 {
			opts = append(opts, layer.WithSQLitePollInterval(cfg.PollInterval))
		}

		sl, err := layer.OpenSQLiteLayer(ctx, cfg.SQLitePath, lcfg, opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite backend: %w", err)
		}

		log.Info("layer.backend", "backend", BackendSQLite, "path", cfg.SQLitePath)
		return sl, nil, sl.Ping, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
