package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/postrelay/internal/api"
	"github.com/drblury/postrelay/internal/fanout"
	"github.com/drblury/postrelay/internal/posts"
	"github.com/drblury/postrelay/internal/runtime"
	"github.com/drblury/postrelay/internal/runtime/config"
	"github.com/drblury/postrelay/internal/runtime/logging"
	"github.com/drblury/postrelay/internal/sessions"
	"github.com/drblury/postrelay/internal/store/memory"
	"github.com/drblury/postrelay/internal/store/sqlstore"
)

// app holds the components shared by serve and relay.
type app struct {
	cfg      *config.Config
	log      logging.ServiceLogger
	closers  []io.Closer
	hub      *fanout.Hub
	posts    *posts.Service
	relay    *runtime.Service
	sessions *sessions.Manager
}

func newApp(ctx context.Context, cfg *config.Config, log logging.ServiceLogger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	hubOpts := []fanout.Option{fanout.WithBuffer(cfg.SessionBufferSize), fanout.WithLogger(log)}
	if cfg.MetricsEnabled {
		m := fanout.NewMetrics(nil)
		if err := m.Register(); err != nil {
			a.Close()
			return nil, fmt.Errorf("register fan-out metrics: %w", err)
		}
		hubOpts = append(hubOpts, fanout.WithMetrics(m))
	}
	a.hub = fanout.NewHub(hubOpts...)

	a.posts, err = posts.NewService(store, a.hub, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.relay, err = runtime.NewService(ctx, cfg, log, runtime.ServiceDependencies{})
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := runtime.RegisterRelay(a.relay, runtime.RelayConfig{Posts: a.posts}); err != nil {
		a.Close()
		return nil, err
	}

	a.sessions = sessions.NewManager(a.hub,
		sessions.WithLogger(log),
		sessions.WithAllowedOrigins(cfg.AllowedOrigins),
	)
	return a, nil
}

// openStore returns the configured record store and, for SQL stores, the
// handle to close on shutdown.
func openStore(ctx context.Context, cfg *config.Config) (posts.Store, io.Closer, error) {
	if cfg.DatabaseDriver == "" || cfg.DatabaseDriver == "memory" {
		return memory.New(), nil, nil
	}
	s, err := sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return s, s, nil
}

func (a *app) router(producer api.Enqueuer) (http.Handler, error) {
	cfg := api.RouterConfig{
		Posts:            a.posts,
		Producer:         producer,
		Sessions:         a.sessions,
		Handlers:         a.relay.HandlersHandler(),
		Logger:           a.log,
		EnqueueRateLimit: a.cfg.EnqueueRateLimit,
		EnqueueBurst:     a.cfg.EnqueueBurst,
	}
	if a.cfg.MetricsEnabled {
		cfg.Metrics = promhttp.Handler()
	}
	return api.NewRouter(cfg)
}

func (a *app) shutdownTimeout() time.Duration {
	if a.cfg.ShutdownTimeout > 0 {
		return a.cfg.ShutdownTimeout
	}
	return config.DefaultShutdownTimeout
}

// Close releases everything newApp opened. Live sessions go first so no
// client waits on a stopped hub.
func (a *app) Close() error {
	var errs []error
	if a.sessions != nil {
		a.sessions.CloseAll()
	}
	if a.relay != nil {
		errs = append(errs, a.relay.Close())
	}
	if a.hub != nil {
		a.hub.Close()
	}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
