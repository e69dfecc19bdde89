// Package bootstrap wires configuration, stores, caches and meters into an
// Allocator for keyalloc CLI commands.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/keyalloc"
	cachememory "github.com/ineyio/keyalloc/cache/memory"
	cacheredis "github.com/ineyio/keyalloc/cache/redis"
	"github.com/ineyio/keyalloc/internal/logging"
	"github.com/ineyio/keyalloc/meter"
	"github.com/ineyio/keyalloc/policy"
	"github.com/ineyio/keyalloc/store/breaker"
	"github.com/ineyio/keyalloc/store/memory"
	"github.com/ineyio/keyalloc/store/postgres"
	"github.com/ineyio/keyalloc/store/sqlite"
)

// App holds everything a command needs.
type App struct {
	Config    keyalloc.Config
	Logger    *slog.Logger
	Store     keyalloc.Store
	Allocator *keyalloc.Allocator
	Registry  *prometheus.Registry

	closers []func()
}

// Options tune Load.
type Options struct {
	// ConfigPath is the YAML config file. Empty means ./keyalloc.yaml.
	ConfigPath string

	// EnvFile is loaded before the config is read. Empty means ./.env;
	// a missing file is ignored.
	EnvFile string

	// Clock overrides the allocator clock.
	Clock keyalloc.Clock
}

// Load reads configuration and builds the App.
func Load(ctx context.Context, opts Options) (*App, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		envFile = filepath.Join(wd, ".env")
	}
	envErr := godotenv.Load(envFile)
	if envErr != nil && errors.Is(envErr, os.ErrNotExist) {
		envErr = nil
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = "keyalloc.yaml"
	}
	cfg, err := keyalloc.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		closers:  []func(){func() { logCloser.Close() }},
	}
	if envErr != nil {
		logger.Warn("failed to load env file", "path", envFile, "error", envErr)
	}

	if err := app.build(ctx, opts); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// New builds an App from an already loaded config. Used by tests and
// embedding programs.
func New(ctx context.Context, cfg keyalloc.Config, logger *slog.Logger, opts Options) (*App, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	if err := app.build(ctx, opts); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if a.Config.Breaker.Enabled {
		store = breaker.New(store, breaker.Config{
			FailureThreshold: a.Config.Breaker.FailureThreshold,
			Timeout:          a.Config.Breaker.Timeout,
			Logger:           a.Logger,
		})
	}
	a.Store = store

	cache, err := a.openCache(ctx)
	if err != nil {
		return err
	}

	pol, err := policy.ByName(a.Config.Policy)
	if err != nil {
		return err
	}

	meters := []keyalloc.Meter{
		meter.NewLogMeter(a.Logger),
		meter.NewPrometheusMeter(a.Registry),
	}
	if a.Config.Notify.WebhookURL != "" {
		meters = append(meters, meter.NewWebhookMeter(a.Config.Notify.WebhookURL, a.Config.Notify.WarnRatio,
			meter.WithWebhookTimeout(a.Config.Notify.Timeout),
			meter.WithWebhookLogger(a.Logger)))
	}

	allocOpts := []keyalloc.Option{
		keyalloc.WithCache(cache),
		keyalloc.WithPolicy(pol),
		keyalloc.WithMeter(meter.Multi(meters...)),
		keyalloc.WithLogger(a.Logger),
	}
	if opts.Clock != nil {
		allocOpts = append(allocOpts, keyalloc.WithClock(opts.Clock))
	}

	a.Allocator, err = keyalloc.NewAllocator(a.Config, store, allocOpts...)
	return err
}

func (a *App) openStore(ctx context.Context) (keyalloc.Store, error) {
	cfg := a.Config.Store
	switch cfg.Driver {
	case "":
		return nil, fmt.Errorf("%w: store.driver is required (postgres, sqlite or memory)", keyalloc.ErrConfiguration)
	case "memory":
		a.Logger.Warn("using in-memory store, state is lost when the process exits")
		return memory.New(), nil
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		meter.RegisterPoolMetrics(a.Registry, pool)
		return postgres.New(pool, postgres.WithTablePrefix(cfg.TablePrefix)), nil
	case "sqlite":
		db, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", keyalloc.ErrConfiguration, err)
		}
		a.closers = append(a.closers, func() { db.Close() })
		return sqlite.New(db, sqlite.WithTablePrefix(cfg.TablePrefix)), nil
	default:
		return nil, fmt.Errorf("%w: store.driver: unknown driver %q", keyalloc.ErrConfiguration, cfg.Driver)
	}
}

func (a *App) openCache(ctx context.Context) (keyalloc.Cache, error) {
	cfg := a.Config.Cache
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return cachememory.New(cfg.TTL), nil
	case "redis":
		client, err := cacheredis.Connect(ctx, cfg.Addr, cfg.Password, cfg.DB)
		if err != nil {
			// The cache is advisory; run without it.
			a.Logger.Warn("redis cache unavailable, continuing without cache", "addr", cfg.Addr, "error", err)
			return nil, nil
		}
		a.closers = append(a.closers, func() { client.Close() })
		return cacheredis.New(client,
			cacheredis.WithKeyPrefix(cfg.KeyPrefix),
			cacheredis.WithTTL(cfg.TTL),
		), nil
	default:
		return nil, fmt.Errorf("%w: cache.driver: unknown driver %q", keyalloc.ErrConfiguration, cfg.Driver)
	}
}

// Provisioner returns the store's provisioning interface.
func (a *App) Provisioner() (keyalloc.Provisioner, error) {
	p, ok := a.Store.(keyalloc.Provisioner)
	if !ok {
		return nil, fmt.Errorf("%w: store does not support provisioning", keyalloc.ErrConfiguration)
	}
	return p, nil
}

// Close releases connections and log files in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
