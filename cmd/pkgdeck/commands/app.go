package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/pkgdeck/pkg/cache"
	"github.com/openfroyo/pkgdeck/pkg/config"
	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/executor"
	"github.com/openfroyo/pkgdeck/pkg/registry"
	"github.com/openfroyo/pkgdeck/pkg/stores"
	"github.com/openfroyo/pkgdeck/pkg/telemetry"
	"github.com/openfroyo/pkgdeck/pkg/transports/local"
	"github.com/openfroyo/pkgdeck/pkg/transports/ssh"
)

// app is the engine assembled from configuration for one command run.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	exec     *executor.Executor
	registry *registry.Registry
	store    cache.Store
	catalog  *engine.Catalog
	jobs     *engine.JobManager

	closers []func(context.Context) error
}

type appOptions struct {
	version string

	// logToConfig keeps the configured log level; otherwise the CLI level
	// applies (warn, debug with --verbose).
	logToConfig bool

	// discardLogs silences logging unless the configured output is a file.
	discardLogs bool
}

// loadConfig reads the configuration and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if remoteAddr != "" {
		if err := cfg.SetRemote(remoteAddr); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	if err := a.init(ctx, opts); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	telCfg := cfg.TelemetryConfig(opts.version)
	if !opts.logToConfig && !verbose {
		telCfg.Logging.Level = "warn"
	}
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if opts.discardLogs && !isFileOutput(telCfg.Logging.Output) {
		tel.Logger = telemetry.NopLogger()
	}
	a.tel = tel
	a.closers = append(a.closers, tel.Shutdown)
	log.Logger = tel.Logger.Zerolog()
	if opts.logToConfig && !verbose {
		zerolog.SetGlobalLevel(telemetry.ParseLevel(telCfg.Logging.Level))
	}

	var transport executor.Transport = local.New()
	if cfg.IsRemote() {
		sshCfg := cfg.SSHConfig()
		t, err := ssh.New(sshCfg)
		if err != nil {
			return fmt.Errorf("failed to set up remote %s: %w", sshCfg.Address(), err)
		}
		a.closers = append(a.closers, func(context.Context) error { return t.Close() })
		transport = t
	}
	a.exec = executor.New(transport, cfg.ExecutorConfig(), tel)

	a.registry = registry.New(cfg.Registry.ProbeTTL, tel)
	if err := registry.RegisterBuiltin(a.registry, a.exec, cfg.BuiltinOptions()); err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	a.store = store
	if c, ok := store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}

	a.catalog = engine.NewCatalog(a.registry, store, cfg.CatalogConfig(), tel)

	// Remote project directories cannot be watched from here.
	if cfg.Cache.Watch && !cfg.IsRemote() {
		w, err := cache.NewWatcher(store, tel)
		if err != nil {
			logger := tel.Logger.Component("cli")
			logger.Warn().Err(err).Msg("cache watcher disabled")
		} else {
			a.catalog.SetWatcher(w)
			a.closers = append(a.closers, func(context.Context) error { return w.Close() })
		}
	}

	a.jobs = engine.NewJobManager(a.registry, store, cfg.JobsConfig(), tel)
	a.closers = append(a.closers, a.jobs.Shutdown)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	if cfg.Cache.Store != "sqlite" {
		return cache.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Cache.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func isFileOutput(output string) bool {
	return output != "" && output != "stderr" && output != "stdout"
}

// Close releases resources in reverse order of acquisition. Active jobs are
// cancelled.
func (a *app) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp builds the engine, runs fn and tears the engine down.
func withApp(ctx context.Context, opts appOptions, fn func(*app) error) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(ctx); err != nil {
			log.Debug().Err(err).Msg("shutdown")
		}
	}()
	return fn(a)
}
