package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"project-mirage/internal/analytics"
	"project-mirage/internal/api"
	"project-mirage/internal/cache"
	"project-mirage/internal/config"
	"project-mirage/internal/downloader"
	"project-mirage/internal/format"
	"project-mirage/internal/kemono"
	"project-mirage/internal/logger"
	"project-mirage/internal/migrate"
	"project-mirage/internal/model"
	"project-mirage/internal/plugin"
	"project-mirage/internal/proxy"
	"project-mirage/internal/scheduler"
	"project-mirage/internal/shell"
	"project-mirage/internal/storage"
	"project-mirage/internal/validate"
)

// App is the composition root of the owning process. Everything hangs off
// the data directory; construction fails fast on a broken config and treats
// optional subsystems (proxy pool, analytics, path rules) as degradable.
type App struct {
	log       *slog.Logger
	logCloser io.Closer

	storage  *storage.Storage
	cfg      *config.Manager
	cache    *cache.Cache
	reloader *plugin.Reloader
	pool     proxy.Pool
	client   *kemono.Client
	ledger   *analytics.Ledger
	stats    *analytics.Manager
	sched    *scheduler.Scheduler
	shell    *shell.Shell
	server   *api.ControlServer
}

func NewApp(dataDir string) (*App, error) {
	bootstrapLog := slog.New(logger.NewConsoleHandler(os.Stdout, slog.LevelInfo))

	st, err := storage.New(dataDir, bootstrapLog)
	if err != nil {
		return nil, err
	}
	cfg, err := config.NewManager(st)
	if err != nil {
		return nil, err
	}
	conf := cfg.Get()

	for _, dir := range []string{conf.CacheDir, conf.LogsDir, conf.TempDir, conf.DownloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	log, logCloser, err := logger.New(conf.LogsDir, true)
	if err != nil {
		return nil, err
	}
	app := &App{log: log, logCloser: logCloser, storage: st, cfg: cfg}

	app.cache, err = cache.New(conf.CacheDir, log)
	if err != nil {
		return nil, err
	}

	app.reloader = plugin.NewReloader(filepath.Join(dataDir, "path_rules.json"), log)
	if err := app.reloader.Start(); err != nil {
		log.Warn("path rules disabled", "error", err)
	}
	engine := format.NewEngine(app.reloader)

	app.pool = buildPool(conf, log)
	app.client = kemono.New(kemono.Options{
		Timeout:    time.Duration(conf.RequestTimeout) * time.Second,
		RetryDelay: time.Duration(conf.RetryDelay) * time.Second,
		RateLimit:  conf.RateLimit,
		Pool:       app.pool,
	}, log)

	app.ledger, err = analytics.Open(filepath.Join(dataDir, "analytics.db"))
	if err != nil {
		log.Warn("analytics disabled", "error", err)
	} else {
		app.stats = analytics.NewManager(app.ledger, conf.DownloadDir)
	}

	dl := downloader.New(cfg, log, st, app.cache, app.client, engine, downloader.NewConsoleNotifier(), app.stats)
	app.sched = scheduler.New(cfg, log, st, dl, app.client, app.stats)

	app.shell = shell.New(shell.Deps{
		Storage:    st,
		Config:     cfg,
		Cache:      app.cache,
		Client:     app.client,
		Downloader: dl,
		Scheduler:  app.sched,
		Migrator:   migrate.New(app.cache, engine, log),
		Validator:  validate.New(dataDir, app.cache, engine, log),
		Stats:      app.stats,
		Log:        log,
	})
	app.server = api.NewControlServer(app.shell, app.sched, log)
	return app, nil
}

// buildPool returns the pool the config asks for. A broken Clash setup
// degrades to direct connections instead of blocking startup.
func buildPool(conf *model.Config, log *slog.Logger) proxy.Pool {
	if !conf.UseProxy {
		return proxy.NullPool{}
	}
	pool, err := proxy.NewClashPool(proxy.ClashOptions{
		ExePath:      conf.ClashExePath,
		ConfigPath:   conf.ClashConfigPath,
		BasePort:     conf.ProxyBasePort,
		NumInstances: conf.ProxyNumInstances,
		TempDir:      conf.TempDir,
		SkipKeywords: conf.ProxySkipKeywords,
	}, log)
	if err != nil {
		log.Warn("proxy pool disabled, using direct connections", "error", err)
		return proxy.NullPool{}
	}
	return pool
}

// Run binds the control port, starts the scheduler and blocks in the
// interactive shell until exit.
func (a *App) Run(in io.Reader, out io.Writer) error {
	if err := a.server.Start(a.cfg.Get().RPCPort); err != nil {
		return err
	}
	a.client.Init()
	a.sched.Start()
	a.shell.Run(in, out)
	return nil
}

// Shutdown tears the process down in reverse construction order.
func (a *App) Shutdown() {
	a.log.Info("shutting down")
	a.sched.CancelAll()
	a.sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Warn("control server shutdown", "error", err)
	}

	a.pool.Cleanup()
	if a.reloader != nil {
		a.reloader.Close()
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}
