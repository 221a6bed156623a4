package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/forgesyte/forgesyte/config"
	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/jobs"
	"github.com/forgesyte/forgesyte/logger"
	"github.com/forgesyte/forgesyte/pipeline"
	"github.com/forgesyte/forgesyte/plugin"
	"github.com/forgesyte/forgesyte/plugins"
	"github.com/forgesyte/forgesyte/server"
	"github.com/forgesyte/forgesyte/version"
	"github.com/forgesyte/forgesyte/video"
)

// ServeCmd starts the ForgeSyte analysis server.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the ForgeSyte analysis server",
	Long:    `Launch the HTTP/WebSocket server: plugin tool endpoints, async video jobs, realtime frame streams, and job progress channels.`,
	RunE:    runServe,
}

var (
	serveConfigPath string
	servePort       int
	serveDBPath     string
)

func init() {
	ServeCmd.Flags().StringVar(&serveConfigPath, "config", "", "Config file path (overrides search paths)")
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Job database path (overrides config)")
}

// loadConfig resolves the effective configuration for a command run.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// enabledFactories filters the builtin table by the configured
// whitelist. An empty whitelist enables every builtin.
func enabledFactories(cfg *config.Config) (map[string]plugin.Factory, error) {
	all := plugins.Builtins()
	if len(cfg.Plugins.Enabled) == 0 {
		return all, nil
	}
	enabled := make(map[string]plugin.Factory, len(cfg.Plugins.Enabled))
	for _, name := range cfg.Plugins.Enabled {
		factory, ok := all[name]
		if !ok {
			return nil, errors.Newf("unknown plugin in plugins.enabled: %s", name)
		}
		enabled[name] = factory
	}
	return enabled, nil
}

// buildRegistry loads every enabled plugin and enforces the
// non-empty-registry startup gate.
func buildRegistry(cfg *config.Config) (*plugin.Registry, error) {
	registry := plugin.NewRegistry(version.Host(), time.Duration(cfg.Plugins.ManifestTTLSec)*time.Second)

	factories, err := enabledFactories(cfg)
	if err != nil {
		return nil, err
	}

	services := plugin.NewServices(logger.Logger.Named("plugin"), cfg.Video.Device)
	result := registry.LoadAll(factories, services)
	for name, loadErr := range result.Errors {
		logger.Errorw("Plugin failed to load",
			logger.FieldPlugin, name,
			logger.FieldError, loadErr,
		)
	}

	if err := registry.RequireNonEmpty(); err != nil {
		return nil, errors.Wrap(err, "refusing to start")
	}
	return registry, nil
}

// loadPipelines reads pipeline definitions and resolves the default.
// A configured default that does not load is a startup failure.
func loadPipelines(cfg *config.Config, registry *plugin.Registry) (*pipeline.Store, error) {
	store := pipeline.NewStore()

	if _, err := os.Stat(cfg.Pipelines.Dir); err != nil {
		if cfg.Pipelines.Default != "" {
			return nil, errors.Wrapf(err, "pipelines.default is set but directory %s is unreadable", cfg.Pipelines.Dir)
		}
		logger.Warnw("Pipeline directory missing, no pipelines loaded",
			"dir", cfg.Pipelines.Dir,
		)
		return store, nil
	}

	if err := store.LoadDir(cfg.Pipelines.Dir, registry); err != nil {
		return nil, err
	}

	defaultID := cfg.Pipelines.Default
	if defaultID == "" {
		if ids := store.IDs(); len(ids) > 0 {
			defaultID = ids[0]
		}
	}
	if defaultID != "" {
		if err := store.SetDefault(defaultID); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// openJobDB opens the SQLite job store. An in-memory database is
// per-connection, so it needs shared cache and a pool of one to stay
// visible across the server and worker goroutines.
func openJobDB(path string) (*sql.DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open job database %s", path)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to job database %s", path)
	}
	return db, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	// Flag verbosity wins; otherwise the config file drives the level.
	verbosity, _ := cmd.Flags().GetCount("verbose")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	if verbosity == 0 {
		verbosity = cfg.Logging.Verbosity
		jsonLogs = jsonLogs || cfg.Logging.JSON
	}
	if err := logger.Initialize(jsonLogs, verbosity); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	pipelines, err := loadPipelines(cfg, registry)
	if err != nil {
		return err
	}

	dbPath := cfg.Database.Path
	if serveDBPath != "" {
		dbPath = serveDBPath
	}
	db, err := openJobDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store := jobs.NewStore(db)
	if err := store.Migrate(); err != nil {
		return err
	}

	hub := server.NewHub()
	manager := jobs.NewManager(store, pipelines, hub, cfg.Worker.MaxJobs)

	executor := pipeline.NewExecutor(pipelines, registry)
	videoSvc := video.NewService(cfg.Video.FFmpegPath, cfg.Video.FFprobePath, executor)

	worker := jobs.NewWorker(manager, videoSvc,
		time.Duration(cfg.Worker.PollIntervalMS)*time.Millisecond,
		time.Duration(cfg.Worker.JobTimeoutSec)*time.Second,
	)

	defaultPlugin := cfg.Realtime.DefaultPlugin
	if defaultPlugin == "" {
		summaries := registry.List(cmd.Context())
		defaultPlugin = summaries[0].ID
	}

	srv := server.New(server.Options{
		Registry:  registry,
		Pipelines: pipelines,
		Video:     videoSvc,
		Manager:   manager,
		Worker:    worker,
		Hub:       hub,
		Stream: server.StreamConfig{
			BacklogDepth:    cfg.Realtime.BacklogDepth,
			IdleTimeout:     time.Duration(cfg.Realtime.IdleTimeoutSec) * time.Second,
			MaxFramesPerSec: cfg.Realtime.MaxFramesPerSec,
			DefaultPlugin:   defaultPlugin,
		},
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		HeartbeatWindow: time.Duration(cfg.Worker.HeartbeatWindowMS) * time.Millisecond,
	})

	port := cfg.Port()
	if servePort != 0 {
		port = servePort
	}

	printStartupBanner(verbosity, port, dbPath, registry.Len(), len(pipelines.IDs()))

	// Worker loop runs for the life of the process.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(workerCtx) }()

	// Watch the explicit config file for runtime verbosity changes.
	if serveConfigPath != "" {
		watcher, err := config.NewWatcher(serveConfigPath)
		if err != nil {
			logger.Warnw("Config watcher unavailable", logger.FieldError, err)
		} else {
			watcher.OnReload(func(c *config.Config) error {
				return logger.Initialize(c.Logging.JSON, c.Logging.Verbosity)
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	errChan := make(chan error, 1)
	go func() { errChan <- srv.Start(port) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		stopWorker()
		shutdownDone := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			shutdownDone <- srv.Shutdown(ctx)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			<-workerDone
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
