package cli

import (
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/refimport/internal/config"
	"github.com/livinlefevreloca/refimport/internal/controller"
	"github.com/livinlefevreloca/refimport/internal/datasets"
	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/importer"
	"github.com/livinlefevreloca/refimport/internal/source"
	"github.com/livinlefevreloca/refimport/tools/migrator"
)

// app is the process wiring shared by every command
type app struct {
	config     *config.Config
	logger     *slog.Logger
	store      *db.DB
	registry   *importer.Registry
	controller *controller.Controller
}

// loadConfig reads and validates the configuration, applying flag overrides
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// openStore connects to the database and, unless configured otherwise,
// applies pending migrations
func openStore(cfg *config.Config, logger *slog.Logger, migrate bool) (*db.DB, error) {
	logger.Debug("connecting to database", "driver", cfg.Database.Driver)
	store, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to connect to database", err)
	}

	if !migrate {
		return store, nil
	}
	if cfg.Database.SkipMigrations {
		logger.Debug("skipping migrations", "reason", "configured to skip")
		return store, nil
	}
	if err := applyMigrations(store, cfg.Database.MigrationsDir, logger); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func applyMigrations(store *db.DB, dir string, logger *slog.Logger) error {
	logger.Debug("running migrations", "migrations_dir", dir)
	if err := migrator.RunMigrations(store.DB, migrator.Source(dir, db.Migrations())); err != nil {
		return WrapExitError(ExitCommandError, "failed to run migrations", err)
	}

	version, err := migrator.GetCurrentVersion(store.DB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to get schema version", err)
	}
	logger.Info("database schema ready", "version", version)
	return nil
}

// datasetOptions maps the [sources] sections onto the importers
func datasetOptions(cfg *config.Config, client *source.Client) datasets.Options {
	sources := make(map[string]datasets.Source, len(cfg.Sources))
	for name, src := range cfg.Sources {
		sources[name] = datasets.Source{Location: src.Location, BatchSize: src.BatchSize}
	}
	return datasets.Options{Client: client, Sources: sources}
}

// newRegistry registers every importer without touching the database
func newRegistry(cfg *config.Config, logger *slog.Logger) (*importer.Registry, error) {
	client := source.NewClient(cfg.HTTP, logger)
	reg := importer.NewRegistry()
	if err := datasets.Register(reg, datasetOptions(cfg, client)); err != nil {
		return nil, errors.Wrap(err, "register importers")
	}
	return reg, nil
}

// newApp builds everything a command touching runs needs
func newApp(opts *RootOptions, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging, stderr)

	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg, logger, true)
	if err != nil {
		return nil, err
	}

	return &app{
		config:     cfg,
		logger:     logger,
		store:      store,
		registry:   reg,
		controller: controller.New(store, cfg.ControllerConfig(), logger),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}
