package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/internal/core/events"
	"github.com/frahmantamala/credit-recovery/internal/paymentgateway"
	"github.com/frahmantamala/credit-recovery/internal/reconciliation"
	reconpostgres "github.com/frahmantamala/credit-recovery/internal/reconciliation/postgres"
	"github.com/frahmantamala/credit-recovery/pkg/logger"
)

type Dependencies struct {
	Config   *internal.Config
	DB       *sqlx.DB
	Gorm     *gorm.DB
	Logger   *slog.Logger
	Bus      *events.EventBus
	Gateway  *paymentgateway.Client
	Registry *prometheus.Registry
	Metrics  *reconciliation.Metrics
	Engine   *reconciliation.Engine

	logCloser io.Closer
}

// initializeDependencies loads config, sets up logging, opens the database and builds the engine.
// With syncEvents the engine's events are handled before Reconcile returns, which one-shot
// commands want. Failures to reach any prerequisite carry ExitPrerequisite.
func initializeDependencies(console io.Writer, syncEvents bool) (*Dependencies, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logCloser, err := setupLogging(cfg, console)
	if err != nil {
		return nil, err
	}
	lg := logger.L()

	db, err := initDB(cfg.Database)
	if err != nil {
		_ = logCloser.Close()
		return nil, withExitCode(ExitPrerequisite, fmt.Errorf("failed to initialize database: %w", err))
	}

	gdb, err := initGorm(db)
	if err != nil {
		_ = db.Close()
		_ = logCloser.Close()
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	gateway, err := paymentgateway.NewClient(paymentgateway.Config{
		Provider:       cfg.Gateway.Provider,
		BaseURL:        cfg.Gateway.BaseURL,
		SecretKey:      cfg.Gateway.SecretKey,
		Timeout:        cfg.Gateway.Timeout,
		MaxRetries:     cfg.Gateway.MaxRetries,
		RetryBaseDelay: cfg.Gateway.RetryBaseDelay,
	}, lg)
	if err != nil {
		_ = db.Close()
		_ = logCloser.Close()
		return nil, withExitCode(ExitPrerequisite, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := reconciliation.NewMetrics(registry)

	bus := events.NewEventBus(lg)
	reconciliation.NewEventHandler(lg).RegisterEventHandlers(bus)
	var publisher reconciliation.Publisher = bus
	if syncEvents {
		publisher = events.SyncPublisher{Bus: bus}
	}

	engine := reconciliation.NewEngine(
		reconpostgres.NewIntentRepository(gdb),
		gateway,
		publisher,
		reconciliation.Config{
			GatewayTimeout: cfg.Reconciliation.GatewayTimeout,
			ExpireAfter:    cfg.Reconciliation.ExpireAfter,
			PageSize:       cfg.Reconciliation.PageSize,
			WriteTimeout:   cfg.Reconciliation.WriteTimeout,
		},
		lg,
		reconciliation.WithMetrics(metrics),
		reconciliation.WithStats(reconpostgres.NewStatsRepository(db)),
	)

	return &Dependencies{
		Config:    cfg,
		DB:        db,
		Gorm:      gdb,
		Logger:    lg,
		Bus:       bus,
		Gateway:   gateway,
		Registry:  registry,
		Metrics:   metrics,
		Engine:    engine,
		logCloser: logCloser,
	}, nil
}

// Close waits briefly for background event handlers, then releases the database and log file.
func (d *Dependencies) Close(ctx context.Context) {
	if err := d.Bus.Drain(ctx); err != nil {
		d.Logger.Warn("event handlers still running at shutdown", "error", err)
	}
	if err := d.DB.Close(); err != nil {
		d.Logger.Error("database close error", "error", err)
	}
	_ = d.logCloser.Close()
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm shares the sqlx pool with gorm.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
}
