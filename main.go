package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pulsekpi/pulse-engine/pkg/catalog"
	"github.com/pulsekpi/pulse-engine/pkg/config"
	"github.com/pulsekpi/pulse-engine/pkg/connector"
	"github.com/pulsekpi/pulse-engine/pkg/database"
	"github.com/pulsekpi/pulse-engine/pkg/handlers"
	"github.com/pulsekpi/pulse-engine/pkg/logging"
	"github.com/pulsekpi/pulse-engine/pkg/middleware"
	"github.com/pulsekpi/pulse-engine/pkg/models"
	"github.com/pulsekpi/pulse-engine/pkg/ratelimit"
	"github.com/pulsekpi/pulse-engine/pkg/repositories"
	"github.com/pulsekpi/pulse-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.Int("max_concurrent_syncs", cfg.Sync.MaxConcurrentSyncs),
		zap.Int("metric_definitions", len(cfg.Metrics.Definitions)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Engine exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Catalog database connection
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrate(cfg, logger); err != nil {
		return err
	}

	// Service catalog and shared outbound plumbing
	cat := catalog.New()
	limits := ratelimit.NewRegistry(cat)
	httpClient := &http.Client{Timeout: time.Duration(cfg.Sync.RequestTimeoutSeconds) * time.Second}

	// Repositories
	sources := repositories.NewDatasourceRepository(db)
	runs := repositories.NewSyncRunRepository(db)
	metrics := repositories.NewMetricRepository()

	// Tenant scoping, sync pipeline, metric computation
	scopes := database.NewTenantScopeProvider(db)
	tokens := services.NewTokenManager(sources, cat, cfg.OAuth,
		time.Duration(cfg.Sync.TokenSkewSeconds)*time.Second, httpClient, logger)
	client := connector.NewClient(httpClient, limits, tokens, cat, logger)
	schema := services.NewSchemaGateway(db, logger)
	orchestrator := services.NewSyncOrchestrator(sources, runs, scopes, schema, client, cat, cfg.Sync, logger)
	querier := services.NewWarehouseQuerier(logger)
	engine := services.NewMetricComputationEngine(sources, metrics, schema, scopes, querier, cfg.Metrics, logger)

	// The metric registry is static per deployment. A broken template is a
	// deploy error, so registration failure aborts boot.
	for _, def := range cfg.Metrics.Definitions {
		if err := engine.RegisterMetric(models.MetricDefinition{
			Key:         def.Key,
			DisplayName: def.DisplayName,
			Query:       def.Query,
		}); err != nil {
			return err
		}
	}

	// HTTP surface. Background work triggered by handlers outlives the
	// request, so it runs on the server's base context and is tracked for
	// draining on shutdown.
	var background sync.WaitGroup
	baseCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewDatasourcesHandler(sources, cat, logger).RegisterRoutes(mux)
	handlers.NewSyncHandler(orchestrator, runs, baseCtx, &background, logger).RegisterRoutes(mux)
	handlers.NewMetricsHandler(engine, metrics, scopes, baseCtx, &background, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting pulse-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	grace := time.Duration(cfg.Sync.ShutdownGraceSeconds) * time.Second
	logger.Info("Shutting down", zap.Duration("grace", grace))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("Server shutdown", zap.Error(err))
	}

	// Let in-flight background syncs drain within the same grace window.
	done := make(chan struct{})
	go func() {
		background.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Background work drained")
	case <-shutdownCtx.Done():
		logger.Warn("Grace period elapsed with background work still running")
		cancelBackground()
	}

	return nil
}

// migrate applies pending engine catalog migrations. golang-migrate needs a
// database/sql handle, separate from the pgx pool used at runtime.
func migrate(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return database.RunMigrations(sqlDB, cfg.Database.MigrationsPath, logger)
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "dev" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		parsed, err := zap.ParseAtomicLevel(lvl)
		if err != nil {
			return nil, err
		}
		cfg.Level = parsed
	}
	return cfg.Build()
}
