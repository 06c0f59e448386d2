/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the dues engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, .env.<env>, DUES_* variables)
  2. Parse command-line flags (override configuration)
  3. Build the zap logger
  4. Initialize SQLite store
  5. Create billing engine, cache and API handler
  6. Start the scheduler when enabled
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: http.port, 8080)
  -db      SQLite database path (default: db.path, dues.db)
           Use ":memory:" for in-memory database
  -config  Directory holding .env.<env> files (default: .)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler (waits for a running job)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/dues.db"

  # Run with in-memory database and the scheduler on
  DUES_SCHEDULER_ENABLED=true ./server -db=":memory:"

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/cache"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/store/sqlite"
)

func main() {
	// Flags
	configDir := flag.String("config", ".", "Directory holding .env.<env> files")
	port := flag.Int("port", 0, "HTTP server port (overrides http.port)")
	dbPath := flag.String("db", "", "SQLite database path (overrides db.path)")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	os.Exit(exitCode(logger, run(cfg, logger)))
}

// exitCode flushes the logger before the process exits; os.Exit skips
// deferred calls.
func exitCode(logger *zap.Logger, err error) int {
	defer logger.Sync()
	if err != nil {
		logger.Error("server failed", zap.Error(err))
		return 1
	}
	return 0
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	engineCfg := billing.DefaultConfig()
	engineCfg.DefaultGraceDays = cfg.Billing.GraceDays
	engineCfg.CoercePendingToOwed = cfg.Billing.CoercePending
	engineCfg.Logger = logger
	engine := billing.NewEngine(store, engineCfg)

	manager := cache.New(cache.Options{DefaultTTL: cfg.Cache.TTL, Logger: logger})
	dues := cache.NewDues(engine, manager, cfg.Cache.StatsTTL, logger)

	handler := api.NewHandler(engine, dues, store, logger)
	router := api.NewRouter(handler, cfg.HTTP.CORSOrigins)

	if cfg.Scheduler.Enabled {
		scheduler := api.NewDuesScheduler(engine, dues, logger)
		if err := scheduler.Start(cfg.Scheduler.ReclassifyCron, cfg.Scheduler.GenerateCron); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("env", cfg.Env),
			zap.String("db", cfg.DB.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		return err
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
