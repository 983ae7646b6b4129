package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/dataport/internal/api/handler"
	"github.com/cuongbtq/dataport/internal/api/router"
	"github.com/cuongbtq/dataport/internal/bootstrap"
	"github.com/cuongbtq/dataport/internal/config"
	"github.com/cuongbtq/dataport/internal/submission"
	"github.com/cuongbtq/dataport/internal/worker"
	"github.com/cuongbtq/dataport/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("embedded_workers", cfg.Worker.Embedded),
	)

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = worker.DefaultWorkerID()
	}

	// Open the store, broker and file storage
	backends, err := bootstrap.Open(context.Background(), cfg, appLogger.Logger, bootstrap.Options{WorkerID: workerID})
	if err != nil {
		return err
	}
	defer backends.Close()

	service := submission.NewService(&submission.Config{
		Logger:         appLogger.Component("submission"),
		Store:          backends.Store,
		Broker:         backends.Broker,
		Registry:       backends.Registry,
		Files:          backends.Files,
		Retry:          cfg.Pipeline.RetryPolicies(),
		MaxUploadBytes: cfg.Pipeline.MaxUploadBytes,
	})

	// Start in-process worker pools when the API runs alone
	var manager *worker.Manager
	managerDone := make(chan error, 1)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if cfg.Worker.Embedded {
		manager = bootstrap.NewManager(cfg, backends, appLogger.Component("worker"), workerID)
		go func() {
			managerDone <- manager.Run(workerCtx)
		}()
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Component("http"), service, backends.HealthChecks())

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed to start",
			slog.Any("error", err),
		)
		return err
	case err := <-managerDone:
		appLogger.Error("Embedded workers stopped unexpectedly",
			slog.Any("error", err),
		)
		manager = nil
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	if manager != nil {
		stopWorkers()
		waitForWorkers(appLogger.Logger, managerDone, cfg.Worker.ShutdownTimeout)
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// waitForWorkers gives in-flight jobs up to timeout to settle
func waitForWorkers(logger *slog.Logger, done <-chan error, timeout time.Duration) {
	select {
	case <-done:
		logger.Info("Embedded workers stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, service *submission.Service, checks map[string]func(context.Context) error) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:         logger,
		Service:        service,
		MaxUploadBytes: cfg.Pipeline.MaxUploadBytes,
		HealthChecks:   checks,
	}

	// Setup router
	return router.SetupRouter(handlerDeps)
}
