// Package commands implements the jobctl operator commands
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/dataport/internal/bootstrap"
	"github.com/cuongbtq/dataport/internal/config"
	"github.com/cuongbtq/dataport/shared/logger"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

// AppContext holds what every command needs: configuration, logger and the opened store and
// file storage
type AppContext struct {
	Config   *config.Config
	Logger   *logger.Logger
	Backends *bootstrap.Backends
}

// NewAppContext loads the env file and configuration and connects to the job store
func NewAppContext(ctx context.Context, configPath, envFile string) (*AppContext, error) {
	if envFile != "" {
		// A missing env file is fine; settings may come from the environment
		_ = godotenv.Load(envFile)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	backends, err := bootstrap.Open(ctx, cfg, appLogger.Component("jobctl"), bootstrap.Options{SkipBroker: true})
	if err != nil {
		appLogger.Close()
		return nil, err
	}

	return &AppContext{
		Config:   cfg,
		Logger:   appLogger,
		Backends: backends,
	}, nil
}

// Close releases the connections held by the context
func (ac *AppContext) Close() {
	if ac.Backends != nil {
		ac.Backends.Close()
	}
	if ac.Logger != nil {
		ac.Logger.Close()
	}
}

// appContextFromFlags builds an AppContext from the shared --config and --env flags
func appContextFromFlags(ctx context.Context, cmd *cli.Command) (*AppContext, error) {
	return NewAppContext(ctx, cmd.String("config"), cmd.String("env"))
}

// cutoff resolves the --older-than flag against now
func cutoff(cmd *cli.Command, now time.Time) (time.Time, error) {
	olderThan := cmd.Duration("older-than")
	if olderThan < 0 {
		return time.Time{}, fmt.Errorf("--older-than must not be negative")
	}
	return now.Add(-olderThan), nil
}
