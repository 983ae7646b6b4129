// Package bootstrap opens the backends selected in the configuration and assembles the
// worker pools shared by the api-service, worker-service and jobctl binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cuongbtq/dataport/internal/broker"
	"github.com/cuongbtq/dataport/internal/config"
	"github.com/cuongbtq/dataport/internal/entity"
	"github.com/cuongbtq/dataport/internal/filestore"
	"github.com/cuongbtq/dataport/internal/job/storage"
	"github.com/cuongbtq/dataport/internal/registry"
	"github.com/cuongbtq/dataport/internal/worker"
	"github.com/cuongbtq/dataport/shared/postgresql"
	"github.com/cuongbtq/dataport/shared/rabbitmq"
	"github.com/cuongbtq/dataport/shared/redis"
)

// Backends holds the opened store, broker, file storage and handler registry together with
// the connections they were built on
type Backends struct {
	Store    storage.Store
	Broker   broker.Broker
	Files    filestore.Store
	Registry *registry.Registry

	logger       *slog.Logger
	dbClient     *postgresql.Client
	redisClient  *redis.Client
	rabbitClient *rabbitmq.Client
}

// Options selects which parts Open connects
type Options struct {
	// SkipBroker leaves Broker nil, for tools that only touch records and files
	SkipBroker bool
	// WorkerID tags RabbitMQ consumers
	WorkerID string
}

// Open connects every backend named in cfg. On error, whatever was already opened is closed.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Backends, error) {
	b := &Backends{logger: logger}

	if err := b.openStore(cfg, logger); err != nil {
		b.Close()
		return nil, err
	}

	if !opts.SkipBroker {
		if err := b.openBroker(cfg, logger, opts.WorkerID); err != nil {
			b.Close()
			return nil, err
		}
	}

	if err := b.openFiles(ctx, &cfg.Storage); err != nil {
		b.Close()
		return nil, err
	}

	return b, nil
}

func (b *Backends) openStore(cfg *config.Config, logger *slog.Logger) error {
	var repo entity.Repository

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		dbClient, err := initPostgreSQL(&cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		b.dbClient = dbClient
		b.Store = storage.NewPostgresStore(dbClient.GetDB(), logger)
		repo = entity.NewPostgresRepository(dbClient.GetDB(), logger)
		logger.Info("Database connection established")
	case config.DriverMemory:
		b.Store = storage.NewMemoryStore()
		repo = entity.NewMemoryRepository()
		logger.Warn("Using in-memory job store, records are lost on restart")
	default:
		return fmt.Errorf("unknown store driver: %q", cfg.Store.Driver)
	}

	reg, err := entity.NewRegistry(repo)
	if err != nil {
		return fmt.Errorf("failed to build handler registry: %w", err)
	}
	b.Registry = reg

	return nil
}

func (b *Backends) openBroker(cfg *config.Config, logger *slog.Logger, workerID string) error {
	opts := broker.Options{
		VisibilityTimeout: cfg.Broker.VisibilityTimeout,
		Aging:             cfg.Broker.Aging,
		PollInterval:      cfg.Broker.PollInterval,
	}

	switch cfg.Broker.Driver {
	case config.DriverRabbitMQ:
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		b.rabbitClient = rabbitClient
		if workerID == "" {
			workerID = worker.DefaultWorkerID()
		}
		b.Broker = broker.NewRabbitMQ(rabbitClient, cfg.Broker.Prefix, workerID, cfg.RabbitMQ.Consumer.PrefetchCount, logger)
		logger.Info("RabbitMQ connection established")
	case config.DriverRedis:
		redisClient, err := initRedis(&cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		b.redisClient = redisClient
		b.Broker = broker.NewRedis(redisClient.GetClient(), cfg.Broker.Prefix, opts, logger)
		logger.Info("Redis connection established")
	case config.DriverMemory:
		b.Broker = broker.NewMemory(opts)
		logger.Warn("Using in-memory broker, queued jobs are lost on restart")
	default:
		return fmt.Errorf("unknown broker driver: %q", cfg.Broker.Driver)
	}

	return nil
}

func (b *Backends) openFiles(ctx context.Context, cfg *config.StorageConfig) error {
	switch cfg.Driver {
	case config.DriverLocal:
		files, err := filestore.NewLocal(cfg.Root)
		if err != nil {
			return fmt.Errorf("failed to initialize file storage: %w", err)
		}
		b.Files = files
	case config.DriverS3:
		files, err := filestore.NewS3(ctx, filestore.S3Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UsePathStyle:    cfg.UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize file storage: %w", err)
		}
		b.Files = files
	default:
		return fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}

	b.logger.Info("File storage ready",
		slog.String("driver", cfg.Driver),
	)
	return nil
}

// Database returns the PostgreSQL client, or nil when the store runs in memory
func (b *Backends) Database() *postgresql.Client {
	return b.dbClient
}

// HealthChecks returns one probe per network backend that was opened
func (b *Backends) HealthChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if b.dbClient != nil {
		checks["database"] = b.dbClient.HealthCheck
	}
	if b.redisClient != nil {
		checks["redis"] = b.redisClient.HealthCheck
	}
	if b.rabbitClient != nil {
		rabbitClient := b.rabbitClient
		checks["rabbitmq"] = func(ctx context.Context) error {
			if !rabbitClient.IsConnected() {
				return fmt.Errorf("rabbitmq connection is closed")
			}
			return nil
		}
	}
	return checks
}

// Close stops the broker and releases every connection. It is safe to call on a partially
// opened Backends.
func (b *Backends) Close() {
	if b.Broker != nil {
		if err := b.Broker.Close(); err != nil {
			b.logger.Warn("Failed to close broker", slog.Any("error", err))
		}
	}
	if b.rabbitClient != nil {
		if err := b.rabbitClient.Close(); err != nil {
			b.logger.Warn("Failed to close RabbitMQ client", slog.Any("error", err))
		}
	}
	if b.redisClient != nil {
		if err := b.redisClient.Close(); err != nil {
			b.logger.Warn("Failed to close Redis client", slog.Any("error", err))
		}
	}
	if b.dbClient != nil {
		if err := b.dbClient.Close(); err != nil {
			b.logger.Warn("Failed to close database client", slog.Any("error", err))
		}
	}
}

// NewManager builds one processor and one pool per configured queue class
func NewManager(cfg *config.Config, b *Backends, logger *slog.Logger, workerID string) *worker.Manager {
	if workerID == "" {
		workerID = worker.DefaultWorkerID()
	}

	queues := make([]string, 0, len(cfg.Pipeline.Queues))
	for name := range cfg.Pipeline.Queues {
		queues = append(queues, name)
	}
	sort.Strings(queues)

	pools := make([]*worker.Pool, 0, len(queues))
	for _, queue := range queues {
		processor := worker.NewProcessor(&worker.ProcessorConfig{
			Logger:            logger,
			Store:             b.Store,
			Broker:            b.Broker,
			Registry:          b.Registry,
			Files:             b.Files,
			WorkerID:          workerID,
			Retry:             cfg.Pipeline.RetryPolicy(queue),
			LeaseTimeout:      cfg.Pipeline.LeaseTimeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			JobTimeout:        cfg.Pipeline.JobTimeout,
			FlushEvery:        cfg.Pipeline.FlushEveryRows,
			ErrorLogCap:       cfg.Pipeline.ErrorLogCap,
			ExportRetention:   cfg.Pipeline.ExportRetention,
		})

		pools = append(pools, worker.NewPool(&worker.Config{
			Logger:       logger,
			Broker:       b.Broker,
			Processor:    processor,
			Queue:        queue,
			Concurrency:  cfg.Pipeline.Queues[queue].Concurrency,
			WorkerID:     workerID,
			ErrorBackoff: cfg.Worker.ErrorBackoff,
		}))
	}

	return worker.NewManager(logger, pools...)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRedis initializes the Redis client
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}
