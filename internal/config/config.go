package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/dataport/internal/broker"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Driver names accepted by the broker, store and storage sections
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverPostgres = "postgres"
	DriverLocal    = "local"
	DriverS3       = "s3"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Broker   BrokerConfig   `yaml:"broker"`
	Store    StoreConfig    `yaml:"store"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BrokerConfig selects and tunes the queue broker
type BrokerConfig struct {
	Driver            string        `yaml:"driver"` // memory, redis, rabbitmq
	Prefix            string        `yaml:"prefix"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	Aging             time.Duration `yaml:"aging"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// StoreConfig selects the job record store
type StoreConfig struct {
	Driver string `yaml:"driver"` // postgres, memory
}

// StorageConfig selects where uploads and export files are kept
type StorageConfig struct {
	Driver          string `yaml:"driver"` // local, s3
	Root            string `yaml:"root"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// PipelineConfig holds the per-queue pool sizes and retry budgets and the job tuning
type PipelineConfig struct {
	Queues          map[string]QueueConfig `yaml:"queues"`
	ErrorLogCap     int                    `yaml:"error_log_cap"`
	FlushEveryRows  int                    `yaml:"flush_every_rows"`
	ExportRetention time.Duration          `yaml:"export_retention"`
	MaxUploadBytes  int64                  `yaml:"max_upload_bytes"`
	LeaseTimeout    time.Duration          `yaml:"lease_timeout"`
	JobTimeout      time.Duration          `yaml:"job_timeout"`
}

// QueueConfig holds the settings of one queue class
type QueueConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ErrorBackoff      time.Duration `yaml:"error_backoff"`
	// Embedded runs the worker pools inside the API process
	Embedded bool `yaml:"embedded"`
}

// Load reads and parses the configuration file, filling unset pipeline settings with defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills settings the file left empty
func (c *Config) ApplyDefaults() {
	if c.Broker.Driver == "" {
		c.Broker.Driver = DriverRabbitMQ
	}
	if c.Broker.Prefix == "" {
		c.Broker.Prefix = "dataport"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverPostgres
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverLocal
	}
	if c.Storage.Driver == DriverLocal && c.Storage.Root == "" {
		c.Storage.Root = "data"
	}

	p := &c.Pipeline
	if p.Queues == nil {
		p.Queues = make(map[string]QueueConfig)
	}
	for name, def := range map[string]QueueConfig{
		"import": {Concurrency: 5},
		"export": {Concurrency: 3},
	} {
		q := p.Queues[name]
		if q.Concurrency == 0 {
			q.Concurrency = def.Concurrency
		}
		if q.MaxAttempts == 0 {
			q.MaxAttempts = broker.DefaultRetryPolicy.MaxAttempts
		}
		if q.BaseDelay == 0 {
			q.BaseDelay = broker.DefaultRetryPolicy.BaseDelay
		}
		if q.MaxDelay == 0 {
			q.MaxDelay = broker.DefaultRetryPolicy.MaxDelay
		}
		p.Queues[name] = q
	}
	if p.ErrorLogCap == 0 {
		p.ErrorLogCap = 1000
	}
	if p.FlushEveryRows == 0 {
		p.FlushEveryRows = 500
	}
	if p.ExportRetention == 0 {
		p.ExportRetention = 24 * time.Hour
	}
	if p.MaxUploadBytes == 0 {
		p.MaxUploadBytes = 10 << 20
	}
	if p.LeaseTimeout == 0 {
		p.LeaseTimeout = 5 * time.Minute
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
}

// RetryPolicy returns the retry budget of a queue class
func (p PipelineConfig) RetryPolicy(queue string) broker.RetryPolicy {
	q, ok := p.Queues[queue]
	if !ok || q.MaxAttempts <= 0 {
		return broker.DefaultRetryPolicy
	}
	return broker.RetryPolicy{
		MaxAttempts: q.MaxAttempts,
		BaseDelay:   q.BaseDelay,
		MaxDelay:    q.MaxDelay,
	}
}

// RetryPolicies returns the retry budget of every configured queue class
func (p PipelineConfig) RetryPolicies() map[string]broker.RetryPolicy {
	out := make(map[string]broker.RetryPolicy, len(p.Queues))
	for name := range p.Queues {
		out[name] = p.RetryPolicy(name)
	}
	return out
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateBackends(c.Worker.Embedded); err != nil {
		return err
	}

	if c.Pipeline.MaxUploadBytes <= 0 {
		return fmt.Errorf("pipeline max_upload_bytes must be greater than 0")
	}

	if c.Worker.Embedded {
		return c.validatePipeline()
	}
	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateBackends(false); err != nil {
		return err
	}

	if err := c.validatePipeline(); err != nil {
		return err
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

// validateBackends checks the store, broker and file storage sections. In-memory drivers only
// work when the API and the workers share a process.
func (c *Config) validateBackends(allowMemory bool) error {
	switch c.Store.Driver {
	case DriverPostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	case DriverMemory:
		if !allowMemory {
			return fmt.Errorf("store driver %q requires worker.embedded", DriverMemory)
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	switch c.Broker.Driver {
	case DriverRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	case DriverMemory:
		if !allowMemory {
			return fmt.Errorf("broker driver %q requires worker.embedded", DriverMemory)
		}
	default:
		return fmt.Errorf("unknown broker driver: %q", c.Broker.Driver)
	}

	switch c.Storage.Driver {
	case DriverLocal:
		if c.Storage.Root == "" {
			return fmt.Errorf("storage root is required")
		}
	case DriverS3:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage bucket is required")
		}
		if c.Storage.Region == "" {
			return fmt.Errorf("storage region is required")
		}
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validatePipeline() error {
	for _, name := range []string{"import", "export"} {
		q, ok := c.Pipeline.Queues[name]
		if !ok {
			return fmt.Errorf("pipeline queue %q is not configured", name)
		}
		if q.Concurrency <= 0 {
			return fmt.Errorf("pipeline queue %q concurrency must be greater than 0", name)
		}
		if q.MaxAttempts <= 0 {
			return fmt.Errorf("pipeline queue %q max_attempts must be greater than 0", name)
		}
		if q.BaseDelay <= 0 {
			return fmt.Errorf("pipeline queue %q base_delay must be greater than 0", name)
		}
		if q.MaxDelay > 0 && q.MaxDelay < q.BaseDelay {
			return fmt.Errorf("pipeline queue %q max_delay must not be below base_delay", name)
		}
	}

	if c.Pipeline.ErrorLogCap <= 0 {
		return fmt.Errorf("pipeline error_log_cap must be greater than 0")
	}

	if c.Pipeline.FlushEveryRows < 0 {
		return fmt.Errorf("pipeline flush_every_rows must not be negative")
	}

	if c.Pipeline.LeaseTimeout <= 0 {
		return fmt.Errorf("pipeline lease_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval < 0 || c.Worker.HeartbeatInterval >= c.Pipeline.LeaseTimeout {
		return fmt.Errorf("worker heartbeat_interval must be shorter than pipeline lease_timeout")
	}

	if c.Broker.VisibilityTimeout > 0 && c.Broker.VisibilityTimeout < c.Pipeline.LeaseTimeout {
		return fmt.Errorf("broker visibility_timeout must not be shorter than pipeline lease_timeout")
	}

	return nil
}
