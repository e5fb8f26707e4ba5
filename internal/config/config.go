package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Ledger backends for the command channel
const (
	LedgerMemory = "memory"
	LedgerRedis  = "redis"
)

// Notification transports
const (
	TransportRabbitMQ = "rabbitmq"
	TransportRedis    = "redis"
	TransportBoth     = "both"
	TransportNone     = "none"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq"`
	Redis        RedisConfig        `yaml:"redis"`
	Logging      LoggingConfig      `yaml:"logging"`
	App          AppConfig          `yaml:"app"`
	Worker       WorkerConfig       `yaml:"worker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Channel      ChannelConfig      `yaml:"channel"`
	Notify       NotifyConfig       `yaml:"notify"`
	Agent        AgentConfig        `yaml:"agent"`
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
	ConnectRetries  int           `yaml:"connect_retries"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	EnsureSchema    bool          `yaml:"ensure_schema"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
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

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	MaxSizeMB    int    `yaml:"max_size_mb"`
	MaxBackups   int    `yaml:"max_backups"`
	MaxAgeDays   int    `yaml:"max_age_days"`
	Compress     bool   `yaml:"compress"`
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
	Concurrency       int           `yaml:"concurrency"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LeaseTimeout      time.Duration `yaml:"lease_timeout"`
	RecoveryInterval  time.Duration `yaml:"recovery_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// OrchestratorConfig holds job execution settings
type OrchestratorConfig struct {
	JobTimeout             time.Duration `yaml:"job_timeout"`
	TargetConcurrency      int           `yaml:"target_concurrency"`
	PollInterval           time.Duration `yaml:"poll_interval"`
	PollBackoffMultiplier  float64       `yaml:"poll_backoff_multiplier"`
	PollMaxInterval        time.Duration `yaml:"poll_max_interval"`
	PollMaxAttempts        int           `yaml:"poll_max_attempts"`
	RetryAttempts          int           `yaml:"retry_attempts"`
	RetryInterval          time.Duration `yaml:"retry_interval"`
	RetryBackoffMultiplier float64       `yaml:"retry_backoff_multiplier"`
}

// ChannelConfig holds agent command channel settings
type ChannelConfig struct {
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	DispatchRate     float64       `yaml:"dispatch_rate"`
	DispatchBurst    int           `yaml:"dispatch_burst"`
	CommandRetention time.Duration `yaml:"command_retention"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	Ledger           string        `yaml:"ledger"`
	KeyPrefix        string        `yaml:"key_prefix"`
}

// NotifyConfig holds job event publishing settings
type NotifyConfig struct {
	Transport    string `yaml:"transport"`
	Exchange     string `yaml:"exchange"`
	ExchangeType string `yaml:"exchange_type"`
	RedisChannel string `yaml:"redis_channel"`
}

// AgentConfig holds car agent settings
type AgentConfig struct {
	ID                string        `yaml:"id"`
	WorkerURL         string        `yaml:"worker_url"`
	LogDir            string        `yaml:"log_dir"`
	OutboxDir         string        `yaml:"outbox_dir"`
	PayloadDir        string        `yaml:"payload_dir"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ApplyDefaults fills unset fields with their default values
func (c *Config) ApplyDefaults() {
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)
	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Database.ConnectRetries, 5)
	setDuration(&c.Database.RetryInterval, 2*time.Second)
	setString(&c.RabbitMQ.Exchange.Type, "direct")
	setInt(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setInt(&c.RabbitMQ.Publish.RetryAttempts, 3)
	setDuration(&c.RabbitMQ.Publish.RetryInterval, 100*time.Millisecond)
	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")
	setString(&c.Logging.Output, "stdout")

	setInt(&c.Worker.Concurrency, 4)
	setDuration(&c.Worker.HeartbeatInterval, 10*time.Second)
	setDuration(&c.Worker.LeaseTimeout, 3*c.Worker.HeartbeatInterval)
	setDuration(&c.Worker.RecoveryInterval, 30*time.Second)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)
	setInt(&c.RabbitMQ.Consumer.PrefetchCount, c.Worker.Concurrency)

	setDuration(&c.Orchestrator.JobTimeout, 10*time.Minute)
	setInt(&c.Orchestrator.TargetConcurrency, 1)
	setDuration(&c.Orchestrator.PollInterval, 5*time.Second)
	setInt(&c.Orchestrator.RetryAttempts, 3)
	setDuration(&c.Orchestrator.RetryInterval, 200*time.Millisecond)

	setDuration(&c.Channel.AckTimeout, 10*time.Second)
	setDuration(&c.Channel.WriteTimeout, 10*time.Second)
	setDuration(&c.Channel.CommandRetention, 24*time.Hour)
	setDuration(&c.Channel.SweepInterval, time.Minute)
	setString(&c.Channel.Ledger, LedgerMemory)

	setString(&c.Notify.Transport, TransportRabbitMQ)
	setString(&c.Notify.Exchange, "job_events")
	setString(&c.Notify.ExchangeType, "topic")
	setString(&c.Notify.RedisChannel, "job-events")

	setString(&c.Redis.Addr, "localhost:6379")

	setInt(&c.Agent.MaxConcurrent, 1)
	setDuration(&c.Agent.ReconnectInterval, 5*time.Second)
	setString(&c.Agent.OutboxDir, "outbox")
	setString(&c.Agent.PayloadDir, "payloads")
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field <= 0 {
		*field = value
	}
}

func setDuration(field *time.Duration, value time.Duration) {
	if *field <= 0 {
		*field = value
	}
}

// Validate checks the API service configuration
func (c *Config) Validate() error {
	return c.ValidateAPIConfig()
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.LeaseTimeout <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker lease_timeout must be greater than heartbeat_interval")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Orchestrator.JobTimeout <= 0 {
		return fmt.Errorf("orchestrator job_timeout must be greater than 0")
	}

	if c.Orchestrator.PollInterval <= 0 {
		return fmt.Errorf("orchestrator poll_interval must be greater than 0")
	}

	if c.Orchestrator.PollMaxAttempts < 0 {
		return fmt.Errorf("orchestrator poll_max_attempts must not be negative")
	}

	if c.Orchestrator.PollBackoffMultiplier != 0 && c.Orchestrator.PollBackoffMultiplier < 1 {
		return fmt.Errorf("orchestrator poll_backoff_multiplier must be at least 1")
	}

	switch c.Channel.Ledger {
	case LedgerMemory, LedgerRedis:
	default:
		return fmt.Errorf("invalid channel ledger: %q (must be %s or %s)", c.Channel.Ledger, LedgerMemory, LedgerRedis)
	}

	switch c.Notify.Transport {
	case TransportRabbitMQ, TransportRedis, TransportBoth, TransportNone:
	default:
		return fmt.Errorf("invalid notify transport: %q", c.Notify.Transport)
	}

	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	return nil
}

// ValidateAgentConfig checks the settings the car agent needs
func (c *Config) ValidateAgentConfig() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent id is required")
	}

	if c.Agent.WorkerURL == "" {
		return fmt.Errorf("agent worker_url is required")
	}

	if c.Agent.LogDir == "" {
		return fmt.Errorf("agent log_dir is required")
	}

	if c.Agent.MaxConcurrent <= 0 {
		return fmt.Errorf("agent max_concurrent must be greater than 0")
	}

	return nil
}

// UsesRedis reports whether any worker component needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.Channel.Ledger == LedgerRedis ||
		c.Notify.Transport == TransportRedis ||
		c.Notify.Transport == TransportBoth
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

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
