// Package bootstrap builds the shared clients every service binary wires up
// from its configuration.
package bootstrap

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/config"
	"github.com/cuongbtq/fleet-jobs/internal/notify"
	"github.com/cuongbtq/fleet-jobs/shared/logger"
	"github.com/cuongbtq/fleet-jobs/shared/postgresql"
	"github.com/cuongbtq/fleet-jobs/shared/rabbitmq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// LoadConfig loads .env, resolves the config path from the -config flag or
// envVar and returns the configuration with defaults applied
func LoadConfig(envVar, defaultPath string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	configPath := os.Getenv(envVar)
	if configPath == "" {
		configPath = defaultPath
	}
	path := flag.String("config", configPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		MaxSizeMB:    cfg.MaxSizeMB,
		MaxBackups:   cfg.MaxBackups,
		MaxAgeDays:   cfg.MaxAgeDays,
		Compress:     cfg.Compress,
	})
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
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
		ConnectRetries:  cfg.ConnectRetries,
		RetryInterval:   cfg.RetryInterval,
	}, logger)
}

// RabbitMQConfig maps the job queue settings onto a client configuration
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}

// EventsRabbitMQConfig derives a publish-only client configuration for the
// job events exchange from the broker settings
func EventsRabbitMQConfig(cfg *config.Config) *rabbitmq.Config {
	rc := RabbitMQConfig(&cfg.RabbitMQ)
	rc.ExchangeName = cfg.Notify.Exchange
	rc.ExchangeType = cfg.Notify.ExchangeType
	rc.ExchangeDurable = true
	rc.ExchangeAutoDelete = false
	rc.QueueName = ""
	rc.RoutingKey = ""
	return rc
}

// InitRedis connects to Redis and checks the connection
func InitRedis(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Publishers owns the job event publisher and the connections behind it
type Publishers struct {
	Publisher notify.Publisher
	closers   []func() error
}

// Close releases every connection opened for publishing
func (p *Publishers) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// InitPublisher builds the notification publisher for cfg.Notify.Transport.
// redisClient may be nil when the transport does not use Redis.
func InitPublisher(cfg *config.Config, redisClient redis.UniversalClient, logger *slog.Logger) (*Publishers, error) {
	out := &Publishers{}
	var publishers notify.Multi

	transport := cfg.Notify.Transport
	if transport == config.TransportRabbitMQ || transport == config.TransportBoth {
		client, err := rabbitmq.NewClient(EventsRabbitMQConfig(cfg), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect events exchange: %w", err)
		}
		out.closers = append(out.closers, client.Close)
		publishers = append(publishers, notify.NewAMQPPublisher(client, logger))
	}
	if transport == config.TransportRedis || transport == config.TransportBoth {
		if redisClient == nil {
			_ = out.Close()
			return nil, fmt.Errorf("redis transport requires a redis client")
		}
		publishers = append(publishers, notify.NewRedisPublisher(redisClient, cfg.Notify.RedisChannel, logger))
	}

	switch len(publishers) {
	case 0:
		out.Publisher = notify.Nop{}
	case 1:
		out.Publisher = publishers[0]
	default:
		out.Publisher = publishers
	}
	return out, nil
}

// QueueConnection reports whether a broker client still holds a live connection
type QueueConnection interface {
	IsConnected() bool
}

// HealthCheck combines the database ping with the RabbitMQ connection state
func HealthCheck(db func(ctx context.Context) error, queue QueueConnection) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := db(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if !queue.IsConnected() {
			return errors.New("rabbitmq: not connected")
		}
		return nil
	}
}
