package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/fleet-jobs/internal/config"
	"github.com/cuongbtq/fleet-jobs/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func baseConfig() *config.Config {
	cfg := &config.Config{
		RabbitMQ: config.RabbitMQConfig{
			Host:       "localhost",
			Port:       5672,
			Exchange:   config.ExchangeConfig{Name: "jobs_exchange", Type: "direct", Durable: true},
			Queue:      config.QueueConfig{Name: "jobs_queue", Durable: true},
			RoutingKey: "jobs",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestEventsRabbitMQConfig(t *testing.T) {
	cfg := baseConfig()

	rc := EventsRabbitMQConfig(cfg)

	assert.Equal(t, "job_events", rc.ExchangeName)
	assert.Equal(t, "topic", rc.ExchangeType)
	assert.True(t, rc.ExchangeDurable)
	assert.Empty(t, rc.QueueName)
	assert.Empty(t, rc.RoutingKey)
	assert.Equal(t, "localhost", rc.Host)

	// the job queue settings are untouched
	assert.Equal(t, "jobs_queue", RabbitMQConfig(&cfg.RabbitMQ).QueueName)
}

func TestInitRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := InitRedis(context.Background(), &config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	addr := mr.Addr()
	mr.Close()
	_, err = InitRedis(context.Background(), &config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestInitPublisher(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Notify.Transport = config.TransportNone

		p, err := InitPublisher(cfg, nil, discard)
		require.NoError(t, err)
		assert.IsType(t, notify.Nop{}, p.Publisher)
		assert.NoError(t, p.Close())
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := InitRedis(context.Background(), &config.RedisConfig{Addr: mr.Addr()})
		require.NoError(t, err)
		defer client.Close()

		cfg := baseConfig()
		cfg.Notify.Transport = config.TransportRedis

		p, err := InitPublisher(cfg, client, discard)
		require.NoError(t, err)
		assert.IsType(t, &notify.RedisPublisher{}, p.Publisher)
	})

	t.Run("redis without client", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Notify.Transport = config.TransportRedis

		_, err := InitPublisher(cfg, nil, discard)
		assert.Error(t, err)
	})
}

type queueState bool

func (q queueState) IsConnected() bool { return bool(q) }

func TestHealthCheck(t *testing.T) {
	dbUp := func(context.Context) error { return nil }
	dbDown := func(context.Context) error { return errors.New("connection refused") }
	ctx := context.Background()

	assert.NoError(t, HealthCheck(dbUp, queueState(true))(ctx))
	assert.ErrorContains(t, HealthCheck(dbDown, queueState(true))(ctx), "database: connection refused")
	assert.ErrorContains(t, HealthCheck(dbUp, queueState(false))(ctx), "rabbitmq: not connected")
}
