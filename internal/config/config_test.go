package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)
			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
			assert.Equal(t, "localhost", cfg.Database.Host)
			assert.Equal(t, 5432, cfg.Database.Port)
			assert.Equal(t, "jobs_db", cfg.Database.Database)
			assert.Equal(t, "jobs_exchange", cfg.RabbitMQ.Exchange.Name)
			assert.Equal(t, "jobs_queue", cfg.RabbitMQ.Queue.Name)
			assert.Equal(t, "job-api-service", cfg.App.Name)
		})
	}
}

// apiConfig returns a configuration that passes ValidateAPIConfig
func apiConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "jobs_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "jobs_exchange"},
			Queue:    QueueConfig{Name: "jobs_queue"},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "server port too low", mutate: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port"},
		{name: "server port too high", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "empty database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "invalid database port", mutate: func(c *Config) { c.Database.Port = -1 }, errString: "invalid database port"},
		{name: "empty database name", mutate: func(c *Config) { c.Database.Database = "" }, errString: "database name is required"},
		{name: "empty rabbitmq host", mutate: func(c *Config) { c.RabbitMQ.Host = "" }, errString: "rabbitmq host is required"},
		{name: "invalid rabbitmq port", mutate: func(c *Config) { c.RabbitMQ.Port = 0 }, errString: "invalid rabbitmq port"},
		{name: "empty exchange name", mutate: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, errString: "rabbitmq exchange name is required"},
		{name: "empty queue name", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := apiConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "lease not longer than heartbeat", mutate: func(c *Config) { c.Worker.LeaseTimeout = c.Worker.HeartbeatInterval }, errString: "lease_timeout"},
		{name: "negative poll attempts", mutate: func(c *Config) { c.Orchestrator.PollMaxAttempts = -1 }, errString: "poll_max_attempts"},
		{name: "shrinking poll backoff", mutate: func(c *Config) { c.Orchestrator.PollBackoffMultiplier = 0.5 }, errString: "poll_backoff_multiplier"},
		{name: "unknown ledger", mutate: func(c *Config) { c.Channel.Ledger = "etcd" }, errString: "invalid channel ledger"},
		{name: "unknown transport", mutate: func(c *Config) { c.Notify.Transport = "kafka" }, errString: "invalid notify transport"},
		{name: "redis ledger without addr", mutate: func(c *Config) {
			c.Channel.Ledger = LedgerRedis
			c.Redis.Addr = ""
		}, errString: "redis addr is required"},
		{name: "missing queue", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := apiConfig()
			cfg.Server.Port = 8081
			cfg.ApplyDefaults()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateAgentConfig(t *testing.T) {
	cfg := &Config{Agent: AgentConfig{ID: "car-1", WorkerURL: "http://worker:8081", LogDir: "/var/log/car"}}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.ValidateAgentConfig())

	cfg.Agent.WorkerURL = ""
	assert.ErrorContains(t, cfg.ValidateAgentConfig(), "worker_url")

	cfg.Agent.ID = ""
	assert.ErrorContains(t, cfg.ValidateAgentConfig(), "agent id")
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg, err := Load("testdata/worker_config.yaml")
	require.NoError(t, err)

	cfg.ApplyDefaults()

	// explicit values survive
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 15*time.Minute, cfg.Orchestrator.JobTimeout)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.PollInterval)
	assert.Equal(t, 1.5, cfg.Orchestrator.PollBackoffMultiplier)
	assert.Equal(t, 600, cfg.Orchestrator.PollMaxAttempts)
	assert.Equal(t, LedgerRedis, cfg.Channel.Ledger)
	assert.Equal(t, 20.0, cfg.Channel.DispatchRate)
	assert.Equal(t, TransportBoth, cfg.Notify.Transport)

	// derived and unset values get defaults
	assert.Equal(t, 15*time.Second, cfg.Worker.LeaseTimeout)
	assert.Equal(t, 8, cfg.RabbitMQ.Consumer.PrefetchCount)
	assert.Equal(t, 1, cfg.Orchestrator.TargetConcurrency)
	assert.Equal(t, 24*time.Hour, cfg.Channel.CommandRetention)
	assert.Equal(t, "job_events", cfg.Notify.Exchange)
	assert.Equal(t, "job-events", cfg.Notify.RedisChannel)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.True(t, cfg.UsesRedis())

	require.NoError(t, cfg.ValidateWorkerConfig())
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.Validate())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPortConstants(t *testing.T) {
	assert.Equal(t, 1, MinPort)
	assert.Equal(t, 65535, MaxPort)
}
