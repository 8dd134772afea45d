package config

import (
	"errors"
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
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "jobs_db", cfg.Database.Database)
				assert.Equal(t, NotifyRabbitMQ, cfg.Notify.Driver)
				assert.Equal(t, "jobs_notify", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "pgqueue-worker", cfg.App.Name)
				assert.Equal(t, []string{"high", "default", "low"}, cfg.Worker.Queues)
				assert.True(t, cfg.Worker.Serial("high"))
				assert.False(t, cfg.Worker.Serial("low"))
				assert.Equal(t, 2*time.Second, cfg.Worker.DequeueTimeout)
				assert.Equal(t, time.Minute, cfg.Worker.DefaultJobTimeout)
				assert.Equal(t, IsolationInline, cfg.Worker.Isolation)

				// Not in the file, filled by ApplyDefaults.
				assert.Equal(t, 420*time.Second, cfg.Worker.WorkerTTL)
				assert.Equal(t, 500*time.Second, cfg.Worker.DefaultResultTTL)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/minimal_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, NotifyPostgres, cfg.Notify.Driver)
	assert.Equal(t, []string{"default"}, cfg.Worker.Queues)
	assert.Equal(t, 5*time.Second, cfg.Worker.DequeueTimeout)
	assert.Equal(t, 180*time.Second, cfg.Worker.DefaultJobTimeout)
	assert.Equal(t, IsolationProcess, cfg.Worker.Isolation)

	require.NoError(t, cfg.ValidateWorkerConfig())
	require.NoError(t, cfg.ValidateAPIConfig())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("WORKER_QUEUES", "emails,reports")
	t.Setenv("WORKER_DEQUEUE_TIMEOUT", "750ms")
	t.Setenv("NOTIFY_DRIVER", "postgres")
	t.Setenv("RABBITMQ_EXCHANGE_NAME", "overridden")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"emails", "reports"}, cfg.Worker.Queues)
	assert.Equal(t, 750*time.Millisecond, cfg.Worker.DequeueTimeout)
	assert.Equal(t, NotifyPostgres, cfg.Notify.Driver)
	assert.Equal(t, "overridden", cfg.RabbitMQ.Exchange.Name)

	// Untouched values keep what the file said.
	assert.Equal(t, "jobs_db", cfg.Database.Database)
	assert.Equal(t, "worker-1", cfg.Worker.Name)
}

func validConfig() *Config {
	cfg := &Config{
		Database: DatabaseConfig{Host: "localhost", Database: "jobs_db"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = -1 },
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name:      "unknown notify driver",
			mutate:    func(c *Config) { c.Notify.Driver = "redis" },
			errString: "invalid notify driver",
		},
		{
			name: "rabbitmq driver needs a host",
			mutate: func(c *Config) {
				c.Notify.Driver = NotifyRabbitMQ
			},
			errString: "rabbitmq host is required",
		},
		{
			name: "rabbitmq driver with host",
			mutate: func(c *Config) {
				c.Notify.Driver = NotifyRabbitMQ
				c.RabbitMQ.Host = "mq"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
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
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:      "no queues",
			mutate:    func(c *Config) { c.Worker.Queues = nil },
			errString: "worker queues are required",
		},
		{
			name:      "failed queue",
			mutate:    func(c *Config) { c.Worker.Queues = []string{"default", "failed"} },
			errString: "cannot listen on the failed queue",
		},
		{
			name:      "serial queue not listened on",
			mutate:    func(c *Config) { c.Worker.SerialQueues = []string{"reports"} },
			errString: `serial queue "reports" is not in worker queues`,
		},
		{
			name:      "zero dequeue timeout",
			mutate:    func(c *Config) { c.Worker.DequeueTimeout = 0 },
			errString: "dequeue_timeout must be greater than 0",
		},
		{
			name:      "sub-second job timeout",
			mutate:    func(c *Config) { c.Worker.DefaultJobTimeout = 500 * time.Millisecond },
			errString: "default_job_timeout must be at least 1s",
		},
		{
			name:      "unknown isolation",
			mutate:    func(c *Config) { c.Worker.Isolation = "thread" },
			errString: "invalid worker isolation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestValidationError_CollectsAll(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Host = ""
	cfg.Database.Database = ""
	cfg.Database.Port = 0

	err := cfg.ValidateDatabaseConfig()
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 3)
	assert.Contains(t, err.Error(), "database host is required")
	assert.Contains(t, err.Error(), "invalid database port: 0")
	assert.Contains(t, err.Error(), "database name is required")
}
