package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Notification transports.
const (
	NotifyPostgres = "postgres"
	NotifyRabbitMQ = "rabbitmq"
)

// Job isolation modes.
const (
	IsolationProcess = "process"
	IsolationInline  = "inline"
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app" envPrefix:"APP_"`
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Database DatabaseConfig `yaml:"database" envPrefix:"DATABASE_"`
	Notify   NotifyConfig   `yaml:"notify" envPrefix:"NOTIFY_"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
	Logging  LoggingConfig  `yaml:"logging" envPrefix:"LOG_"`
	Worker   WorkerConfig   `yaml:"worker" envPrefix:"WORKER_"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" env:"NAME"`
	Version     string `yaml:"version" env:"VERSION"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host                 string        `yaml:"host" env:"HOST"`
	Port                 int           `yaml:"port" env:"PORT"`
	User                 string        `yaml:"user" env:"USER"`
	Password             string        `yaml:"password" env:"PASSWORD"`
	Database             string        `yaml:"database" env:"NAME"`
	SSLMode              string        `yaml:"sslmode" env:"SSLMODE"`
	MaxOpenConns         int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns         int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime      time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime      time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	ListenerMinReconnect time.Duration `yaml:"listener_min_reconnect" env:"LISTENER_MIN_RECONNECT"`
	ListenerMaxReconnect time.Duration `yaml:"listener_max_reconnect" env:"LISTENER_MAX_RECONNECT"`
}

// NotifyConfig selects how queue wake-ups travel between processes.
type NotifyConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" env:"HOST"`
	Port       int              `yaml:"port" env:"PORT"`
	User       string           `yaml:"user" env:"USER"`
	Password   string           `yaml:"password" env:"PASSWORD"`
	VHost      string           `yaml:"vhost" env:"VHOST"`
	Exchange   ExchangeConfig   `yaml:"exchange" envPrefix:"EXCHANGE_"`
	Connection ConnectionConfig `yaml:"connection" envPrefix:"CONNECTION_"`
	Publish    PublishConfig    `yaml:"publish" envPrefix:"PUBLISH_"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name" env:"NAME"`
	Type       string `yaml:"type" env:"TYPE"`
	Durable    bool   `yaml:"durable" env:"DURABLE"`
	AutoDelete bool   `yaml:"auto_delete" env:"AUTO_DELETE"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval     time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	Heartbeat         time.Duration `yaml:"heartbeat" env:"HEARTBEAT"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"TIMEOUT"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval     time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LEVEL"`
	Format       string `yaml:"format" env:"FORMAT"`
	Output       string `yaml:"output" env:"OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Name              string        `yaml:"name" env:"NAME"`
	Queues            []string      `yaml:"queues" env:"QUEUES" envSeparator:","`
	SerialQueues      []string      `yaml:"serial_queues" env:"SERIAL_QUEUES" envSeparator:","`
	Burst             bool          `yaml:"burst" env:"BURST"`
	DequeueTimeout    time.Duration `yaml:"dequeue_timeout" env:"DEQUEUE_TIMEOUT"`
	WorkerTTL         time.Duration `yaml:"worker_ttl" env:"TTL"`
	DefaultJobTimeout time.Duration `yaml:"default_job_timeout" env:"DEFAULT_JOB_TIMEOUT"`
	DefaultResultTTL  time.Duration `yaml:"default_result_ttl" env:"DEFAULT_RESULT_TTL"`
	RetentionInterval time.Duration `yaml:"retention_interval" env:"RETENTION_INTERVAL"`
	SerialLeaseGrace  time.Duration `yaml:"serial_lease_grace" env:"SERIAL_LEASE_GRACE"`
	Isolation         string        `yaml:"isolation" env:"ISOLATION"`
	KillGrace         time.Duration `yaml:"kill_grace" env:"KILL_GRACE"`
}

// Serial reports whether name was configured as a serial queue.
func (w *WorkerConfig) Serial(name string) bool {
	return slices.Contains(w.SerialQueues, name)
}

// Load reads the configuration file, overlays environment variables and
// fills in defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	setString(&c.App.Environment, "development")
	setInt(&c.Server.Port, 8080)
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)

	setInt(&c.Database.Port, 5432)
	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Database.MaxOpenConns, 25)
	setInt(&c.Database.MaxIdleConns, 5)
	setDuration(&c.Database.ConnMaxLifetime, 5*time.Minute)
	setDuration(&c.Database.ListenerMinReconnect, 100*time.Millisecond)
	setDuration(&c.Database.ListenerMaxReconnect, 10*time.Second)

	setString(&c.Notify.Driver, NotifyPostgres)

	setInt(&c.RabbitMQ.Port, 5672)
	setString(&c.RabbitMQ.VHost, "/")
	setString(&c.RabbitMQ.Exchange.Name, "pgqueue.notify")
	setString(&c.RabbitMQ.Exchange.Type, "direct")
	setInt(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDuration(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "json")
	setString(&c.Logging.Output, "stdout")

	if len(c.Worker.Queues) == 0 {
		c.Worker.Queues = []string{"default"}
	}
	setDuration(&c.Worker.DequeueTimeout, 5*time.Second)
	setDuration(&c.Worker.WorkerTTL, 420*time.Second)
	setDuration(&c.Worker.DefaultJobTimeout, 180*time.Second)
	setDuration(&c.Worker.DefaultResultTTL, 500*time.Second)
	setDuration(&c.Worker.RetentionInterval, time.Minute)
	setDuration(&c.Worker.SerialLeaseGrace, 5*time.Second)
	setString(&c.Worker.Isolation, IsolationProcess)
	setDuration(&c.Worker.KillGrace, 5*time.Second)
}

// ValidationError collects every problem found in one pass.
type ValidationError struct {
	Problems []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error { return errors.Join(e.Problems...) }

type problems []error

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Errorf(format, args...))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return &ValidationError{Problems: p}
}

// ValidateDatabaseConfig checks the database section.
func (c *Config) ValidateDatabaseConfig() error {
	var p problems
	c.checkDatabase(&p)
	return p.err()
}

// ValidateAPIConfig checks what the API service needs.
func (c *Config) ValidateAPIConfig() error {
	var p problems
	checkPort(&p, "server", c.Server.Port)
	c.checkDatabase(&p)
	c.checkNotify(&p)
	return p.err()
}

// ValidateWorkerConfig checks what the worker service needs.
func (c *Config) ValidateWorkerConfig() error {
	var p problems
	c.checkDatabase(&p)
	c.checkNotify(&p)

	w := &c.Worker
	if len(w.Queues) == 0 {
		p.addf("worker queues are required")
	}
	for _, q := range w.Queues {
		if strings.TrimSpace(q) == "" {
			p.addf("worker queue names must not be empty")
		}
		if q == "failed" {
			p.addf("worker cannot listen on the failed queue")
		}
	}
	for _, s := range w.SerialQueues {
		if !slices.Contains(w.Queues, s) {
			p.addf("serial queue %q is not in worker queues", s)
		}
	}
	if w.DequeueTimeout <= 0 {
		p.addf("worker dequeue_timeout must be greater than 0")
	}
	if w.WorkerTTL <= 0 {
		p.addf("worker worker_ttl must be greater than 0")
	}
	if w.DefaultJobTimeout < time.Second {
		p.addf("worker default_job_timeout must be at least 1s")
	}
	if w.DefaultResultTTL < 0 {
		p.addf("worker default_result_ttl must not be negative")
	}
	if w.RetentionInterval <= 0 {
		p.addf("worker retention_interval must be greater than 0")
	}
	if w.SerialLeaseGrace < 0 {
		p.addf("worker serial_lease_grace must not be negative")
	}
	if w.Isolation != IsolationProcess && w.Isolation != IsolationInline {
		p.addf("invalid worker isolation: %q (must be %s or %s)", w.Isolation, IsolationProcess, IsolationInline)
	}
	return p.err()
}

func (c *Config) checkDatabase(p *problems) {
	if c.Database.Host == "" {
		p.addf("database host is required")
	}
	checkPort(p, "database", c.Database.Port)
	if c.Database.Database == "" {
		p.addf("database name is required")
	}
}

func (c *Config) checkNotify(p *problems) {
	switch c.Notify.Driver {
	case NotifyPostgres:
	case NotifyRabbitMQ:
		if c.RabbitMQ.Host == "" {
			p.addf("rabbitmq host is required")
		}
		checkPort(p, "rabbitmq", c.RabbitMQ.Port)
		if c.RabbitMQ.Exchange.Name == "" {
			p.addf("rabbitmq exchange name is required")
		}
	default:
		p.addf("invalid notify driver: %q (must be %s or %s)", c.Notify.Driver, NotifyPostgres, NotifyRabbitMQ)
	}
}

func checkPort(p *problems, what string, port int) {
	if port < MinPort || port > MaxPort {
		p.addf("invalid %s port: %d (must be between %d and %d)", what, port, MinPort, MaxPort)
	}
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
