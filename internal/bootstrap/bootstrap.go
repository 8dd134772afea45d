// Package bootstrap turns a loaded config into the live dependencies the
// binaries share: logger, database, notification transport and queue
// manager.
package bootstrap

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/pgqueue/internal/config"
	"github.com/cuongbtq/pgqueue/internal/notify"
	"github.com/cuongbtq/pgqueue/internal/queue"
	"github.com/cuongbtq/pgqueue/internal/store"
	"github.com/cuongbtq/pgqueue/internal/store/postgres"
	"github.com/cuongbtq/pgqueue/shared/logger"
	"github.com/cuongbtq/pgqueue/shared/postgresql"
	"github.com/cuongbtq/pgqueue/shared/rabbitmq"
)

// ConfigPath returns the value of envVar, or fallback when it is unset.
// A .env file in the working directory is loaded first.
func ConfigPath(envVar, fallback string) string {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}
	if p := os.Getenv(envVar); p != "" {
		return p
	}
	return fallback
}

// Logger initializes the application logger
func Logger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// PostgreSQL initializes the PostgreSQL database client
func PostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:                 cfg.Host,
		Port:                 cfg.Port,
		User:                 cfg.User,
		Password:             cfg.Password,
		Database:             cfg.Database,
		SSLMode:              cfg.SSLMode,
		MaxOpenConns:         cfg.MaxOpenConns,
		MaxIdleConns:         cfg.MaxIdleConns,
		ConnMaxLifetime:      cfg.ConnMaxLifetime,
		ConnMaxIdleTime:      cfg.ConnMaxIdleTime,
		ListenerMinReconnect: cfg.ListenerMinReconnect,
		ListenerMaxReconnect: cfg.ListenerMaxReconnect,
	}, logger)
}

// RabbitMQ initializes the RabbitMQ client
func RabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// Services bundles the long-lived dependencies of a process.
type Services struct {
	DB      *postgresql.Client
	Rabbit  *rabbitmq.Client
	Store   *postgres.Store
	PubSub  store.PubSub
	Manager *queue.Manager
}

// Open connects to the database and the configured notification transport
// and builds a queue manager over them.
func Open(cfg *config.Config, logger *slog.Logger) (*Services, error) {
	db, err := PostgreSQL(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Info("Database connection established")

	s := &Services{DB: db, Store: postgres.New(db.GetDB(), logger)}

	switch cfg.Notify.Driver {
	case config.NotifyRabbitMQ:
		s.Rabbit, err = RabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		logger.Info("RabbitMQ connection established")
		s.PubSub = notify.NewAMQP(s.Rabbit, logger)
	default:
		s.PubSub = postgres.NewPubSub(db.GetDB(), db.NewListener, logger)
	}

	s.Manager = queue.NewManager(s.Store, s.PubSub, logger,
		queue.WithDefaults(seconds(cfg.Worker.DefaultJobTimeout), seconds(cfg.Worker.DefaultResultTTL)),
		queue.WithLeaseGrace(cfg.Worker.SerialLeaseGrace),
	)
	return s, nil
}

// Close releases every connection held by s.
func (s *Services) Close() error {
	var errs []error
	if s.Rabbit != nil {
		errs = append(errs, s.Rabbit.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}

// seconds rounds d up to whole seconds. Negative durations map to -1.
func seconds(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Second - 1) / time.Second)
}
