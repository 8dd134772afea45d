package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/pgqueue/internal/bootstrap"
	"github.com/cuongbtq/pgqueue/internal/config"
	"github.com/cuongbtq/pgqueue/internal/queue"
	"github.com/cuongbtq/pgqueue/internal/store"
)

// session is what a subcommand works against.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	mgr    *queue.Manager
	store  store.Store
	db     *sql.DB
	close  func() error
}

// env opens sessions on demand so that --help and flag errors never touch
// the database.
type env struct {
	configPath string
	// open is replaced in tests.
	open func() (*session, error)
}

func (e *env) session() (*session, error) {
	if e.open != nil {
		return e.open()
	}

	path := e.configPath
	if path == "" {
		path = bootstrap.ConfigPath("JOBCTL_CONFIG_PATH", "configs/worker-service/config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateDatabaseConfig(); err != nil {
		return nil, err
	}

	l, err := bootstrap.Logger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	svc, err := bootstrap.Open(cfg, l.Logger)
	if err != nil {
		l.Close()
		return nil, err
	}

	return &session{
		cfg:    cfg,
		logger: l.Logger,
		mgr:    svc.Manager,
		store:  svc.Store,
		db:     svc.DB.GetDB().DB,
		close: func() error {
			err := svc.Close()
			l.Close()
			return err
		},
	}, nil
}

// with runs fn inside a session and closes it afterwards.
func (e *env) with(fn func(s *session) error) error {
	s, err := e.session()
	if err != nil {
		return err
	}
	defer s.close()
	return fn(s)
}
