package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/pgqueue/internal/bootstrap"
	"github.com/cuongbtq/pgqueue/internal/config"
	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/queue"
	"github.com/cuongbtq/pgqueue/internal/registry"
	"github.com/cuongbtq/pgqueue/internal/worker"
	"github.com/cuongbtq/pgqueue/shared/logger"
)

func main() {
	reg := newRegistry()

	// Re-executed by ProcessExecutor to run a single job.
	if worker.IsChild() {
		if err := worker.ServeChild(context.Background(), reg); err != nil {
			logger.NewDefault().Error("Job process failed", slog.Any("error", err))
			os.Exit(2)
		}
		os.Exit(0)
	}

	if err := run(reg); err != nil {
		if errors.Is(err, worker.ErrColdShutdown) {
			log.Println(err)
			os.Exit(1)
		}
		log.Fatal(err)
	}
}

func run(reg *registry.Registry) error {
	defaultConfigPath := bootstrap.ConfigPath("WORKER_SERVICE_CONFIG_PATH", "configs/worker-service/config.yaml")
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	burst := flag.Bool("burst", false, "Exit once no job is runnable")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *burst {
		cfg.Worker.Burst = true
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return err
	}

	appLogger, err := bootstrap.Logger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Any("queues", cfg.Worker.Queues),
		slog.String("isolation", cfg.Worker.Isolation),
		slog.Bool("burst", cfg.Worker.Burst),
	)

	svc, err := bootstrap.Open(cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queues, err := openQueues(ctx, svc.Manager, &cfg.Worker)
	if err != nil {
		return err
	}

	var executor worker.Executor = &worker.InlineExecutor{Registry: reg}
	if cfg.Worker.Isolation == config.IsolationProcess {
		executor = &worker.ProcessExecutor{
			KillGrace: cfg.Worker.KillGrace,
			Logger:    appLogger.Logger,
		}
	}

	w, err := worker.New(svc.Manager, svc.PubSub, worker.Config{
		Name:              cfg.Worker.Name,
		Queues:            queues,
		DequeueTimeout:    cfg.Worker.DequeueTimeout,
		WorkerTTL:         cfg.Worker.WorkerTTL,
		RetentionInterval: cfg.Worker.RetentionInterval,
		Executor:          executor,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	w.PushExceptionHandler(func(_ context.Context, j *domain.Job, err error) bool {
		appLogger.Warn("Job failed",
			slog.Int64("job_id", j.ID),
			slog.String("func", j.Func),
			slog.String("origin", j.Origin),
			slog.Any("error", err),
		)
		return true
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return w.Run(gctx, cfg.Worker.Burst)
	})
	g.Go(func() error {
		pruneStaleWorkers(gctx, svc, cfg.Worker.RetentionInterval, appLogger.Logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	appLogger.Info("Worker stopped", slog.String("worker", w.Name()))
	return nil
}

func openQueues(ctx context.Context, mgr *queue.Manager, cfg *config.WorkerConfig) ([]*queue.Queue, error) {
	queues := make([]*queue.Queue, 0, len(cfg.Queues))
	for _, name := range cfg.Queues {
		open := mgr.Get
		if cfg.Serial(name) {
			open = mgr.Serial
		}
		q, err := open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to open queue %s: %w", name, err)
		}
		queues = append(queues, q)
	}
	return queues, nil
}

// pruneStaleWorkers drops registrations left behind by workers that died
// without unregistering, so their names can be reused.
func pruneStaleWorkers(ctx context.Context, svc *bootstrap.Services, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := worker.PruneWorkers(ctx, svc.Store, svc.Manager.Now())
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("Failed to prune stale workers", slog.Any("error", err))
				}
				continue
			}
			if n > 0 {
				logger.Info("Pruned stale workers", slog.Int64("count", n))
			}
		}
	}
}
