package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/pgqueue/internal/dispatcher"
	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/flow"
	"github.com/cuongbtq/pgqueue/internal/queue"
	"github.com/cuongbtq/pgqueue/internal/registry"
	"github.com/cuongbtq/pgqueue/internal/store"
	"github.com/cuongbtq/pgqueue/shared/logger"
)

// Defaults applied by New.
const (
	DefaultDequeueTimeout    = 5 * time.Second
	DefaultWorkerTTL         = 420 * time.Second
	DefaultRetentionInterval = 60 * time.Second
)

// ErrColdShutdown is returned by Run when a second signal killed the job in
// flight.
var ErrColdShutdown = errors.New("cold shutdown")

// Config holds worker configuration
type Config struct {
	// Name must be unique among live workers; defaults to hostname.pid.
	Name   string
	Queues []*queue.Queue

	// DequeueTimeout bounds each blocking wait for a job. Maintenance runs
	// between waits.
	DequeueTimeout time.Duration
	// WorkerTTL is added to the running job's timeout to form the lease.
	WorkerTTL time.Duration
	// RetentionInterval throttles the expired-job sweep.
	RetentionInterval time.Duration

	Executor Executor
	// Signals replaces SIGINT/SIGTERM delivery, mainly for tests.
	Signals <-chan os.Signal
	// DisableDefaultExceptionHandler keeps failed jobs out of the failed
	// queue unless a pushed handler moves them.
	DisableDefaultExceptionHandler bool
}

// Worker represents the background job worker
type Worker struct {
	mgr      *queue.Manager
	sub      store.Subscriber
	flows    *flow.Runtime
	logger   *slog.Logger
	name     string
	queues   []*queue.Queue
	executor Executor

	dequeueTimeout    time.Duration
	workerTTL         time.Duration
	retentionInterval time.Duration
	signals           <-chan os.Signal

	mu        sync.Mutex
	handlers  []ExceptionHandler
	busy      bool
	stopping  bool
	cold      bool
	stopIdle  context.CancelFunc
	killJob   context.CancelFunc
	lastSweep time.Time
}

// New creates a worker for the given queues.
func New(mgr *queue.Manager, sub store.Subscriber, cfg Config) (*Worker, error) {
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("worker needs at least one queue")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("worker needs an executor")
	}

	w := &Worker{
		mgr:               mgr,
		sub:               sub,
		flows:             flow.NewRuntime(mgr),
		name:              cfg.Name,
		queues:            cfg.Queues,
		executor:          cfg.Executor,
		dequeueTimeout:    cfg.DequeueTimeout,
		workerTTL:         cfg.WorkerTTL,
		retentionInterval: cfg.RetentionInterval,
		signals:           cfg.Signals,
	}
	if w.name == "" {
		w.name = DefaultName()
	}
	if w.dequeueTimeout <= 0 {
		w.dequeueTimeout = DefaultDequeueTimeout
	}
	if w.workerTTL <= 0 {
		w.workerTTL = DefaultWorkerTTL
	}
	if w.retentionInterval <= 0 {
		w.retentionInterval = DefaultRetentionInterval
	}
	w.logger = mgr.Logger().With(slog.String("worker", w.name))
	if !cfg.DisableDefaultExceptionHandler {
		w.handlers = append(w.handlers, w.moveToFailed)
	}
	return w, nil
}

// DefaultName is hostname.pid.
func DefaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "." + strconv.Itoa(os.Getpid())
}

// Name returns the registration name.
func (w *Worker) Name() string { return w.name }

// Run registers the worker and processes jobs until it is stopped. With burst
// set it returns as soon as no job is runnable.
func (w *Worker) Run(ctx context.Context, burst bool) error {
	if err := w.register(ctx); err != nil {
		return err
	}

	loopCtx, stopIdle := context.WithCancel(ctx)
	defer stopIdle()
	w.mu.Lock()
	w.stopIdle = stopIdle
	w.mu.Unlock()

	signals := w.signals
	if signals == nil {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		signals = ch
	}
	sigDone := make(chan struct{})
	defer close(sigDone)
	go w.watchSignals(signals, sigDone)

	d, err := dispatcher.New(ctx, w.mgr, w.sub, w.queues)
	if err != nil {
		w.unregister(ctx)
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			w.logger.Warn("Failed to close dispatcher", slog.Any("error", err))
		}
	}()

	w.logger.Info("Worker started",
		slog.Any("queues", w.queueNames()),
		slog.Bool("burst", burst),
	)

	runErr := w.loop(loopCtx, d, burst)

	w.unregister(context.WithoutCancel(ctx))
	w.logger.Info("Worker stopped")
	return runErr
}

func (w *Worker) loop(ctx context.Context, d *dispatcher.Dispatcher, burst bool) error {
	for {
		if w.isStopping() {
			return w.stopResult()
		}
		if stop, err := w.stopRequested(ctx); err != nil {
			return err
		} else if stop {
			w.logger.Info("Stop requested")
			return nil
		}

		timeout := w.dequeueTimeout
		if burst {
			timeout = 0
		}
		j, q, err := d.DequeueAny(ctx, timeout)
		switch {
		case errors.Is(err, dispatcher.ErrTimeout):
			w.maintain(ctx)
			continue
		case errors.Is(err, dispatcher.ErrStopNotified):
			continue
		case errors.Is(err, context.Canceled) && w.isStopping():
			return w.stopResult()
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		case j == nil:
			w.logger.Info("No more jobs, burst finished")
			return nil
		}

		w.perform(ctx, j, q)
	}
}

// perform runs one claimed job and records its outcome. A cancelled loop
// context does not interrupt the job; only a second signal does.
func (w *Worker) perform(ctx context.Context, j *domain.Job, q *queue.Queue) {
	bg := context.WithoutCancel(ctx)
	timeout := time.Duration(q.Timeout(j)) * time.Second

	if err := w.mgr.Store().TouchWorker(bg, w.name, w.mgr.Now().Add(timeout+w.workerTTL)); err != nil {
		w.logger.Warn("Failed to refresh worker lease", slog.Any("error", err))
	}

	jobCtx, kill := context.WithCancel(bg)
	defer kill()
	w.mu.Lock()
	w.busy = true
	w.killJob = kill
	cold := w.cold
	w.mu.Unlock()
	if cold {
		kill()
	}

	log := logger.ForJob(w.logger, j.ID, j.UUID.String(), j.Func, j.Origin)
	log.Info("Job started", slog.Duration("timeout", timeout))
	start := time.Now()

	result, runErr := w.executor.Execute(jobCtx, registry.TaskFromJob(j, timeout))

	w.mu.Lock()
	w.busy = false
	w.killJob = nil
	w.mu.Unlock()

	var err error
	if runErr != nil {
		log.Error("Job failed",
			slog.String("kind", string(domain.KindOf(runErr))),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", runErr),
		)
		err = w.fail(bg, j, q, runErr)
	} else {
		log.Info("Job finished", slog.Duration("elapsed", time.Since(start)))
		err = w.finish(bg, j, q, result)
	}
	if err != nil {
		log.Error("Failed to record job outcome", slog.Any("error", err))
	}
}

// watchSignals turns the first signal into a warm shutdown and the second
// into a cold one.
func (w *Worker) watchSignals(signals <-chan os.Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			w.mu.Lock()
			if !w.stopping {
				w.stopping = true
				w.logger.Warn("Warm shutdown requested", slog.String("signal", sig.String()), slog.Bool("busy", w.busy))
				if !w.busy && w.stopIdle != nil {
					w.stopIdle()
				}
			} else {
				w.cold = true
				w.logger.Warn("Cold shutdown requested", slog.String("signal", sig.String()))
				if w.killJob != nil {
					w.killJob()
				}
				if w.stopIdle != nil {
					w.stopIdle()
				}
			}
			w.mu.Unlock()
		}
	}
}

func (w *Worker) isStopping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopping
}

func (w *Worker) stopResult() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cold {
		return ErrColdShutdown
	}
	return nil
}

func (w *Worker) stopRequested(ctx context.Context) (bool, error) {
	rec, err := w.mgr.Store().GetWorker(ctx, w.name)
	if errors.Is(err, domain.ErrWorkerNotFound) {
		return false, fmt.Errorf("worker registration %s disappeared", w.name)
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to read worker registration: %w", err)
	}
	return rec.Stop, nil
}

func (w *Worker) register(ctx context.Context) error {
	now := w.mgr.Now()
	rec := &domain.Worker{
		Name:       w.name,
		Birth:      now,
		Expire:     int(w.workerTTL / time.Second),
		QueueNames: w.queueNames(),
		Heartbeat:  now.Add(w.dequeueTimeout + w.workerTTL),
	}
	if err := w.mgr.Store().RegisterWorker(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrWorkerExists) {
			return fmt.Errorf("%w: %s", domain.ErrWorkerExists, w.name)
		}
		return fmt.Errorf("failed to register worker: %w", err)
	}
	w.lastSweep = now
	return nil
}

func (w *Worker) unregister(ctx context.Context) {
	if err := w.mgr.Store().DeleteWorker(ctx, w.name); err != nil && !errors.Is(err, domain.ErrWorkerNotFound) {
		w.logger.Warn("Failed to delete worker registration", slog.Any("error", err))
	}
	w.sweep(ctx)
}

// maintain runs between idle waits: refresh the lease, sweep when due.
func (w *Worker) maintain(ctx context.Context) {
	now := w.mgr.Now()
	if err := w.mgr.Store().TouchWorker(ctx, w.name, now.Add(w.dequeueTimeout+w.workerTTL)); err != nil {
		w.logger.Warn("Failed to refresh worker lease", slog.Any("error", err))
	}
	if now.Sub(w.lastSweep) >= w.retentionInterval {
		w.sweep(ctx)
	}
}

func (w *Worker) sweep(ctx context.Context) {
	now := w.mgr.Now()
	w.lastSweep = now
	res, err := w.mgr.Store().SweepExpired(ctx, w.queueNames(), now)
	if err != nil {
		w.logger.Warn("Retention sweep failed", slog.Any("error", err))
		return
	}
	if res.Jobs > 0 || res.Flows > 0 {
		w.logger.Info("Expired records swept",
			slog.Int64("jobs", res.Jobs),
			slog.Int64("flows", res.Flows),
		)
	}
}

func (w *Worker) queueNames() []string {
	names := make([]string, 0, len(w.queues))
	for _, q := range w.queues {
		names = append(names, q.Name())
	}
	return names
}

// RequestStop asks a worker to stop after its current job: it sets the stop
// flag and wakes the worker's blocked dispatcher on every bound queue.
func RequestStop(ctx context.Context, st store.WorkerStore, pub store.Publisher, name string) error {
	rec, err := st.GetWorker(ctx, name)
	if err != nil {
		return err
	}
	if err := st.SetWorkerStop(ctx, name, true); err != nil {
		return fmt.Errorf("failed to set stop flag: %w", err)
	}
	if pub == nil {
		return nil
	}
	for _, qn := range rec.QueueNames {
		if err := pub.Publish(ctx, store.Channel(qn), domain.StopPayload); err != nil {
			return fmt.Errorf("failed to notify queue %s: %w", qn, err)
		}
	}
	return nil
}

// PruneWorkers deletes registrations whose lease has run out.
func PruneWorkers(ctx context.Context, st store.WorkerStore, now time.Time) (int64, error) {
	return st.PruneWorkers(ctx, now)
}
