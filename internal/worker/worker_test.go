package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/flow"
	"github.com/cuongbtq/pgqueue/internal/queue"
	"github.com/cuongbtq/pgqueue/internal/registry"
	"github.com/cuongbtq/pgqueue/internal/store"
	"github.com/cuongbtq/pgqueue/internal/store/memory"
	"github.com/cuongbtq/pgqueue/shared/logger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var epoch = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

type fixture struct {
	mgr   *queue.Manager
	st    *memory.Store
	ps    *memory.PubSub
	clock *clock
	reg   *registry.Registry
	q     *queue.Queue
}

// newFixture uses a fake clock when fake is set; blocking tests need the
// real one because waits are measured in wall time.
func newFixture(t *testing.T, fake bool) *fixture {
	t.Helper()
	f := &fixture{
		st:  memory.New(),
		ps:  memory.NewPubSub(),
		reg: testRegistry(),
	}
	var opts []queue.ManagerOption
	if fake {
		f.clock = &clock{now: epoch}
		opts = append(opts, queue.WithClock(f.clock.Now))
	}
	f.mgr = queue.NewManager(f.st, f.ps, logger.Discard(), opts...)

	q, err := f.mgr.Get(context.Background(), "default")
	require.NoError(t, err)
	f.q = q
	return f
}

func (f *fixture) worker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test-worker"
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []*queue.Queue{f.q}
	}
	if cfg.Executor == nil {
		cfg.Executor = &InlineExecutor{Registry: f.reg}
	}
	if cfg.Signals == nil {
		cfg.Signals = make(chan os.Signal)
	}
	w, err := New(f.mgr, f.ps, cfg)
	require.NoError(t, err)
	return w
}

func (f *fixture) failedCount(t *testing.T) int {
	t.Helper()
	failed, err := f.mgr.Failed(context.Background())
	require.NoError(t, err)
	n, err := failed.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestNew(t *testing.T) {
	f := newFixture(t, false)

	_, err := New(f.mgr, f.ps, Config{Executor: &InlineExecutor{Registry: f.reg}})
	assert.Error(t, err)
	_, err = New(f.mgr, f.ps, Config{Queues: []*queue.Queue{f.q}})
	assert.Error(t, err)

	w, err := New(f.mgr, f.ps, Config{Queues: []*queue.Queue{f.q}, Executor: &InlineExecutor{Registry: f.reg}})
	require.NoError(t, err)
	assert.Equal(t, DefaultName(), w.Name())
	assert.Equal(t, DefaultDequeueTimeout, w.dequeueTimeout)
	assert.Equal(t, DefaultWorkerTTL, w.workerTTL)
	assert.True(t, strings.HasSuffix(w.Name(), "."+strconv.Itoa(os.Getpid())))
}

func TestRun_BurstOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	ok, err := f.q.Enqueue(ctx, "sum", []any{1, 2}, nil)
	require.NoError(t, err)
	bad, err := f.q.Enqueue(ctx, "fail", nil, nil)
	require.NoError(t, err)
	gone, err := f.q.Enqueue(ctx, "sum", []any{5}, nil, queue.WithResultTTL(0))
	require.NoError(t, err)
	kept, err := f.q.Enqueue(ctx, "sum", []any{7}, nil, queue.WithResultTTL(-1))
	require.NoError(t, err)
	unknown, err := f.q.Enqueue(ctx, "does_not_exist", nil, nil)
	require.NoError(t, err)

	w := f.worker(t, Config{})
	require.NoError(t, w.Run(ctx, true))

	got, err := f.st.GetJob(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, got.Status)
	assert.JSONEq(t, `3`, string(got.Result))
	require.NotNil(t, got.EndedAt)
	require.NotNil(t, got.ExpiredAt)
	assert.Equal(t, epoch.Add(domain.DefaultResultTTL*time.Second), *got.ExpiredAt)

	got, err = f.st.GetJob(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, domain.FailedQueueName, got.Queue)
	assert.Equal(t, "default", got.Origin)
	assert.Equal(t, "exploded", got.ExcInfo)

	_, err = f.st.GetJob(ctx, gone.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	got, err = f.st.GetJob(ctx, kept.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ExpiredAt)

	got, err = f.st.GetJob(ctx, unknown.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FailedQueueName, got.Queue)
	assert.Contains(t, got.ExcInfo, "lookup")

	assert.Equal(t, 2, f.failedCount(t))

	_, err = f.st.GetWorker(ctx, "test-worker")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound, "registration is removed on exit")
}

func TestRun_DuplicateName(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	require.NoError(t, f.st.RegisterWorker(ctx, &domain.Worker{Name: "test-worker", Heartbeat: epoch.Add(time.Hour)}))

	err := f.worker(t, Config{}).Run(ctx, true)
	assert.ErrorIs(t, err, domain.ErrWorkerExists)
}

func TestRun_ExceptionHandlerStack(t *testing.T) {
	ctx := context.Background()

	t.Run("most recent first, false stops the walk", func(t *testing.T) {
		f := newFixture(t, true)
		_, err := f.q.Enqueue(ctx, "fail", nil, nil)
		require.NoError(t, err)

		w := f.worker(t, Config{})
		var calls []string
		w.PushExceptionHandler(func(_ context.Context, j *domain.Job, err error) bool {
			calls = append(calls, "first")
			return false
		})
		w.PushExceptionHandler(func(_ context.Context, j *domain.Job, err error) bool {
			calls = append(calls, "second")
			assert.Equal(t, domain.FailureBody, domain.KindOf(err))
			return true
		})

		require.NoError(t, w.Run(ctx, true))
		assert.Equal(t, []string{"second", "first"}, calls)
		assert.Zero(t, f.failedCount(t))
	})

	t.Run("fall through to default", func(t *testing.T) {
		f := newFixture(t, true)
		_, err := f.q.Enqueue(ctx, "fail", nil, nil)
		require.NoError(t, err)

		w := f.worker(t, Config{})
		called := false
		w.PushExceptionHandler(func(context.Context, *domain.Job, error) bool {
			called = true
			return true
		})

		require.NoError(t, w.Run(ctx, true))
		assert.True(t, called)
		assert.Equal(t, 1, f.failedCount(t))
	})

	t.Run("default disabled", func(t *testing.T) {
		f := newFixture(t, true)
		j, err := f.q.Enqueue(ctx, "fail", nil, nil)
		require.NoError(t, err)

		require.NoError(t, f.worker(t, Config{DisableDefaultExceptionHandler: true}).Run(ctx, true))
		assert.Zero(t, f.failedCount(t))

		got, err := f.st.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, got.Status)
		assert.Empty(t, got.Queue)
	})
}

func TestRun_SerialLeaseReleased(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	s, err := f.mgr.Serial(ctx, "single")
	require.NoError(t, err)

	for _, fn := range []string{"sum", "fail", "sum"} {
		_, err := s.Enqueue(ctx, fn, []any{1}, nil)
		require.NoError(t, err)
	}

	require.NoError(t, f.worker(t, Config{Queues: []*queue.Queue{s}}).Run(ctx, true))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "each job released the lease for the next")

	locked, _, err := s.TryLock(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestRun_FlowAdvances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	built, err := flow.Build(ctx, f.mgr, f.q, func(b *flow.Builder) error {
		if _, err := b.Enqueue("sum", []any{1}, nil); err != nil {
			return err
		}
		_, err := b.Enqueue("sum", []any{2}, nil)
		return err
	})
	require.NoError(t, err)

	require.NoError(t, f.worker(t, Config{}).Run(ctx, true))

	for _, j := range built.Jobs {
		got, err := f.st.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFinished, got.Status)
	}
	rec, err := f.st.GetFlow(ctx, built.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowStatusFinished, rec.Status)
}

func TestRun_RecurrenceIndependentOfFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.q.Enqueue(ctx, "fail", nil, nil, queue.WithRepeat(3), queue.WithInterval(time.Minute))
	require.NoError(t, err)

	w := f.worker(t, Config{})
	for i := 0; i < 6; i++ {
		require.NoError(t, w.Run(ctx, true))
		f.clock.Advance(time.Minute)
	}

	assert.Equal(t, 4, f.failedCount(t), "first run plus three occurrences")
	n, err := f.q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_RetentionSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	short, err := f.q.Enqueue(ctx, "sum", []any{1}, nil, queue.WithResultTTL(5))
	require.NoError(t, err)
	forever, err := f.q.Enqueue(ctx, "sum", []any{1}, nil, queue.WithResultTTL(-1))
	require.NoError(t, err)

	w := f.worker(t, Config{})
	require.NoError(t, w.Run(ctx, true))

	f.clock.Advance(3 * time.Second)
	require.NoError(t, w.Run(ctx, true))
	_, err = f.st.GetJob(ctx, short.ID)
	require.NoError(t, err, "still within its retention")

	f.clock.Advance(3 * time.Second)
	require.NoError(t, w.Run(ctx, true))
	_, err = f.st.GetJob(ctx, short.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	f.clock.Advance(24 * time.Hour)
	require.NoError(t, w.Run(ctx, true))
	_, err = f.st.GetJob(ctx, forever.ID)
	assert.NoError(t, err)
}

func waitRegistered(t *testing.T, st store.WorkerStore, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := st.GetWorker(context.Background(), name)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRun_SignalWhileIdle(t *testing.T) {
	f := newFixture(t, false)
	sigs := make(chan os.Signal, 2)
	w := f.worker(t, Config{Signals: sigs, DequeueTimeout: 10 * time.Second})

	errc := make(chan error, 1)
	go func() { errc <- w.Run(context.Background(), false) }()
	waitRegistered(t, f.st, w.Name())

	sigs <- syscall.SIGINT
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRun_WarmShutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	started := make(chan struct{})
	release := make(chan struct{})
	f.reg.MustRegister("block", func(context.Context, registry.Call) (any, error) {
		close(started)
		<-release
		return "done", nil
	})
	j, err := f.q.Enqueue(ctx, "block", nil, nil)
	require.NoError(t, err)

	sigs := make(chan os.Signal, 2)
	w := f.worker(t, Config{Signals: sigs, DequeueTimeout: time.Second})

	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx, false) }()
	<-started

	sigs <- syscall.SIGTERM
	select {
	case <-errc:
		t.Fatal("worker exited before the job finished")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	got, err := f.st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, got.Status)
}

func TestRun_ColdShutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	started := make(chan struct{})
	f.reg.MustRegister("hang", func(ctx context.Context, _ registry.Call) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	j, err := f.q.Enqueue(ctx, "hang", nil, nil, queue.WithTimeout(time.Minute))
	require.NoError(t, err)

	sigs := make(chan os.Signal, 2)
	w := f.worker(t, Config{Signals: sigs, DequeueTimeout: time.Second})

	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx, false) }()
	<-started

	sigs <- syscall.SIGINT
	sigs <- syscall.SIGINT
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrColdShutdown)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	got, err := f.st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, domain.FailedQueueName, got.Queue)
	assert.Contains(t, got.ExcInfo, "killed")
}

func TestRequestStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	w := f.worker(t, Config{Name: "stopper", DequeueTimeout: 2 * time.Second})

	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx, false) }()
	waitRegistered(t, f.st, "stopper")

	require.NoError(t, RequestStop(ctx, f.st, f.ps, "stopper"))
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	err := RequestStop(ctx, f.st, f.ps, "stopper")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestRequestStop_WhileBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	started := make(chan struct{})
	release := make(chan struct{})
	f.reg.MustRegister("block", func(context.Context, registry.Call) (any, error) {
		close(started)
		<-release
		return "done", nil
	})
	running, err := f.q.Enqueue(ctx, "block", nil, nil)
	require.NoError(t, err)
	next, err := f.q.Enqueue(ctx, "sum", []any{1}, nil)
	require.NoError(t, err)

	w := f.worker(t, Config{Name: "busy", DequeueTimeout: time.Second})
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx, false) }()
	<-started

	require.NoError(t, RequestStop(ctx, f.st, f.ps, "busy"))
	select {
	case <-errc:
		t.Fatal("worker exited before the job finished")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	got, err := f.st.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, got.Status)

	got, err = f.st.GetJob(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
}

// brokenStore refuses every job update.
type brokenStore struct {
	*memory.Store
}

func (brokenStore) UpdateJob(context.Context, *domain.Job) error {
	return errors.New("disk full")
}

func TestOutcome_ReleasesLeaseWhenSaveFails(t *testing.T) {
	tests := []struct {
		name   string
		record func(w *Worker, j *domain.Job, q *queue.Queue) error
	}{
		{
			name: "finish",
			record: func(w *Worker, j *domain.Job, q *queue.Queue) error {
				return w.finish(context.Background(), j, q, json.RawMessage(`1`))
			},
		},
		{
			name: "fail",
			record: func(w *Worker, j *domain.Job, q *queue.Queue) error {
				return w.fail(context.Background(), j, q, errors.New("exploded"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c := &clock{now: epoch}
			mgr := queue.NewManager(brokenStore{memory.New()}, memory.NewPubSub(), logger.Discard(), queue.WithClock(c.Now))
			s, err := mgr.Serial(ctx, "single")
			require.NoError(t, err)
			_, err = s.Enqueue(ctx, "sum", []any{1}, nil)
			require.NoError(t, err)

			j, err := s.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, j)

			locked, _, err := s.TryLock(ctx, time.Minute)
			require.NoError(t, err)
			require.False(t, locked, "lease is held while the job runs")

			w, err := New(mgr, memory.NewPubSub(), Config{
				Queues:   []*queue.Queue{s},
				Executor: &InlineExecutor{Registry: testRegistry()},
			})
			require.NoError(t, err)

			assert.ErrorContains(t, tt.record(w, j, s), "disk full")

			locked, _, err = s.TryLock(ctx, time.Minute)
			require.NoError(t, err)
			assert.True(t, locked)
		})
	}
}

func TestPruneWorkers(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.RegisterWorker(ctx, &domain.Worker{Name: "dead", Heartbeat: epoch}))
	require.NoError(t, st.RegisterWorker(ctx, &domain.Worker{Name: "alive", Heartbeat: epoch.Add(time.Hour)}))

	n, err := PruneWorkers(ctx, st, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.GetWorker(ctx, "alive")
	assert.NoError(t, err)
	_, err = st.GetWorker(ctx, "dead")
	assert.True(t, errors.Is(err, domain.ErrWorkerNotFound))
}
