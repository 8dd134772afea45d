package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/queue"
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

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	mgr *queue.Manager
	st  *memory.Store
	ps  *memory.PubSub
}

func newFixture(t *testing.T, opts ...queue.ManagerOption) *fixture {
	t.Helper()
	st := memory.New()
	ps := memory.NewPubSub()
	return &fixture{
		mgr: queue.NewManager(st, ps, logger.Discard(), opts...),
		st:  st,
		ps:  ps,
	}
}

func (f *fixture) queues(t *testing.T, names ...string) []*queue.Queue {
	t.Helper()
	out := make([]*queue.Queue, 0, len(names))
	for _, n := range names {
		q, err := f.mgr.Get(context.Background(), n)
		require.NoError(t, err)
		out = append(out, q)
	}
	return out
}

func (f *fixture) dispatcher(t *testing.T, qs []*queue.Queue) *Dispatcher {
	t.Helper()
	d, err := New(context.Background(), f.mgr, f.ps, qs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	qs := f.queues(t, "a", "b")

	d := f.dispatcher(t, append(qs, qs[0], nil))
	require.Len(t, d.Queues(), 2)
	assert.Equal(t, "a", d.Queues()[0].Name())

	_, err := New(ctx, f.mgr, f.ps, nil)
	assert.Error(t, err)
}

func TestDequeueAny_BurstOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	qs := f.queues(t, "high", "low")
	high, low := qs[0], qs[1]

	l1, err := low.Enqueue(ctx, "l1", nil, nil)
	require.NoError(t, err)
	h1, err := high.Enqueue(ctx, "h1", nil, nil)
	require.NoError(t, err)
	h2, err := high.Enqueue(ctx, "h2", nil, nil)
	require.NoError(t, err)

	d := f.dispatcher(t, qs)
	for _, want := range []*domain.Job{h1, h2, l1} {
		j, q, err := d.DequeueAny(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, want.ID, j.ID)
		assert.Equal(t, want.Origin, q.Name())
		assert.Equal(t, domain.JobStatusStarted, j.Status)
		assert.Empty(t, j.Queue)
	}

	j, q, err := d.DequeueAny(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.Nil(t, q)
}

func TestDequeueAny_DueTimeOrdering(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	c := &clock{now: base}
	f := newFixture(t, queue.WithClock(c.Now))
	qs := f.queues(t, "timed")

	late, err := qs[0].Schedule(ctx, base.Add(5*time.Second), "late", nil, nil)
	require.NoError(t, err)
	early, err := qs[0].Schedule(ctx, base.Add(time.Second), "early", nil, nil)
	require.NoError(t, err)

	d := f.dispatcher(t, qs)

	c.Set(base.Add(3 * time.Second))
	j, _, err := d.DequeueAny(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, early.ID, j.ID)

	j, _, err = d.DequeueAny(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, j, "late job is not due yet")

	// within the slack window the job is claimed early
	c.Set(base.Add(4*time.Second + 500*time.Millisecond))
	j, _, err = d.DequeueAny(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, late.ID, j.ID)
}

func TestDequeueAny_SerialExclusivity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.mgr.Serial(ctx, "single")
	require.NoError(t, err)
	plain := f.queues(t, "plain")[0]

	for i := 0; i < 2; i++ {
		_, err := s.Enqueue(ctx, "serial", nil, nil)
		require.NoError(t, err)
	}
	other, err := plain.Enqueue(ctx, "plain", nil, nil)
	require.NoError(t, err)

	d := f.dispatcher(t, []*queue.Queue{s, plain})

	first, q, err := d.DequeueAny(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "single", q.Name())

	// the busy serial queue is skipped
	j, q, err := d.DequeueAny(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, other.ID, j.ID)
	assert.Equal(t, "plain", q.Name())

	_, _, err = d.DequeueAny(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, s.Unlock(ctx))
	second, _, err := d.DequeueAny(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDequeueAny_Timeout(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, f.queues(t, "empty"))

	start := time.Now()
	j, q, err := d.DequeueAny(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Nil(t, j)
	assert.Nil(t, q)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestDequeueAny_WakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	qs := f.queues(t, "a", "b")
	d := f.dispatcher(t, qs)

	done := make(chan *domain.Job, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		j, err := qs[1].Enqueue(ctx, "late", nil, nil)
		if err == nil {
			done <- j
		}
	}()

	start := time.Now()
	j, q, err := d.DequeueAny(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "b", q.Name())
	assert.Less(t, time.Since(start), 2*time.Second)

	enqueued := <-done
	assert.Equal(t, enqueued.ID, j.ID)
}

func TestDequeueAny_StopNotification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	qs := f.queues(t, "a")
	d := f.dispatcher(t, qs)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = qs[0].Notify(ctx, domain.StopPayload)
	}()

	start := time.Now()
	_, _, err := d.DequeueAny(ctx, 10*time.Second)
	assert.ErrorIs(t, err, ErrStopNotified)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDequeueAny_PromiseShrinksWait(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	qs := f.queues(t, "timed")

	due := time.Now().Add(1500 * time.Millisecond)
	want, err := qs[0].Schedule(ctx, due, "soon", nil, nil)
	require.NoError(t, err)

	d := f.dispatcher(t, qs)
	j, _, err := d.DequeueAny(ctx, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, want.ID, j.ID)
	assert.WithinDuration(t, due, time.Now(), time.Second)
}

func TestDequeueAny_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, f.queues(t, "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := d.DequeueAny(ctx, 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDequeueAny_RecurrenceSeededAtClaim(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	c := &clock{now: base}
	f := newFixture(t, queue.WithClock(c.Now))
	qs := f.queues(t, "cron")

	_, err := qs[0].Enqueue(ctx, "always_fails", nil, nil,
		queue.WithRepeat(3), queue.WithInterval(10*time.Minute))
	require.NoError(t, err)

	d := f.dispatcher(t, qs)

	// nobody ever completes these jobs, successors come from claims alone
	var claimed []*domain.Job
	for i := 0; i < 6; i++ {
		j, _, err := d.DequeueAny(ctx, 0)
		require.NoError(t, err)
		if j != nil {
			claimed = append(claimed, j)
		}
		c.Set(c.Now().Add(10 * time.Minute))
	}
	require.Len(t, claimed, 4)
	for i, j := range claimed {
		assert.Equal(t, base.Add(time.Duration(i)*10*time.Minute), j.ScheduledFor)
		assert.Equal(t, 3-i, j.Repeat)
	}

	pending, err := f.st.ListJobs(ctx, store.JobFilter{Queue: "cron"})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDequeueAny_ConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	qs := f.queues(t, "shared")

	const jobs = 50
	for i := 0; i < jobs; i++ {
		_, err := qs[0].Enqueue(ctx, "f", []any{i}, nil)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, _, err := DequeueAny(ctx, f.mgr, f.ps, qs, 0)
				if err != nil || j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d claimed more than once", id)
	}
}
