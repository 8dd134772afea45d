// Package queue implements named job queues over a store.Store. Queues are
// obtained from a Manager, which carries the store, the notification
// publisher, the clock and process-wide defaults.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/store"
)

// Manager owns the queue handles of one process.
type Manager struct {
	store  store.Store
	pub    store.Publisher
	logger *slog.Logger
	now    func() time.Time

	defaultTimeout   int
	defaultResultTTL int
	leaseGrace       time.Duration

	mu     sync.Mutex
	queues map[string]*Queue
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithDefaults sets the job timeout and result TTL (seconds) used when
// neither the job nor its queue specify one.
func WithDefaults(jobTimeout, resultTTL int) ManagerOption {
	return func(m *Manager) {
		m.defaultTimeout = jobTimeout
		m.defaultResultTTL = resultTTL
	}
}

// WithLeaseGrace adds slack on top of the job timeout when taking a serial
// queue lease.
func WithLeaseGrace(d time.Duration) ManagerOption {
	return func(m *Manager) { m.leaseGrace = d }
}

// NewManager creates a Manager.
func NewManager(st store.Store, pub store.Publisher, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:            st,
		pub:              pub,
		logger:           logger,
		now:              time.Now,
		defaultTimeout:   domain.DefaultJobTimeout,
		defaultResultTTL: domain.DefaultResultTTL,
		queues:           make(map[string]*Queue),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the backing store.
func (m *Manager) Store() store.Store { return m.store }

// Publisher returns the notification publisher.
func (m *Manager) Publisher() store.Publisher { return m.pub }

// Logger returns the manager's logger.
func (m *Manager) Logger() *slog.Logger { return m.logger }

// Now returns the current time of the manager's clock.
func (m *Manager) Now() time.Time { return m.now() }

// DefaultTimeout is the job timeout in seconds used when nothing else is set.
func (m *Manager) DefaultTimeout() int { return m.defaultTimeout }

// DefaultResultTTL is the result retention in seconds used when a job does
// not set one.
func (m *Manager) DefaultResultTTL() int { return m.defaultResultTTL }

// Get returns the plain queue with the given name, creating it if needed.
func (m *Manager) Get(ctx context.Context, name string) (*Queue, error) {
	return m.open(ctx, &domain.Queue{Name: name})
}

// Serial returns the serial queue with the given name, creating it if needed.
func (m *Manager) Serial(ctx context.Context, name string) (*Queue, error) {
	return m.open(ctx, &domain.Queue{Name: name, Serial: true})
}

// Open returns the queue described by spec, creating it on first use. An
// existing queue keeps its stored settings.
func (m *Manager) Open(ctx context.Context, spec domain.Queue) (*Queue, error) {
	return m.open(ctx, &spec)
}

// Lookup returns an existing queue without creating it.
func (m *Manager) Lookup(ctx context.Context, name string) (*Queue, error) {
	m.mu.Lock()
	if q, ok := m.queues[name]; ok {
		m.mu.Unlock()
		return q, nil
	}
	m.mu.Unlock()

	rec, err := m.store.GetQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.remember(rec), nil
}

func (m *Manager) open(ctx context.Context, spec *domain.Queue) (*Queue, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if spec.Name == domain.FailedQueueName {
		return nil, fmt.Errorf("queue name %q is reserved", spec.Name)
	}

	m.mu.Lock()
	if q, ok := m.queues[spec.Name]; ok {
		m.mu.Unlock()
		return q, nil
	}
	m.mu.Unlock()

	if spec.LockExpires.IsZero() {
		spec.LockExpires = m.now()
	}
	rec, err := m.store.EnsureQueue(ctx, spec)
	if err != nil {
		return nil, err
	}
	return m.remember(rec), nil
}

func (m *Manager) remember(rec *domain.Queue) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[rec.Name]; ok {
		return q
	}
	q := newQueue(m, rec)
	m.queues[rec.Name] = q
	return q
}

// Failed returns the failed-job sink.
func (m *Manager) Failed(ctx context.Context) (*FailedQueue, error) {
	m.mu.Lock()
	q, ok := m.queues[domain.FailedQueueName]
	m.mu.Unlock()
	if !ok {
		rec, err := m.store.EnsureQueue(ctx, &domain.Queue{Name: domain.FailedQueueName, LockExpires: m.now()})
		if err != nil {
			return nil, err
		}
		q = m.remember(rec)
	}
	return &FailedQueue{mgr: m, q: q}, nil
}

// forget drops a cached handle after its queue was deleted.
func (m *Manager) forget(name string) {
	m.mu.Lock()
	delete(m.queues, name)
	m.mu.Unlock()
}
