// Package memory is an in-process Store and PubSub. It backs unit tests and
// single-process deployments where durability is not needed.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/store"
)

// Store keeps every record in maps guarded by one mutex. Records are copied
// on the way in and out so callers never share state with the store.
type Store struct {
	mu sync.Mutex

	jobs      map[int64]*domain.Job
	nextJobID int64

	queues  map[string]*domain.Queue
	flows   map[int64]*domain.Flow
	nextFID int64
	workers map[string]*domain.Worker
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:    make(map[int64]*domain.Job),
		queues:  make(map[string]*domain.Queue),
		flows:   make(map[int64]*domain.Flow),
		workers: make(map[string]*domain.Worker),
	}
}

// InTx runs fn against the store itself. Each call inside fn is atomic on its
// own; the group is not.
func (s *Store) InTx(_ context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// ---- jobs ----

func (s *Store) CreateJob(_ context.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.UUID == uuid.Nil {
		j.UUID = uuid.New()
	}
	for _, existing := range s.jobs {
		if existing.UUID == j.UUID {
			return fmt.Errorf("job with uuid %s already exists", j.UUID)
		}
	}
	s.nextJobID++
	j.ID = s.nextJobID
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *Store) GetJob(_ context.Context, id int64) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *Store) GetJobByUUID(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.UUID == id {
			return j.Clone(), nil
		}
	}
	return nil, domain.ErrJobNotFound
}

func (s *Store) UpdateJob(_ context.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; !ok {
		return domain.ErrJobNotFound
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *Store) DeleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return domain.ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *Store) ListJobs(_ context.Context, f store.JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, j := range s.sortedJobs() {
		if f.Queue != "" && j.Queue != f.Queue {
			continue
		}
		if f.Origin != "" && j.Origin != f.Origin {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.FlowID != 0 && (j.FlowID == nil || *j.FlowID != f.FlowID) {
			continue
		}
		if j.ID <= f.AfterID {
			continue
		}
		out = append(out, j.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountJobs(_ context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, j := range s.jobs {
		if j.Queue == queue {
			n++
		}
	}
	return n, nil
}

func (s *Store) ClearQueue(_ context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Queue == queue {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ClaimJob(_ context.Context, queue string, opts store.ClaimOptions) (store.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queue]
	if !ok {
		return store.ClaimResult{}, nil
	}

	var candidate *domain.Job
	if !q.Scheduled {
		for _, j := range s.sortedJobs() {
			if j.Queue == queue && j.Status.Claimable() {
				candidate = j
				break
			}
		}
	} else {
		bound := opts.Now.Add(opts.Horizon)
		for _, j := range s.jobs {
			if j.Queue != queue || !j.Status.Claimable() || j.ScheduledFor.After(bound) {
				continue
			}
			if candidate == nil || j.ScheduledFor.Before(candidate.ScheduledFor) ||
				(j.ScheduledFor.Equal(candidate.ScheduledFor) && j.ID < candidate.ID) {
				candidate = j
			}
		}
		if candidate != nil && candidate.ScheduledFor.After(opts.Now.Add(opts.Slack)) {
			due := candidate.ScheduledFor
			return store.ClaimResult{NextDue: &due}, nil
		}
	}

	if candidate == nil {
		return store.ClaimResult{}, nil
	}

	started := opts.Now
	candidate.Status = domain.JobStatusStarted
	candidate.StartedAt = &started
	candidate.Queue = ""
	return store.ClaimResult{Job: candidate.Clone()}, nil
}

// sortedJobs returns live pointers ordered by id. Callers hold mu.
func (s *Store) sortedJobs() []*domain.Job {
	out := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// ---- queues ----

func (s *Store) EnsureQueue(_ context.Context, q *domain.Queue) (*domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.queues[q.Name]; ok {
		c := *existing
		return &c, nil
	}
	c := *q
	s.queues[q.Name] = &c
	out := c
	return &out, nil
}

func (s *Store) GetQueue(_ context.Context, name string) (*domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return nil, domain.ErrQueueNotFound
	}
	c := *q
	return &c, nil
}

func (s *Store) ListQueues(_ context.Context) ([]*domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		c := *q
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func (s *Store) MarkScheduled(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return domain.ErrQueueNotFound
	}
	q.Scheduled = true
	return nil
}

func (s *Store) DeleteQueue(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[name]; !ok {
		return domain.ErrQueueNotFound
	}
	delete(s.queues, name)
	for id, j := range s.jobs {
		if j.Queue == name {
			delete(s.jobs, id)
		}
	}
	return nil
}

func (s *Store) AcquireLock(_ context.Context, name string, now, until time.Time) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return false, time.Time{}, domain.ErrQueueNotFound
	}
	if q.LockExpires.After(now) {
		return false, q.LockExpires, nil
	}
	q.LockExpires = until
	return true, until, nil
}

func (s *Store) ReleaseLock(_ context.Context, name string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return domain.ErrQueueNotFound
	}
	q.LockExpires = now
	return nil
}

func (s *Store) ExtendLock(_ context.Context, name string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return domain.ErrQueueNotFound
	}
	if until.After(q.LockExpires) {
		q.LockExpires = until
	}
	return nil
}

// ---- flows ----

func (s *Store) CreateFlow(_ context.Context, f *domain.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextFID++
	f.ID = s.nextFID
	s.flows[f.ID] = cloneFlow(f)
	return nil
}

func (s *Store) GetFlow(_ context.Context, id int64) (*domain.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[id]
	if !ok {
		return nil, domain.ErrFlowNotFound
	}
	return cloneFlow(f), nil
}

func (s *Store) UpdateFlow(_ context.Context, f *domain.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[f.ID]; !ok {
		return domain.ErrFlowNotFound
	}
	s.flows[f.ID] = cloneFlow(f)
	return nil
}

func (s *Store) DeleteFlow(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[id]; !ok {
		return domain.ErrFlowNotFound
	}
	delete(s.flows, id)
	for _, j := range s.jobs {
		if j.FlowID != nil && *j.FlowID == id {
			j.FlowID = nil
		}
	}
	return nil
}

func cloneFlow(f *domain.Flow) *domain.Flow {
	c := *f
	c.JobIDs = append([]int64(nil), f.JobIDs...)
	for _, p := range []**time.Time{&c.EnqueuedAt, &c.EndedAt, &c.ExpiredAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return &c
}

// ---- workers ----

func (s *Store) RegisterWorker(_ context.Context, w *domain.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[w.Name]; ok {
		return domain.ErrWorkerExists
	}
	s.workers[w.Name] = cloneWorker(w)
	return nil
}

func (s *Store) GetWorker(_ context.Context, name string) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[name]
	if !ok {
		return nil, domain.ErrWorkerNotFound
	}
	return cloneWorker(w), nil
}

func (s *Store) ListWorkers(_ context.Context) ([]*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func (s *Store) TouchWorker(_ context.Context, name string, heartbeat time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[name]
	if !ok {
		return domain.ErrWorkerNotFound
	}
	w.Heartbeat = heartbeat
	return nil
}

func (s *Store) SetWorkerStop(_ context.Context, name string, stop bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[name]
	if !ok {
		return domain.ErrWorkerNotFound
	}
	w.Stop = stop
	return nil
}

func (s *Store) DeleteWorker(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[name]; !ok {
		return domain.ErrWorkerNotFound
	}
	delete(s.workers, name)
	return nil
}

func (s *Store) PruneWorkers(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for name, w := range s.workers {
		if !w.Alive(now) {
			delete(s.workers, name)
			n++
		}
	}
	return n, nil
}

func cloneWorker(w *domain.Worker) *domain.Worker {
	c := *w
	c.QueueNames = append([]string(nil), w.QueueNames...)
	return &c
}

// ---- maintenance ----

func (s *Store) SweepExpired(_ context.Context, origins []string, now time.Time) (store.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	match := func(name string) bool {
		if len(origins) == 0 {
			return true
		}
		for _, o := range origins {
			if o == name {
				return true
			}
		}
		return false
	}

	var res store.SweepResult
	for id, j := range s.jobs {
		if j.ExpiredAt != nil && !j.ExpiredAt.After(now) && match(j.Origin) {
			delete(s.jobs, id)
			res.Jobs++
		}
	}
	for id, f := range s.flows {
		if f.ExpiredAt != nil && !f.ExpiredAt.After(now) && match(f.Queue) {
			delete(s.flows, id)
			res.Flows++
		}
	}
	return res, nil
}
