// Package store defines the persistence and notification contracts the job
// queue runs on. Implementations live in the postgres and memory
// subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/pgqueue/internal/domain"
)

// ErrWaitTimeout is returned by Subscription.Wait when no notification
// arrived in time.
var ErrWaitTimeout = errors.New("wait timed out")

// ClaimOptions controls a single claim attempt on a queue.
type ClaimOptions struct {
	// Now is the reference time for due checks.
	Now time.Time
	// Horizon bounds how far ahead a scheduled job is still reported as the
	// next due time. Zero means only jobs already due are considered.
	Horizon time.Duration
	// Slack lets a job due within Now+Slack be claimed early.
	Slack time.Duration
}

// ClaimResult is the outcome of ClaimJob. At most one field is set.
type ClaimResult struct {
	// Job is the claimed job, now Started with its queue cleared.
	Job *domain.Job
	// NextDue is the due time of the earliest pending job that was not yet
	// claimable but falls within the horizon.
	NextDue *time.Time
}

// JobFilter selects jobs for listing. Zero values are ignored.
type JobFilter struct {
	Queue   string
	Origin  string
	Status  domain.JobStatus
	FlowID  int64
	AfterID int64
	Limit   int
}

// SweepResult reports what a retention sweep removed.
type SweepResult struct {
	Jobs  int64
	Flows int64
}

// JobStore persists job records.
type JobStore interface {
	CreateJob(ctx context.Context, j *domain.Job) error
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	GetJobByUUID(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	UpdateJob(ctx context.Context, j *domain.Job) error
	DeleteJob(ctx context.Context, id int64) error
	ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, error)
	CountJobs(ctx context.Context, queue string) (int, error)
	ClearQueue(ctx context.Context, queue string) (int64, error)

	// ClaimJob atomically moves one pending job of the queue to Started.
	// Lost races are reported as an empty result, never as an error.
	ClaimJob(ctx context.Context, queue string, opts ClaimOptions) (ClaimResult, error)
}

// QueueStore persists queue records and serial-queue leases.
type QueueStore interface {
	// EnsureQueue returns the stored record for q.Name, creating it from q
	// if it does not exist yet.
	EnsureQueue(ctx context.Context, q *domain.Queue) (*domain.Queue, error)
	GetQueue(ctx context.Context, name string) (*domain.Queue, error)
	ListQueues(ctx context.Context) ([]*domain.Queue, error)
	MarkScheduled(ctx context.Context, name string) error
	DeleteQueue(ctx context.Context, name string) error

	// AcquireLock takes the lease of a serial queue until the given time if
	// the current lease has expired at now. It returns whether the lease was
	// taken and the lease deadline in force afterwards. Contention is
	// reported as not acquired.
	AcquireLock(ctx context.Context, name string, now, until time.Time) (bool, time.Time, error)
	ReleaseLock(ctx context.Context, name string, now time.Time) error
	ExtendLock(ctx context.Context, name string, until time.Time) error
}

// FlowStore persists flow records.
type FlowStore interface {
	CreateFlow(ctx context.Context, f *domain.Flow) error
	GetFlow(ctx context.Context, id int64) (*domain.Flow, error)
	UpdateFlow(ctx context.Context, f *domain.Flow) error
	DeleteFlow(ctx context.Context, id int64) error
}

// WorkerStore persists worker registrations.
type WorkerStore interface {
	// RegisterWorker fails with domain.ErrWorkerExists on a name clash.
	RegisterWorker(ctx context.Context, w *domain.Worker) error
	GetWorker(ctx context.Context, name string) (*domain.Worker, error)
	ListWorkers(ctx context.Context) ([]*domain.Worker, error)
	TouchWorker(ctx context.Context, name string, heartbeat time.Time) error
	SetWorkerStop(ctx context.Context, name string, stop bool) error
	DeleteWorker(ctx context.Context, name string) error
	// PruneWorkers removes registrations whose lease ended before now.
	PruneWorkers(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	JobStore
	QueueStore
	FlowStore
	WorkerStore

	// SweepExpired deletes jobs and flows whose retention deadline passed.
	// When origins is non-empty only records of those queues are swept.
	SweepExpired(ctx context.Context, origins []string, now time.Time) (SweepResult, error)

	// InTx runs fn against a store bound to a single transaction.
	InTx(ctx context.Context, fn func(tx Store) error) error
}

// Notification is a message received on a channel.
type Notification struct {
	Channel string
	Payload string
}

// Publisher sends notifications.
type Publisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

// Subscription receives notifications for a fixed set of channels.
type Subscription interface {
	// Wait blocks until a notification arrives, the timeout elapses
	// (ErrWaitTimeout) or ctx is done.
	Wait(ctx context.Context, timeout time.Duration) (Notification, error)
	Close() error
}

// Subscriber opens subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, channels []string) (Subscription, error)
}

// PubSub is a notification transport.
type PubSub interface {
	Publisher
	Subscriber
}

// ChannelPrefix namespaces queue notification channels.
const ChannelPrefix = "pgqueue."

// Channel returns the notification channel of a queue.
func Channel(queue string) string {
	return ChannelPrefix + queue
}

// QueueFromChannel is the inverse of Channel.
func QueueFromChannel(ch string) string {
	if len(ch) >= len(ChannelPrefix) && ch[:len(ChannelPrefix)] == ChannelPrefix {
		return ch[len(ChannelPrefix):]
	}
	return ch
}
