package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is the unit of work persisted in the store.
//
// Queue holds the name of the queue the job is waiting in; it is empty while the
// job is started, finished or pending in a flow. Failed jobs sit in the failed
// queue, which is never dispatched.
type Job struct {
	ID        int64
	UUID      uuid.UUID
	Origin    string
	CreatedAt time.Time

	Func        string
	Instance    json.RawMessage
	Args        json.RawMessage
	Kwargs      json.RawMessage
	Description string

	Queue string

	EnqueuedAt   *time.Time
	ScheduledFor time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
	ExpiredAt    *time.Time
	Timeout      int
	ResultTTL    int

	Repeat      int
	RepeatUntil *time.Time
	Interval    time.Duration
	Cron        string
	Between     string
	Weekdays    []time.Weekday

	Status  JobStatus
	Result  json.RawMessage
	ExcInfo string

	FlowID   *int64
	IfResult *uuid.UUID
	IfFailed *uuid.UUID
}

// Recurs reports whether claiming the job should seed a successor occurrence.
func (j *Job) Recurs() bool {
	if j.Interval <= 0 && j.Cron == "" {
		return false
	}
	return j.Repeat != 0 || j.RepeatUntil != nil
}

// EffectiveTimeout resolves the execution timeout in seconds.
func (j *Job) EffectiveTimeout(queueDefault int) int {
	switch {
	case j.Timeout > 0:
		return j.Timeout
	case queueDefault > 0:
		return queueDefault
	default:
		return DefaultJobTimeout
	}
}

// TimeoutDuration is EffectiveTimeout as a time.Duration.
func (j *Job) TimeoutDuration(queueDefault int) time.Duration {
	return time.Duration(j.EffectiveTimeout(queueDefault)) * time.Second
}

// Clone returns a deep copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	c := *j
	c.Instance = cloneRaw(j.Instance)
	c.Args = cloneRaw(j.Args)
	c.Kwargs = cloneRaw(j.Kwargs)
	c.Result = cloneRaw(j.Result)
	c.EnqueuedAt = cloneTime(j.EnqueuedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.EndedAt = cloneTime(j.EndedAt)
	c.ExpiredAt = cloneTime(j.ExpiredAt)
	c.RepeatUntil = cloneTime(j.RepeatUntil)
	if j.Weekdays != nil {
		c.Weekdays = append([]time.Weekday(nil), j.Weekdays...)
	}
	if j.FlowID != nil {
		id := *j.FlowID
		c.FlowID = &id
	}
	if j.IfResult != nil {
		u := *j.IfResult
		c.IfResult = &u
	}
	if j.IfFailed != nil {
		u := *j.IfFailed
		c.IfFailed = &u
	}
	return &c
}

// Transition moves the job to the next status, rejecting moves the
// lifecycle does not allow.
func (j *Job) Transition(to JobStatus) error {
	if !IsValidTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	return nil
}

func (j *Job) String() string {
	return fmt.Sprintf("Job(%d, %s, %s)", j.ID, j.Func, j.Status)
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Queue is the persisted queue record.
type Queue struct {
	Name           string
	DefaultTimeout int
	Scheduled      bool
	Serial         bool
	LockExpires    time.Time
}

// Flow is the persisted record tracking a chain of jobs.
type Flow struct {
	ID         int64
	Name       string
	Queue      string
	JobIDs     []int64
	EnqueuedAt *time.Time
	EndedAt    *time.Time
	ExpiredAt  *time.Time
	ResultTTL  int
	Status     FlowStatus
}

// Worker is the persisted registration of a running worker process.
type Worker struct {
	Name       string
	Birth      time.Time
	Expire     int
	QueueNames []string
	Heartbeat  time.Time
	Stop       bool
}

// Alive reports whether the worker lease is still valid at now.
func (w *Worker) Alive(now time.Time) bool {
	return w.Heartbeat.After(now)
}
