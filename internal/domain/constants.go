package domain

// JobStatus is the lifecycle state of a job record.
type JobStatus string

// Job status constants
const (
	JobStatusScheduled     JobStatus = "scheduled"
	JobStatusQueued        JobStatus = "queued"
	JobStatusStarted       JobStatus = "started"
	JobStatusFinished      JobStatus = "finished"
	JobStatusFailed        JobStatus = "failed"
	JobStatusPendingInFlow JobStatus = "pending_in_flow"
)

func (s JobStatus) String() string {
	return string(s)
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusScheduled, JobStatusQueued, JobStatusStarted,
		JobStatusFinished, JobStatusFailed, JobStatusPendingInFlow:
		return true
	}
	return false
}

// Claimable reports whether a job in this state may be claimed by a dispatcher.
func (s JobStatus) Claimable() bool {
	return s == JobStatusQueued || s == JobStatusScheduled
}

// FlowStatus is the aggregate state of a flow.
type FlowStatus string

// Flow status constants
const (
	FlowStatusQueued   FlowStatus = "queued"
	FlowStatusFinished FlowStatus = "finished"
	FlowStatusFailed   FlowStatus = "failed"
)

const (
	// FailedQueueName is the fixed sink queue for failed jobs.
	FailedQueueName = "failed"

	// StopPayload wakes blocked dispatchers for shutdown.
	StopPayload = "stop"

	// RepeatForever marks a job that recurs without a count limit.
	RepeatForever = -1

	// DefaultJobTimeout applies when neither the job nor its queue set one.
	DefaultJobTimeout = 180

	// DefaultResultTTL is the retention of finished jobs in seconds.
	DefaultResultTTL = 500
)
