package queue

import (
	"time"

	"github.com/google/uuid"
)

// JobOption customises a job at enqueue time.
type JobOption func(*jobOptions)

type jobOptions struct {
	uuid        uuid.UUID
	timeout     time.Duration
	resultTTL   *int
	description string
	instance    any
	repeat      int
	repeatUntil *time.Time
	interval    time.Duration
	cron        string
	between     string
	weekdays    []time.Weekday
}

// WithUUID fixes the correlation id instead of generating one.
func WithUUID(id uuid.UUID) JobOption {
	return func(o *jobOptions) { o.uuid = id }
}

// WithTimeout bounds the execution time of the job. Sub-second values are
// rounded up to a full second.
func WithTimeout(d time.Duration) JobOption {
	return func(o *jobOptions) { o.timeout = d }
}

// WithResultTTL sets the retention of a finished job in seconds: 0 deletes
// it on completion, a negative value keeps it forever.
func WithResultTTL(seconds int) JobOption {
	return func(o *jobOptions) { o.resultTTL = &seconds }
}

// WithDescription overrides the generated human-readable description.
func WithDescription(desc string) JobOption {
	return func(o *jobOptions) { o.description = desc }
}

// WithInstance binds a receiver value for method-style handlers. It is
// JSON-encoded and handed to the handler as Call.Instance.
func WithInstance(v any) JobOption {
	return func(o *jobOptions) { o.instance = v }
}

// WithRepeat makes the job recur n more times; domain.RepeatForever recurs
// without limit. Requires WithInterval or WithCron.
func WithRepeat(n int) JobOption {
	return func(o *jobOptions) { o.repeat = n }
}

// WithRepeatUntil makes the job recur until the given time.
func WithRepeatUntil(t time.Time) JobOption {
	return func(o *jobOptions) { o.repeatUntil = &t }
}

// WithInterval sets the distance between occurrences.
func WithInterval(d time.Duration) JobOption {
	return func(o *jobOptions) { o.interval = d }
}

// WithCron derives occurrences from a cron expression instead of an interval.
func WithCron(expr string) JobOption {
	return func(o *jobOptions) { o.cron = expr }
}

// WithBetween restricts runs to a daily window such as "9-17" or "8:30 to 12".
func WithBetween(window string) JobOption {
	return func(o *jobOptions) { o.between = window }
}

// WithWeekdays restricts runs to the given days.
func WithWeekdays(days ...time.Weekday) JobOption {
	return func(o *jobOptions) { o.weekdays = days }
}
