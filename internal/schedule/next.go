package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cuongbtq/pgqueue/internal/domain"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a five-field cron expression or an @descriptor.
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return s, nil
}

// Occurrence describes the successor of a recurring job.
type Occurrence struct {
	At          time.Time
	Repeat      int
	RepeatUntil *time.Time
	Status      domain.JobStatus
}

// Next computes the occurrence that follows j, which was claimed at
// claimedAt. The boolean is false when the recurrence is exhausted.
func Next(j *domain.Job, claimedAt time.Time) (Occurrence, bool, error) {
	if !j.Recurs() {
		return Occurrence{}, false, nil
	}

	var next time.Time
	if j.Cron != "" {
		s, err := ParseCron(j.Cron)
		if err != nil {
			return Occurrence{}, false, err
		}
		next = s.Next(j.ScheduledFor)
		if next.IsZero() {
			return Occurrence{}, false, nil
		}
	} else {
		next = j.ScheduledFor.Add(j.Interval)
	}

	next, err := Apply(next, j.Between, j.Weekdays)
	if err != nil {
		return Occurrence{}, false, err
	}

	occ := Occurrence{At: next, Repeat: j.Repeat, RepeatUntil: j.RepeatUntil}
	switch {
	case j.RepeatUntil != nil:
		if next.After(*j.RepeatUntil) {
			return Occurrence{}, false, nil
		}
	case j.Repeat == domain.RepeatForever:
	case j.Repeat > 0:
		occ.Repeat = j.Repeat - 1
	default:
		return Occurrence{}, false, nil
	}

	occ.Status = domain.JobStatusQueued
	if next.After(claimedAt) {
		occ.Status = domain.JobStatusScheduled
	}
	return occ, true, nil
}
