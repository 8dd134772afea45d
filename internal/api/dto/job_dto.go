package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/pgqueue/internal/domain"
)

type EnqueueJobRequest struct {
	Func        string         `json:"func" binding:"required"`
	Args        []any          `json:"args"`
	Kwargs      map[string]any `json:"kwargs"`
	Instance    any            `json:"instance"`
	Description string         `json:"description"`
	UUID        string         `json:"uuid" binding:"omitempty,uuid"`

	// Timeout and Interval use Go duration syntax ("90s", "5m").
	Timeout   string `json:"timeout"`
	ResultTTL *int   `json:"result_ttl"`

	Repeat      int        `json:"repeat" binding:"min=-1"`
	RepeatUntil *time.Time `json:"repeat_until"`
	Interval    string     `json:"interval"`
	Cron        string     `json:"cron"`
	Between     string     `json:"between"`
	Weekdays    []int      `json:"weekdays" binding:"dive,min=0,max=6"`

	// Serial creates the queue as a serial queue on first use.
	Serial bool `json:"serial"`
}

type ScheduleJobRequest struct {
	EnqueueJobRequest
	// Exactly one of At and In is set.
	At *time.Time `json:"at"`
	In string     `json:"in"`
}

type ListJobsRequest struct {
	Queue    string `form:"queue"`
	Origin   string `form:"origin"`
	Status   string `form:"status"`
	FlowID   int64  `form:"flow_id"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID           int64           `json:"id"`
	UUID         string          `json:"uuid"`
	Origin       string          `json:"origin"`
	Queue        string          `json:"queue,omitempty"`
	Func         string          `json:"func"`
	Args         json.RawMessage `json:"args,omitempty"`
	Kwargs       json.RawMessage `json:"kwargs,omitempty"`
	Description  string          `json:"description"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ExcInfo      string          `json:"exc_info,omitempty"`
	Timeout      int             `json:"timeout"`
	ResultTTL    int             `json:"result_ttl"`
	Repeat       int             `json:"repeat,omitempty"`
	Interval     string          `json:"interval,omitempty"`
	Cron         string          `json:"cron,omitempty"`
	FlowID       *int64          `json:"flow_id,omitempty"`
	CreatedAt    string          `json:"created_at"`
	ScheduledFor string          `json:"scheduled_for"`
	EnqueuedAt   string          `json:"enqueued_at,omitempty"`
	StartedAt    string          `json:"started_at,omitempty"`
	EndedAt      string          `json:"ended_at,omitempty"`
	ExpiredAt    string          `json:"expired_at,omitempty"`
}

type QueueDTO struct {
	Name      string `json:"name"`
	Serial    bool   `json:"serial"`
	Scheduled bool   `json:"scheduled"`
	Count     int    `json:"count"`
}

type WorkerDTO struct {
	Name      string   `json:"name"`
	Queues    []string `json:"queues"`
	Birth     string   `json:"birth"`
	Heartbeat string   `json:"heartbeat"`
	Alive     bool     `json:"alive"`
	Stop      bool     `json:"stop"`
}

type RequeueAllResponse struct {
	Requeued int `json:"requeued"`
}

func NewJobDTO(j *domain.Job) JobDTO {
	d := JobDTO{
		ID:           j.ID,
		UUID:         j.UUID.String(),
		Origin:       j.Origin,
		Queue:        j.Queue,
		Func:         j.Func,
		Args:         j.Args,
		Kwargs:       j.Kwargs,
		Description:  j.Description,
		Status:       string(j.Status),
		Result:       j.Result,
		ExcInfo:      j.ExcInfo,
		Timeout:      j.Timeout,
		ResultTTL:    j.ResultTTL,
		Repeat:       j.Repeat,
		Cron:         j.Cron,
		FlowID:       j.FlowID,
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
		ScheduledFor: j.ScheduledFor.Format(time.RFC3339),
		EnqueuedAt:   formatTime(j.EnqueuedAt),
		StartedAt:    formatTime(j.StartedAt),
		EndedAt:      formatTime(j.EndedAt),
		ExpiredAt:    formatTime(j.ExpiredAt),
	}
	if j.Interval > 0 {
		d.Interval = j.Interval.String()
	}
	return d
}

func NewWorkerDTO(w *domain.Worker, now time.Time) WorkerDTO {
	return WorkerDTO{
		Name:      w.Name,
		Queues:    w.QueueNames,
		Birth:     w.Birth.Format(time.RFC3339),
		Heartbeat: w.Heartbeat.Format(time.RFC3339),
		Alive:     w.Alive(now),
		Stop:      w.Stop,
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
