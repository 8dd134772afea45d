package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/pgqueue/internal/domain"
)

// 2024-01-03 is a Wednesday.
func wed(h, m, s int) time.Time {
	return time.Date(2024, 1, 3, h, m, s, 0, time.UTC)
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Window
		wantErr bool
	}{
		{name: "hours with dash", input: "9-17", want: Window{Start: Clock{9, 0, 0}, End: Clock{17, 0, 0}}},
		{name: "minutes with to", input: "9:30 to 17:45", want: Window{Start: Clock{9, 30, 0}, End: Clock{17, 45, 0}}},
		{name: "seconds with comma", input: "08:00:15, 08:00:45", want: Window{Start: Clock{8, 0, 15}, End: Clock{8, 0, 45}}},
		{name: "end hour 24 clamps", input: "22-24", want: Window{Start: Clock{22, 0, 0}, End: Clock{23, 59, 0}}},
		{name: "equal bounds", input: "12-12", want: Window{Start: Clock{12, 0, 0}, End: Clock{12, 0, 0}}},
		{name: "start after end", input: "17-9", wantErr: true},
		{name: "start hour 24", input: "24-24", wantErr: true},
		{name: "bad minute", input: "9:75-10", wantErr: true},
		{name: "garbage", input: "morning", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWindow(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrInvalidWindow)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRestrict(t *testing.T) {
	w := &Window{Start: Clock{9, 0, 0}, End: Clock{17, 0, 0}}

	tests := []struct {
		name     string
		in       time.Time
		window   *Window
		weekdays []time.Weekday
		want     time.Time
	}{
		{name: "no constraints", in: wed(3, 0, 0), want: wed(3, 0, 0)},
		{name: "before window", in: wed(7, 10, 0), window: w, want: wed(9, 0, 0)},
		{name: "inside window", in: wed(12, 34, 56), window: w, want: wed(12, 34, 56)},
		{name: "window end inclusive", in: wed(17, 0, 0), window: w, want: wed(17, 0, 0)},
		{name: "after window", in: wed(17, 0, 1), window: w, want: time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC)},
		{name: "same weekday", in: wed(12, 0, 0), weekdays: []time.Weekday{time.Wednesday}, want: wed(12, 0, 0)},
		{
			name:     "next weekday keeps time of day",
			in:       wed(12, 0, 0),
			weekdays: []time.Weekday{time.Monday},
			want:     time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC),
		},
		{
			name:     "window then weekday",
			in:       time.Date(2024, 1, 5, 18, 0, 0, 0, time.UTC), // Friday evening
			window:   w,
			weekdays: []time.Weekday{time.Monday, time.Tuesday},
			want:     time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Restrict(tt.in, tt.window, tt.weekdays)
			assert.Equal(t, tt.want, got)
			assert.False(t, got.Before(tt.in), "restrict must never move time backward")
		})
	}
}

func TestRestrict_Idempotent(t *testing.T) {
	windows := []*Window{
		nil,
		{Start: Clock{9, 0, 0}, End: Clock{17, 0, 0}},
		{Start: Clock{0, 0, 0}, End: Clock{0, 30, 0}},
		{Start: Clock{22, 0, 0}, End: Clock{23, 59, 0}},
	}
	daySets := [][]time.Weekday{
		nil,
		{time.Sunday},
		{time.Monday, time.Thursday},
		{time.Saturday, time.Sunday},
	}

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7*24*4; i++ {
		in := start.Add(time.Duration(i)*15*time.Minute + 7*time.Second)
		for _, w := range windows {
			for _, d := range daySets {
				once := Restrict(in, w, d)
				assert.Equal(t, once, Restrict(once, w, d), "in=%s window=%v days=%v", in, w, d)
			}
		}
	}
}

func TestApply(t *testing.T) {
	got, err := Apply(wed(6, 0, 0), "8:30-10", []time.Weekday{time.Thursday})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 4, 8, 30, 0, 0, time.UTC), got)

	_, err = Apply(wed(6, 0, 0), "nope", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)

	_, err = Apply(wed(6, 0, 0), "", []time.Weekday{7})
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)
}

func TestNext(t *testing.T) {
	base := wed(10, 0, 0)
	until := wed(10, 2, 0)

	tests := []struct {
		name      string
		job       domain.Job
		claimedAt time.Time
		wantOK    bool
		want      Occurrence
	}{
		{
			name:      "no recurrence",
			job:       domain.Job{ScheduledFor: base},
			claimedAt: base,
		},
		{
			name:      "count decrements",
			job:       domain.Job{ScheduledFor: base, Interval: time.Minute, Repeat: 3},
			claimedAt: base,
			wantOK:    true,
			want:      Occurrence{At: wed(10, 1, 0), Repeat: 2, Status: domain.JobStatusScheduled},
		},
		{
			name:      "forever keeps count",
			job:       domain.Job{ScheduledFor: base, Interval: time.Hour, Repeat: domain.RepeatForever},
			claimedAt: base,
			wantOK:    true,
			want:      Occurrence{At: wed(11, 0, 0), Repeat: domain.RepeatForever, Status: domain.JobStatusScheduled},
		},
		{
			name:      "late claim yields queued successor",
			job:       domain.Job{ScheduledFor: base, Interval: time.Minute, Repeat: 1},
			claimedAt: wed(10, 5, 0),
			wantOK:    true,
			want:      Occurrence{At: wed(10, 1, 0), Repeat: 0, Status: domain.JobStatusQueued},
		},
		{
			name:      "cutoff not reached",
			job:       domain.Job{ScheduledFor: base, Interval: time.Minute, RepeatUntil: &until},
			claimedAt: base,
			wantOK:    true,
			want:      Occurrence{At: wed(10, 1, 0), RepeatUntil: &until, Status: domain.JobStatusScheduled},
		},
		{
			name:      "cutoff passed",
			job:       domain.Job{ScheduledFor: wed(10, 1, 30), Interval: time.Minute, RepeatUntil: &until},
			claimedAt: base,
		},
		{
			name:      "window applied",
			job:       domain.Job{ScheduledFor: wed(16, 30, 0), Interval: time.Hour, Repeat: 5, Between: "9-17"},
			claimedAt: wed(16, 30, 0),
			wantOK:    true,
			want:      Occurrence{At: time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC), Repeat: 4, Status: domain.JobStatusScheduled},
		},
		{
			name:      "cron instead of interval",
			job:       domain.Job{ScheduledFor: base, Cron: "*/15 * * * *", Repeat: 2},
			claimedAt: base,
			wantOK:    true,
			want:      Occurrence{At: wed(10, 15, 0), Repeat: 1, Status: domain.JobStatusScheduled},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := Next(&tt.job, tt.claimedAt)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNext_RepeatCountProducesExactSuccessors(t *testing.T) {
	j := &domain.Job{ScheduledFor: wed(0, 0, 0), Interval: time.Minute, Repeat: 3}

	var produced int
	for {
		occ, ok, err := Next(j, j.ScheduledFor)
		require.NoError(t, err)
		if !ok {
			break
		}
		produced++
		j = &domain.Job{ScheduledFor: occ.At, Interval: j.Interval, Repeat: occ.Repeat}
	}
	assert.Equal(t, 3, produced)
}

func TestNext_InvalidCron(t *testing.T) {
	_, _, err := Next(&domain.Job{Cron: "every day", Repeat: 1}, time.Now())
	require.Error(t, err)
}
