// Package schedule computes run times for time-restricted and recurring jobs.
//
// All shifts move time forward only and keep the wall clock of the input's
// location, so applying them twice yields the same result.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/cuongbtq/pgqueue/internal/domain"
)

var windowPattern = regexp.MustCompile(
	`^\s*(\d{1,2})(?::(\d{2}))?(?::(\d{2}))?\s*(?:-|to|,)\s*(\d{1,2})(?::(\d{2}))?(?::(\d{2}))?\s*$`,
)

// Clock is a time of day.
type Clock struct {
	Hour, Minute, Second int
}

func (c Clock) before(o Clock) bool {
	if c.Hour != o.Hour {
		return c.Hour < o.Hour
	}
	if c.Minute != o.Minute {
		return c.Minute < o.Minute
	}
	return c.Second < o.Second
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// Window is a daily time-of-day range, both ends inclusive.
type Window struct {
	Start Clock
	End   Clock
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// ParseWindow parses "H[:MM[:SS]] <sep> H[:MM[:SS]]" where sep is "-", "to"
// or ",". An end hour of 24 is clamped to 23:59.
func ParseWindow(s string) (Window, error) {
	m := windowPattern.FindStringSubmatch(s)
	if m == nil {
		return Window{}, fmt.Errorf("%w: %q", domain.ErrInvalidWindow, s)
	}

	start, err := parseClock(m[1], m[2], m[3], false)
	if err != nil {
		return Window{}, fmt.Errorf("%w: %q: %v", domain.ErrInvalidWindow, s, err)
	}
	end, err := parseClock(m[4], m[5], m[6], true)
	if err != nil {
		return Window{}, fmt.Errorf("%w: %q: %v", domain.ErrInvalidWindow, s, err)
	}
	if end.before(start) {
		return Window{}, fmt.Errorf("%w: %q: start is after end", domain.ErrInvalidWindow, s)
	}

	return Window{Start: start, End: end}, nil
}

func parseClock(h, m, s string, isEnd bool) (Clock, error) {
	var c Clock
	c.Hour, _ = strconv.Atoi(h)
	if m != "" {
		c.Minute, _ = strconv.Atoi(m)
	}
	if s != "" {
		c.Second, _ = strconv.Atoi(s)
	}

	if c.Minute > 59 || c.Second > 59 {
		return Clock{}, fmt.Errorf("minute and second must be below 60")
	}
	if isEnd && c.Hour == 24 {
		return Clock{Hour: 23, Minute: 59}, nil
	}
	if c.Hour > 23 {
		return Clock{}, fmt.Errorf("hour %d out of range", c.Hour)
	}
	return c, nil
}

func at(t time.Time, c Clock) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, c.Second, 0, t.Location())
}

// Restrict shifts t forward into the window, then onto the nearest allowed
// weekday. A nil window or an empty weekday set leaves that constraint off.
func Restrict(t time.Time, w *Window, weekdays []time.Weekday) time.Time {
	if w != nil {
		start, end := at(t, w.Start), at(t, w.End)
		switch {
		case t.Before(start):
			t = start
		case t.After(end):
			t = at(t.AddDate(0, 0, 1), w.Start)
		}
	}

	if len(weekdays) == 0 {
		return t
	}
	for i := 0; i < 7; i++ {
		d := t.AddDate(0, 0, i)
		if containsWeekday(weekdays, d.Weekday()) {
			return d
		}
	}
	return t
}

// Apply parses between (empty means no window) and restricts t.
func Apply(t time.Time, between string, weekdays []time.Weekday) (time.Time, error) {
	var w *Window
	if between != "" {
		parsed, err := ParseWindow(between)
		if err != nil {
			return time.Time{}, err
		}
		w = &parsed
	}
	if err := ValidateWeekdays(weekdays); err != nil {
		return time.Time{}, err
	}
	return Restrict(t, w, weekdays), nil
}

// ValidateWeekdays rejects indices outside Sunday(0)..Saturday(6).
func ValidateWeekdays(weekdays []time.Weekday) error {
	for _, d := range weekdays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", domain.ErrInvalidWindow, d)
		}
	}
	return nil
}

func containsWeekday(set []time.Weekday, d time.Weekday) bool {
	for _, w := range set {
		if w == d {
			return true
		}
	}
	return false
}
