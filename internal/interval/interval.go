// Package interval maps wall-clock time onto accounting buckets. A bucket is
// either a calendar day (with a configurable reset time of day) or a
// fixed-length rolling window. The policy is chosen once at startup and the
// same instance is shared by the tracker, the threshold notifier, and the
// settlement engine so all three agree on bucket boundaries.
package interval

import (
	"fmt"
	"time"
)

const minutesPerDay = 1440

// Policy maps timestamps to buckets and scales daily goals to bucket goals.
type Policy interface {
	// BucketStart returns the start of the bucket containing t.
	BucketStart(t time.Time) time.Time

	// Minutes returns the bucket length in minutes.
	Minutes() int

	// GoalForBucket scales a nominal 24-hour goal to this bucket's length.
	GoalForBucket(dailyGoal time.Duration) time.Duration
}

// DayKey formats a timestamp as the YYYY-MM-DD day it falls in, using the
// timestamp's own location. Usage records and remote day documents are
// grouped by this key.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// Daily is a calendar-day bucket policy with a configurable reset time.
// Before the reset time of day, the current bucket is still "yesterday".
type Daily struct {
	resetHour   int
	resetMinute int
}

// NewDaily parses a reset time in HH:MM format.
func NewDaily(resetTime string) (*Daily, error) {
	parsed, err := time.Parse("15:04", resetTime)
	if err != nil {
		return nil, fmt.Errorf("invalid reset time %q: %w", resetTime, err)
	}
	return &Daily{resetHour: parsed.Hour(), resetMinute: parsed.Minute()}, nil
}

// BucketStart returns today's reset instant, or yesterday's if the reset
// time has not been reached yet.
func (d *Daily) BucketStart(t time.Time) time.Time {
	start := time.Date(t.Year(), t.Month(), t.Day(), d.resetHour, d.resetMinute, 0, 0, t.Location())
	if t.Before(start) {
		return start.AddDate(0, 0, -1)
	}
	return start
}

// Minutes returns the length of a calendar-day bucket.
func (d *Daily) Minutes() int { return minutesPerDay }

// GoalForBucket returns the goal unchanged: a daily bucket spans the full
// 24-hour basis the goal is expressed in.
func (d *Daily) GoalForBucket(dailyGoal time.Duration) time.Duration {
	return dailyGoal
}

// Window is a fixed-length rolling bucket policy. Buckets are aligned to
// the Unix epoch in the timestamp's location so boundaries are stable
// across restarts.
type Window struct {
	length time.Duration
}

// NewWindow creates a rolling-window policy of the given length in minutes.
func NewWindow(minutes int) (*Window, error) {
	if minutes <= 0 || minutes > minutesPerDay {
		return nil, fmt.Errorf("invalid bucket length: %d minutes", minutes)
	}
	return &Window{length: time.Duration(minutes) * time.Minute}, nil
}

// BucketStart truncates t to the containing window boundary.
func (w *Window) BucketStart(t time.Time) time.Time {
	_, offset := t.Zone()
	local := t.Unix() + int64(offset)
	secs := int64(w.length / time.Second)
	start := local - local%secs - int64(offset)
	return time.Unix(start, 0).In(t.Location())
}

// Minutes returns the window length in minutes.
func (w *Window) Minutes() int { return int(w.length / time.Minute) }

// GoalForBucket scales the 24-hour goal proportionally to the window length.
func (w *Window) GoalForBucket(dailyGoal time.Duration) time.Duration {
	return dailyGoal * w.length / (minutesPerDay * time.Minute)
}
