package interval

import (
	"testing"
	"time"
)

func TestDaily_BucketStart(t *testing.T) {
	policy, err := NewDaily("04:00")
	if err != nil {
		t.Fatalf("NewDaily failed: %v", err)
	}

	loc := time.UTC

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			"after reset time",
			time.Date(2025, 3, 10, 9, 30, 0, 0, loc),
			time.Date(2025, 3, 10, 4, 0, 0, 0, loc),
		},
		{
			"before reset time - still yesterday's bucket",
			time.Date(2025, 3, 10, 2, 15, 0, 0, loc),
			time.Date(2025, 3, 9, 4, 0, 0, 0, loc),
		},
		{
			"exactly at reset time",
			time.Date(2025, 3, 10, 4, 0, 0, 0, loc),
			time.Date(2025, 3, 10, 4, 0, 0, 0, loc),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.BucketStart(tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("BucketStart(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestDaily_GoalForBucket(t *testing.T) {
	policy, _ := NewDaily("00:00")
	goal := 60 * time.Minute
	if got := policy.GoalForBucket(goal); got != goal {
		t.Errorf("GoalForBucket(%v) = %v, want unchanged", goal, got)
	}
}

func TestNewDaily_InvalidResetTime(t *testing.T) {
	if _, err := NewDaily("25:00"); err == nil {
		t.Error("expected error for invalid reset time")
	}
}

func TestWindow_BucketStart(t *testing.T) {
	policy, err := NewWindow(180)
	if err != nil {
		t.Fatalf("NewWindow failed: %v", err)
	}

	now := time.Date(2025, 3, 10, 10, 45, 30, 0, time.UTC)
	want := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	got := policy.BucketStart(now)
	if !got.Equal(want) {
		t.Errorf("BucketStart(%v) = %v, want %v", now, got, want)
	}

	// A timestamp inside the same window maps to the same start.
	later := now.Add(74 * time.Minute)
	if got := policy.BucketStart(later); !got.Equal(want) {
		t.Errorf("BucketStart(%v) = %v, want %v", later, got, want)
	}

	// The next window starts exactly one length later.
	next := policy.BucketStart(now.Add(3 * time.Hour))
	if !next.Equal(want.Add(3 * time.Hour)) {
		t.Errorf("next bucket = %v, want %v", next, want.Add(3*time.Hour))
	}
}

func TestWindow_GoalForBucket(t *testing.T) {
	policy, _ := NewWindow(180)

	// 180 minutes is 1/8 of a day, so a 60-minute daily goal scales to 7.5m.
	got := policy.GoalForBucket(60 * time.Minute)
	want := 7*time.Minute + 30*time.Second
	if got != want {
		t.Errorf("GoalForBucket(60m) = %v, want %v", got, want)
	}
}

func TestNewWindow_InvalidLength(t *testing.T) {
	for _, minutes := range []int{0, -10, 2000} {
		if _, err := NewWindow(minutes); err == nil {
			t.Errorf("expected error for %d minutes", minutes)
		}
	}
}

func TestDayKey(t *testing.T) {
	ts := time.Date(2025, 3, 9, 23, 59, 0, 0, time.UTC)
	if got := DayKey(ts); got != "2025-03-09" {
		t.Errorf("DayKey = %q, want 2025-03-09", got)
	}
}
