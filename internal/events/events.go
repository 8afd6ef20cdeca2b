// Package events consumes raw app-transition events and attributes
// foreground time to packages within a polling window.
package events

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the event source could not be queried. Callers
// treat this as "no data this tick" and retry later; it must never be
// interpreted as zero usage.
var ErrUnavailable = errors.New("events: source unavailable")

// Kind classifies a transition event.
type Kind int

const (
	// KindOther is any event that does not affect foreground attribution.
	KindOther Kind = iota
	// KindForegroundEnter marks an app moving to the foreground.
	KindForegroundEnter
	// KindForegroundExit marks an app leaving the foreground.
	KindForegroundExit
)

// Event is a single app transition reported by the event source.
type Event struct {
	Timestamp time.Time
	Kind      Kind
	Package   string
}

// Source queries raw transition events from the platform.
type Source interface {
	// Query returns events with timestamps in [start, end), ordered by
	// timestamp. A failure should be wrapped with ErrUnavailable.
	Query(ctx context.Context, start, end time.Time) ([]Event, error)
}
