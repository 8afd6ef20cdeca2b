package events

import "time"

// Carry is the foreground state handed from one window to the next.
type Carry struct {
	// ForegroundPackage is the app that was in the foreground when the
	// previous window ended, empty if none.
	ForegroundPackage string

	// LastAttribution is the timestamp up to which time has already been
	// attributed. Attribution for a new window never starts before it.
	LastAttribution time.Time
}

// Attribution is the result of processing one window of events.
type Attribution struct {
	// Durations maps package name to foreground time attributed strictly
	// within the window.
	Durations map[string]time.Duration

	// Carry is the foreground state at the window's end.
	Carry Carry
}

// Attribute converts the events of [start, end) into per-package foreground
// durations. Out-of-order and duplicate events are tolerated by clamping:
// the cursor never moves backwards, so no segment is ever negative. An empty
// event slice with a carried-in foreground app attributes the whole window
// span to that app.
func Attribute(start, end time.Time, evs []Event, carry Carry) Attribution {
	durations := make(map[string]time.Duration)

	cursor := start
	if carry.LastAttribution.After(cursor) {
		cursor = carry.LastAttribution
	}
	current := carry.ForegroundPackage

	credit := func(until time.Time) {
		if current == "" {
			return
		}
		if d := until.Sub(cursor); d > 0 {
			durations[current] += d
		}
	}

	for _, ev := range evs {
		ts := ev.Timestamp
		if ts.Before(start) {
			ts = start
		}
		if ts.After(end) {
			ts = end
		}

		credit(ts)

		switch ev.Kind {
		case KindForegroundEnter:
			current = ev.Package
		case KindForegroundExit:
			if ev.Package == current {
				current = ""
			}
		}

		if ts.After(cursor) {
			cursor = ts
		}
	}

	credit(end)

	last := end
	if last.Before(cursor) {
		last = cursor
	}

	return Attribution{
		Durations: durations,
		Carry: Carry{
			ForegroundPackage: current,
			LastAttribution:   last,
		},
	}
}
