// Package notify decides when threshold notifications fire and builds their
// content. Evaluation is pure; delivery goes through the Emitter interface.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/screenpact/internal/study"
	"github.com/rs/zerolog"
)

// Intent identifiers. At most one of each fires per bucket.
const (
	IDWarn90   = "usage-warn-90"
	IDLimit100 = "usage-limit-100"
)

// Intent is a notification request handed to the emitter. Delivery and
// permission handling live outside this package.
type Intent struct {
	ID    string
	Title string
	Body  string
}

// Emitter delivers notification intents.
type Emitter interface {
	Emit(ctx context.Context, intent Intent) error
}

// Evaluate inspects accumulated usage against the bucket goal and returns
// the updated warned flags plus any intents to emit. A goal of zero or less
// disables evaluation. Flags never clear here; only an accumulator reset
// clears them, so each warning fires at most once per bucket. Both intents
// may fire in one call when usage jumps past 100% within a single tick.
func Evaluate(accumulated, goal time.Duration, warned90, warned100 bool, cond study.Condition) (bool, bool, []Intent) {
	if goal <= 0 {
		return warned90, warned100, nil
	}

	pct := accumulated * 100 / goal

	var intents []Intent
	if pct >= 90 && !warned90 {
		warned90 = true
		intents = append(intents, warn90Intent(goal))
	}
	if pct >= 100 && !warned100 {
		warned100 = true
		intents = append(intents, limit100Intent(cond))
	}

	return warned90, warned100, intents
}

func warn90Intent(goal time.Duration) Intent {
	return Intent{
		ID:    IDWarn90,
		Title: "Approaching your limit",
		Body:  fmt.Sprintf("You have used 90%% of your %s goal for this period.", formatGoal(goal)),
	}
}

func limit100Intent(cond study.Condition) Intent {
	intent := Intent{
		ID:    IDLimit100,
		Title: "Limit reached",
	}

	switch cond.Kind {
	case study.Deposit:
		intent.Body = fmt.Sprintf("You have reached your goal limit. %d points will be deducted at the next settlement.", study.DepositLose)
	case study.Flexible:
		if cond.Lose > 0 {
			intent.Body = fmt.Sprintf("You have reached your goal limit. %d points will be deducted at the next settlement.", cond.Lose)
		} else {
			intent.Body = "You have reached your goal limit. No points will be deducted."
		}
	default:
		intent.Body = "You have reached your goal limit for this period."
	}

	return intent
}

func formatGoal(goal time.Duration) string {
	if goal%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(goal.Hours()))
	}
	return fmt.Sprintf("%dm", int(goal.Minutes()))
}

// LogEmitter writes intents to the log. It is the default emitter; platform
// delivery is wired in by the embedding application.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a log-backed emitter.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With().Str("component", "notifier").Logger()}
}

// Emit logs the intent.
func (e *LogEmitter) Emit(ctx context.Context, intent Intent) error {
	e.logger.Info().
		Str("intent_id", intent.ID).
		Str("title", intent.Title).
		Str("body", intent.Body).
		Msg("Notification intent")
	return nil
}
