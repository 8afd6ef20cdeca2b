// Package settle compares each settlement window's usage to the goal and
// applies the condition's points delta, bounded within the study's limits.
package settle

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/goodtune/screenpact/internal/clock"
	"github.com/goodtune/screenpact/internal/metrics"
	"github.com/goodtune/screenpact/internal/scheduler"
	"github.com/goodtune/screenpact/internal/storage"
	"github.com/goodtune/screenpact/internal/study"
	"github.com/rs/zerolog"
)

// Engine runs one settlement per scheduled tick.
type Engine struct {
	records  storage.RecordStore
	prefs    storage.PrefsStore
	remote   storage.RemoteStore
	clk      clock.Clock
	interval time.Duration
	logger   zerolog.Logger
}

// New creates a settlement engine. The interval is both the schedule cadence
// and the width of the settled window.
func New(records storage.RecordStore, prefs storage.PrefsStore, remote storage.RemoteStore,
	clk clock.Clock, settlementInterval time.Duration, logger zerolog.Logger) *Engine {

	return &Engine{
		records:  records,
		prefs:    prefs,
		remote:   remote,
		clk:      clk,
		interval: settlementInterval,
		logger:   logger.With().Str("component", "settlement").Logger(),
	}
}

// WindowGoal scales the nominal 24-hour goal to a settlement window's
// width.
func WindowGoal(dailyGoal, window time.Duration) time.Duration {
	return dailyGoal * window / (24 * time.Hour)
}

// RunOnce settles the window that just closed.
func (e *Engine) RunOnce(ctx context.Context) scheduler.Outcome {
	ownerID, err := e.prefs.OwnerID(ctx)
	if err != nil {
		return e.prerequisite(err, "owner")
	}

	goal, err := e.prefs.Goal(ctx, ownerID)
	if err != nil {
		return e.prerequisite(err, "goal")
	}

	cond, err := e.prefs.Condition(ctx, ownerID)
	if err != nil {
		return e.prerequisite(err, "condition")
	}
	if !cond.Valid() {
		e.logger.Error().Str("kind", string(cond.Kind)).Msg("Invalid condition, skipping settlement")
		return scheduler.Success
	}

	now := e.clk.Now()
	windowStart := now.Add(-e.interval)

	// A retried run whose outcome already landed must not re-derive the
	// delta, that would double count. It resumes from the recorded outcome
	// and finishes whichever follow-up writes are still outstanding.
	if prev, err := e.prefs.SettlementOutcome(ctx, ownerID); err == nil && now.Sub(prev.CheckedAt) < e.interval/2 {
		return e.completeSettlement(ctx, ownerID, prev)
	}

	totalUsage, err := e.records.SumDuration(ctx, ownerID, goal.TargetPackage, windowStart, now)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to sum window usage")
		return scheduler.Retry
	}

	goalForWindow := WindowGoal(goal.DailyGoal(), e.interval)
	goalReached := totalUsage <= goalForWindow
	delta := cond.Delta(goalReached)

	balance := 0
	if current, err := e.prefs.PointsBalance(ctx, ownerID); err == nil {
		balance = current
	} else if !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error().Err(err).Msg("Failed to read points balance")
		return scheduler.Retry
	}

	newBalance := study.Clamp(balance + delta)

	// The outcome record drives user feedback and is written even when
	// the balance does not move. It lands before the follow-up writes, so
	// NewBalance is the value every later step, including a retried run,
	// converges on.
	outcome := storage.SettlementOutcome{CheckedAt: now, GoalReached: goalReached, PointsDelta: delta, NewBalance: newBalance}
	if err := e.prefs.SetSettlementOutcome(ctx, ownerID, outcome); err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist settlement outcome")
		return scheduler.Retry
	}

	if out := e.completeSettlement(ctx, ownerID, outcome); out != scheduler.Success {
		return out
	}

	metrics.SettlementsTotal.WithLabelValues(strconv.FormatBool(goalReached)).Inc()

	e.logger.Info().
		Str("owner", ownerID).
		Time("window_start", windowStart).
		Dur("usage", totalUsage).
		Dur("goal", goalForWindow).
		Bool("goal_reached", goalReached).
		Int("delta", delta).
		Int("balance", newBalance).
		Msg("Settlement complete")

	return scheduler.Success
}

// completeSettlement applies the writes that follow a persisted outcome:
// locking a flexible condition, moving the local balance to the recorded
// value, and pushing that value remotely. Every step converges on the
// outcome, so a retried run resumes here without re-deriving anything.
func (e *Engine) completeSettlement(ctx context.Context, ownerID string, out storage.SettlementOutcome) scheduler.Outcome {
	// Lock flexible stakes once the first settlement has used them.
	cond, err := e.prefs.Condition(ctx, ownerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error().Err(err).Msg("Failed to read condition")
		return scheduler.Retry
	}
	if err == nil && cond.Kind == study.Flexible && !cond.Locked {
		cond.Locked = true
		if err := e.prefs.SetCondition(ctx, ownerID, cond); err != nil {
			e.logger.Error().Err(err).Msg("Failed to lock condition")
			return scheduler.Retry
		}
	}

	balance, err := e.prefs.PointsBalance(ctx, ownerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error().Err(err).Msg("Failed to read points balance")
		return scheduler.Retry
	}
	if err != nil || balance != out.NewBalance {
		if err := e.prefs.SetPointsBalance(ctx, ownerID, out.NewBalance); err != nil {
			e.logger.Error().Err(err).Msg("Failed to persist points balance")
			return scheduler.Retry
		}
	}

	// The remote carries the final value, so re-pushing after a retried
	// run is safe.
	if err := e.remote.SetPointsBalance(ctx, ownerID, out.NewBalance); err != nil {
		e.logger.Warn().Err(err).Msg("Remote balance update failed, will retry")
		return scheduler.Retry
	}

	metrics.PointsBalance.WithLabelValues(ownerID).Set(float64(out.NewBalance))
	return scheduler.Success
}

// prerequisite maps a missing prerequisite to a non-retryable success and
// anything else to a retry.
func (e *Engine) prerequisite(err error, what string) scheduler.Outcome {
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Debug().Str("missing", what).Msg("Prerequisite not set, skipping settlement")
		return scheduler.Success
	}
	e.logger.Error().Err(err).Str("prerequisite", what).Msg("Failed to read prerequisite")
	return scheduler.Retry
}
