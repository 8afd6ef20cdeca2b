// Package tracker is the foreground poller: each tick it attributes new
// transition events, persists significant segments as usage records, feeds
// the interval accumulator, and fires threshold notifications.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/screenpact/internal/clock"
	"github.com/goodtune/screenpact/internal/events"
	"github.com/goodtune/screenpact/internal/interval"
	"github.com/goodtune/screenpact/internal/metrics"
	"github.com/goodtune/screenpact/internal/notify"
	"github.com/goodtune/screenpact/internal/scheduler"
	"github.com/goodtune/screenpact/internal/storage"
	"github.com/goodtune/screenpact/internal/study"
	"github.com/rs/zerolog"
)

// DefaultMinSegment is the minimum attributed duration persisted as a
// usage record. Shorter segments are discarded, not stored.
const DefaultMinSegment = 5 * time.Second

// Config holds tracker configuration.
type Config struct {
	MinSegment time.Duration
}

// Tracker drives the interval accumulator for one owner.
type Tracker struct {
	source     events.Source
	records    storage.RecordStore
	prefs      storage.PrefsStore
	policy     interval.Policy
	emitter    notify.Emitter
	clk        clock.Clock
	minSegment time.Duration
	logger     zerolog.Logger

	// Accumulator state, warm-restarted from the prefs snapshot. The
	// tracker is the only writer; the scheduler never overlaps runs.
	loaded bool
	state  storage.AccumulatorSnapshot
}

// New creates a tracker.
func New(source events.Source, records storage.RecordStore, prefs storage.PrefsStore,
	policy interval.Policy, emitter notify.Emitter, clk clock.Clock,
	cfg Config, logger zerolog.Logger) *Tracker {

	if cfg.MinSegment == 0 {
		cfg.MinSegment = DefaultMinSegment
	}

	return &Tracker{
		source:     source,
		records:    records,
		prefs:      prefs,
		policy:     policy,
		emitter:    emitter,
		clk:        clk,
		minSegment: cfg.MinSegment,
		logger:     logger.With().Str("component", "tracker").Logger(),
	}
}

// RunOnce executes one polling tick.
func (t *Tracker) RunOnce(ctx context.Context) scheduler.Outcome {
	ownerID, err := t.prefs.OwnerID(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			t.logger.Debug().Msg("No owner configured, nothing to track")
			return scheduler.Success
		}
		t.logger.Error().Err(err).Msg("Failed to read owner")
		return scheduler.Retry
	}

	goal, err := t.prefs.Goal(ctx, ownerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// A cleared goal destroys the accumulator so stale
			// accumulation never leaks into a future goal.
			t.destroyAccumulator(ctx, ownerID)
			return scheduler.Success
		}
		t.logger.Error().Err(err).Msg("Failed to read goal")
		return scheduler.Retry
	}

	now := t.clk.Now()

	if err := t.ensureLoaded(ctx, ownerID, now); err != nil {
		t.logger.Error().Err(err).Msg("Failed to load accumulator snapshot")
		return scheduler.Retry
	}

	// Any goal change, target or daily amount, forces the same reset as a
	// rollover, regardless of bucket boundary. The old total was earned
	// under a different contract and must not be judged against the new one.
	didReset := false
	if t.state.TargetPackage != goal.TargetPackage || t.state.DailyGoalMS != goal.DailyGoalMS {
		t.logger.Info().
			Str("old_target", t.state.TargetPackage).
			Str("new_target", goal.TargetPackage).
			Int64("old_goal_ms", t.state.DailyGoalMS).
			Int64("new_goal_ms", goal.DailyGoalMS).
			Msg("Goal changed, resetting accumulator")
		t.reset(now, goal)
		didReset = true
	}

	// Rollover must run before the window's duration is applied so a
	// window spanning the boundary lands in the new bucket.
	if bucketStart := t.policy.BucketStart(now); !bucketStart.Equal(t.state.BucketStart) {
		t.logger.Info().
			Time("old_bucket", t.state.BucketStart).
			Time("new_bucket", bucketStart).
			Msg("Bucket rollover, resetting accumulator")
		t.reset(now, goal)
		didReset = true
	}

	windowStart := t.state.LastAttribution
	if !windowStart.Before(now) {
		// An empty window still has to make a reset durable, or a restart
		// would resurrect the old total from the stale snapshot.
		if didReset {
			if err := t.prefs.SetAccumulatorSnapshot(ctx, ownerID, t.state); err != nil {
				t.logger.Error().Err(err).Msg("Failed to persist accumulator snapshot")
			}
		}
		return scheduler.Success
	}

	evs, err := t.source.Query(ctx, windowStart, now)
	if err != nil {
		// No data this tick, not zero usage. State is untouched so the
		// next run re-attributes the same window.
		t.logger.Warn().Err(err).Msg("Event source unavailable")
		return scheduler.Retry
	}

	attribution := events.Attribute(windowStart, now, evs, events.Carry{
		ForegroundPackage: t.state.ForegroundPackage,
		LastAttribution:   t.state.LastAttribution,
	})

	if outcome := t.persistRecords(ctx, ownerID, windowStart, now, attribution); outcome != scheduler.Success {
		return outcome
	}

	targetUsed := attribution.Durations[goal.TargetPackage]
	t.state.AccumulatedMS += targetUsed.Milliseconds()
	if targetUsed > 0 {
		metrics.TrackedMillis.WithLabelValues(ownerID, goal.TargetPackage).Add(float64(targetUsed.Milliseconds()))
	}

	// A zero add is still a valid tick; dependent readers use it as a
	// liveness heartbeat.
	t.logger.Debug().
		Str("owner", ownerID).
		Str("target", goal.TargetPackage).
		Dur("added", targetUsed).
		Int64("accumulated_ms", t.state.AccumulatedMS).
		Msg("Tick applied")

	t.evaluateThresholds(ctx, ownerID, goal)

	t.state.ForegroundPackage = attribution.Carry.ForegroundPackage
	t.state.LastAttribution = attribution.Carry.LastAttribution

	if err := t.prefs.SetAccumulatorSnapshot(ctx, ownerID, t.state); err != nil {
		// The in-memory state is current; losing the snapshot only costs
		// warm-restart fidelity.
		t.logger.Error().Err(err).Msg("Failed to persist accumulator snapshot")
	}

	return scheduler.Success
}

// ensureLoaded restores the accumulator from its snapshot on first use.
func (t *Tracker) ensureLoaded(ctx context.Context, ownerID string, now time.Time) error {
	if t.loaded {
		return nil
	}

	snap, err := t.prefs.AccumulatorSnapshot(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		snap = storage.AccumulatorSnapshot{
			BucketStart:     t.policy.BucketStart(now),
			LastAttribution: now,
		}
	}

	t.state = snap
	t.loaded = true
	return nil
}

// reset clears the accumulator for a new bucket or goal. The foreground
// carry is factual state and survives; only accounting resets.
func (t *Tracker) reset(now time.Time, goal storage.Goal) {
	t.state.TargetPackage = goal.TargetPackage
	t.state.DailyGoalMS = goal.DailyGoalMS
	t.state.BucketStart = t.policy.BucketStart(now)
	t.state.AccumulatedMS = 0
	t.state.Warned90 = false
	t.state.Warned100 = false
}

// destroyAccumulator wipes the persisted accumulator once the goal is
// cleared. The empty provenance guarantees the next configured goal starts
// a fresh bucket even if it matches the old one. The foreground carry and
// attribution cursor remain factual and survive.
func (t *Tracker) destroyAccumulator(ctx context.Context, ownerID string) {
	defer func() { t.loaded = false }()

	snap, err := t.prefs.AccumulatorSnapshot(ctx, ownerID)
	if err != nil || (snap.TargetPackage == "" && snap.DailyGoalMS == 0 && snap.AccumulatedMS == 0) {
		return
	}

	snap.TargetPackage = ""
	snap.DailyGoalMS = 0
	snap.AccumulatedMS = 0
	snap.Warned90 = false
	snap.Warned100 = false
	if err := t.prefs.SetAccumulatorSnapshot(ctx, ownerID, snap); err != nil {
		t.logger.Error().Err(err).Msg("Failed to persist cleared accumulator")
	}
}

func (t *Tracker) persistRecords(ctx context.Context, ownerID string, start, end time.Time, attribution events.Attribution) scheduler.Outcome {
	var records []storage.UsageRecord
	for pkg, dur := range attribution.Durations {
		if dur < t.minSegment {
			continue
		}
		records = append(records, storage.UsageRecord{
			OwnerID:       ownerID,
			Package:       pkg,
			Duration:      dur.Milliseconds(),
			IntervalStart: start,
			IntervalEnd:   end,
			BucketDay:     interval.DayKey(start),
		})
	}

	if len(records) == 0 {
		return scheduler.Success
	}

	if err := t.records.InsertRecords(ctx, records); err != nil {
		// Nothing was advanced; the next run re-attributes this window.
		t.logger.Error().Err(err).Msg("Failed to persist usage records")
		return scheduler.Retry
	}

	metrics.RecordsPersisted.WithLabelValues(ownerID).Add(float64(len(records)))
	return scheduler.Success
}

func (t *Tracker) evaluateThresholds(ctx context.Context, ownerID string, goal storage.Goal) {
	cond, err := t.prefs.Condition(ctx, ownerID)
	if err != nil {
		cond = study.Condition{Kind: study.Control}
	}

	goalForBucket := t.policy.GoalForBucket(goal.DailyGoal())
	accumulated := time.Duration(t.state.AccumulatedMS) * time.Millisecond

	w90, w100, intents := notify.Evaluate(accumulated, goalForBucket, t.state.Warned90, t.state.Warned100, cond)
	t.state.Warned90 = w90
	t.state.Warned100 = w100

	for _, intent := range intents {
		if err := t.emitter.Emit(ctx, intent); err != nil {
			t.logger.Error().Err(err).Str("intent_id", intent.ID).Msg("Failed to emit notification")
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(intent.ID).Inc()
	}
}

// Accumulated returns the current bucket total. Used by the status surface.
func (t *Tracker) Accumulated() time.Duration {
	return time.Duration(t.state.AccumulatedMS) * time.Millisecond
}
