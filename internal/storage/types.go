package storage

import "time"

// UsageRecord is one attributed foreground segment. Records are immutable
// once written; only the Uploaded flag changes, and only after the remote
// commit for the record is confirmed.
type UsageRecord struct {
	ID            uint64    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Package       string    `json:"package"`
	Duration      int64     `json:"duration_ms"`
	IntervalStart time.Time `json:"interval_start"`
	IntervalEnd   time.Time `json:"interval_end"`
	BucketDay     string    `json:"bucket_day"`
	Uploaded      bool      `json:"uploaded"`
}

// Goal is the reduction target: a package and the allowed foreground time
// on a nominal 24-hour basis.
type Goal struct {
	TargetPackage string `json:"target_package"`
	DailyGoalMS   int64  `json:"daily_goal_ms"`
}

// DailyGoal returns the goal as a duration.
func (g Goal) DailyGoal() time.Duration {
	return time.Duration(g.DailyGoalMS) * time.Millisecond
}

// AccumulatorSnapshot persists the interval accumulator across restarts so
// a process restart mid-bucket resumes with total and warned flags intact.
// TargetPackage and DailyGoalMS record which goal the total was accumulated
// under; a change to either forces a reset.
type AccumulatorSnapshot struct {
	TargetPackage     string    `json:"target_package"`
	DailyGoalMS       int64     `json:"daily_goal_ms"`
	BucketStart       time.Time `json:"bucket_start"`
	AccumulatedMS     int64     `json:"accumulated_ms"`
	Warned90          bool      `json:"warned_90"`
	Warned100         bool      `json:"warned_100"`
	ForegroundPackage string    `json:"foreground_package,omitempty"`
	LastAttribution   time.Time `json:"last_attribution"`
}

// SettlementOutcome is the most recent settlement result, overwritten each
// settlement tick and consumed once by the feedback reader. NewBalance is
// the post-settlement balance the follow-up writes converge on, so a run
// retried after the outcome landed cannot re-derive a stale value.
type SettlementOutcome struct {
	CheckedAt   time.Time `json:"checked_at"`
	GoalReached bool      `json:"goal_reached"`
	PointsDelta int       `json:"points_delta"`
	NewBalance  int       `json:"new_balance"`
}
