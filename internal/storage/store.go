package storage

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/screenpact/internal/study"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root local storage interface.
type Store interface {
	Close() error
	Records() RecordStore
	Prefs() PrefsStore
}

// RecordStore manages the durable log of usage records.
type RecordStore interface {
	// InsertRecords appends records in a single transaction. IDs are
	// assigned by the store and written back into the slice.
	InsertRecords(ctx context.Context, records []UsageRecord) error

	// SumDuration returns the total duration of records for owner/pkg that
	// overlap [start, end): a record counts if rec.IntervalStart < end and
	// rec.IntervalEnd > start.
	SumDuration(ctx context.Context, ownerID, pkg string, start, end time.Time) (time.Duration, error)

	// FetchUnuploaded returns up to limit not-yet-uploaded records for the
	// owner, ordered by interval start.
	FetchUnuploaded(ctx context.Context, ownerID string, limit int) ([]UsageRecord, error)

	// MarkUploaded flips the uploaded flag on the given records.
	MarkUploaded(ctx context.Context, ids []uint64) error
}

// PrefsStore is the key-value configuration surface: owner identity, goal,
// condition, points balance, accumulator snapshot for warm restart, and the
// last settlement outcome. Getters return ErrNotFound when a value was
// never set.
type PrefsStore interface {
	OwnerID(ctx context.Context) (string, error)
	SetOwnerID(ctx context.Context, id string) error

	Goal(ctx context.Context, ownerID string) (Goal, error)
	SetGoal(ctx context.Context, ownerID string, goal Goal) error
	ClearGoal(ctx context.Context, ownerID string) error

	Condition(ctx context.Context, ownerID string) (study.Condition, error)
	SetCondition(ctx context.Context, ownerID string, cond study.Condition) error

	PointsBalance(ctx context.Context, ownerID string) (int, error)
	SetPointsBalance(ctx context.Context, ownerID string, balance int) error

	AccumulatorSnapshot(ctx context.Context, ownerID string) (AccumulatorSnapshot, error)
	SetAccumulatorSnapshot(ctx context.Context, ownerID string, snap AccumulatorSnapshot) error

	SettlementOutcome(ctx context.Context, ownerID string) (SettlementOutcome, error)
	SetSettlementOutcome(ctx context.Context, ownerID string, out SettlementOutcome) error
}

// RemoteStore mirrors locally buffered usage to the remote document store.
type RemoteStore interface {
	// MergeIncrement additively merges per-package durations into the
	// owner's per-day documents. The merge must be atomic across every
	// (day, package) group passed in one call, and additive so that a
	// retry after a failed commit never double counts.
	MergeIncrement(ctx context.Context, ownerID string, days map[string]map[string]time.Duration) error

	// SetPointsBalance writes the owner's balance as a final value
	// (last-write-wins, not a delta).
	SetPointsBalance(ctx context.Context, ownerID string, balance int) error
}
