package settle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/screenpact/internal/clock"
	"github.com/goodtune/screenpact/internal/scheduler"
	"github.com/goodtune/screenpact/internal/storage"
	"github.com/goodtune/screenpact/internal/storage/bolt"
	"github.com/goodtune/screenpact/internal/study"
	"github.com/rs/zerolog"
)

const (
	testOwner  = "owner-1"
	testTarget = "com.example.social"
)

var settleAt = time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)

type fakeRemote struct {
	balances map[string]int
	err      error
	calls    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{balances: make(map[string]int)}
}

func (f *fakeRemote) MergeIncrement(ctx context.Context, ownerID string, days map[string]map[string]time.Duration) error {
	return nil
}

func (f *fakeRemote) SetPointsBalance(ctx context.Context, ownerID string, balance int) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.balances[ownerID] = balance
	return nil
}

type fixture struct {
	engine *Engine
	store  *bolt.Store
	remote *fakeRemote
	clk    *clock.TestClock
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "test.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	remote := newFakeRemote()
	clk := &clock.TestClock{CurrentTime: settleAt}

	engine := New(store.Records(), store.Prefs(), remote, clk, 24*time.Hour, zerolog.Nop())

	return &fixture{engine: engine, store: store, remote: remote, clk: clk}
}

func (f *fixture) configure(t *testing.T, cond study.Condition, goalMinutes, balance int) {
	t.Helper()
	ctx := context.Background()
	prefs := f.store.Prefs()

	if err := prefs.SetOwnerID(ctx, testOwner); err != nil {
		t.Fatalf("SetOwnerID: %v", err)
	}
	goal := storage.Goal{TargetPackage: testTarget, DailyGoalMS: int64(goalMinutes) * 60 * 1000}
	if err := prefs.SetGoal(ctx, testOwner, goal); err != nil {
		t.Fatalf("SetGoal: %v", err)
	}
	if err := prefs.SetCondition(ctx, testOwner, cond); err != nil {
		t.Fatalf("SetCondition: %v", err)
	}
	if err := prefs.SetPointsBalance(ctx, testOwner, balance); err != nil {
		t.Fatalf("SetPointsBalance: %v", err)
	}
}

// addUsage inserts a usage record ending minutes before the settlement tick.
func (f *fixture) addUsage(t *testing.T, minutesAgoStart, minutesAgoEnd int) {
	t.Helper()

	start := settleAt.Add(-time.Duration(minutesAgoStart) * time.Minute)
	end := settleAt.Add(-time.Duration(minutesAgoEnd) * time.Minute)
	records := []storage.UsageRecord{{
		OwnerID:       testOwner,
		Package:       testTarget,
		Duration:      end.Sub(start).Milliseconds(),
		IntervalStart: start,
		IntervalEnd:   end,
		BucketDay:     "2025-03-10",
	}}
	if err := f.store.Records().InsertRecords(context.Background(), records); err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
}

func TestRunOnce_MissingPrerequisitesIsSuccess(t *testing.T) {
	f := setup(t)

	if got := f.engine.RunOnce(context.Background()); got != scheduler.Success {
		t.Errorf("outcome = %v, want Success with nothing configured", got)
	}
	if f.remote.calls != 0 {
		t.Error("remote touched without prerequisites")
	}
}

func TestRunOnce_DepositMissedGoal(t *testing.T) {
	f := setup(t)
	f.configure(t, study.Condition{Kind: study.Deposit}, 60, 100)
	f.addUsage(t, 600, 510) // 90 minutes of use, goal is 60

	if got := f.engine.RunOnce(context.Background()); got != scheduler.Success {
		t.Fatalf("outcome = %v", got)
	}

	balance, err := f.store.Prefs().PointsBalance(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("PointsBalance: %v", err)
	}
	if balance != 60 {
		t.Errorf("balance = %d, want 100 - 40 = 60", balance)
	}
	if f.remote.balances[testOwner] != 60 {
		t.Errorf("remote balance = %d, want 60", f.remote.balances[testOwner])
	}

	outcome, err := f.store.Prefs().SettlementOutcome(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("SettlementOutcome: %v", err)
	}
	if outcome.GoalReached || outcome.PointsDelta != -study.DepositLose || outcome.NewBalance != 60 {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestRunOnce_DepositReachedGoal(t *testing.T) {
	f := setup(t)
	f.configure(t, study.Condition{Kind: study.Deposit}, 60, 100)
	f.addUsage(t, 600, 570) // 30 minutes, under the 60 minute goal

	f.engine.RunOnce(context.Background())

	balance, _ := f.store.Prefs().PointsBalance(context.Background(), testOwner)
	if balance != 100+study.DepositEarn {
		t.Errorf("balance = %d, want %d", balance, 100+study.DepositEarn)
	}
}

func TestRunOnce_ControlNeverLoses(t *testing.T) {
	f := setup(t)
	f.configure(t, study.Condition{Kind: study.Control}, 60, 100)
	f.addUsage(t, 600, 400) // 200 minutes, far over goal

	f.engine.RunOnce(context.Background())

	balance, _ := f.store.Prefs().PointsBalance(context.Background(), testOwner)
	if balance != 100 {
		t.Errorf("balance = %d, want unchanged 100", balance)
	}

	outcome, _ := f.store.Prefs().SettlementOutcome(context.Background(), testOwner)
	if outcome.PointsDelta != 0 {
		t.Errorf("delta = %d, want 0 for control miss", outcome.PointsDelta)
	}
}

func TestRunOnce_FlexibleUsesChosenStakes(t *testing.T) {
	f := setup(t)
	cond, _ := study.NewFlexible(25, 35)
	f.configure(t, cond, 60, 100)
	f.addUsage(t, 600, 500) // 100 minutes, over goal

	f.engine.RunOnce(context.Background())

	balance, _ := f.store.Prefs().PointsBalance(context.Background(), testOwner)
	if balance != 65 {
		t.Errorf("balance = %d, want 100 - 35 = 65", balance)
	}
}

func TestRunOnce_FlexibleLockedAfterFirstSettlement(t *testing.T) {
	f := setup(t)
	cond, _ := study.NewFlexible(25, 35)
	f.configure(t, cond, 60, 100)

	f.engine.RunOnce(context.Background())

	locked, err := f.store.Prefs().Condition(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("Condition: %v", err)
	}
	if !locked.Locked {
		t.Error("flexible condition not locked after settlement")
	}
}

func TestRunOnce_BalanceClampedAtBounds(t *testing.T) {
	f := setup(t)
	f.configure(t, study.Condition{Kind: study.Deposit}, 60, study.MinPoints+10)
	f.addUsage(t, 600, 400) // missed goal, delta -40 would go below MinPoints

	f.engine.RunOnce(context.Background())

	balance, _ := f.store.Prefs().PointsBalance(context.Background(), testOwner)
	if balance != study.MinPoints {
		t.Errorf("balance = %d, want clamped to %d", balance, study.MinPoints)
	}

	// Upper bound.
	f2 := setup(t)
	f2.configure(t, study.Condition{Kind: study.Deposit}, 60, study.MaxPoints-3)
	f2.engine.RunOnce(context.Background())

	balance, _ = f2.store.Prefs().PointsBalance(context.Background(), testOwner)
	if balance != study.MaxPoints {
		t.Errorf("balance = %d, want clamped to %d", balance, study.MaxPoints)
	}
}

func TestRunOnce_OverlapOnlyCountsWindow(t *testing.T) {
	f := setup(t)
	f.configure(t, study.Condition{Kind: study.Deposit}, 60, 100)

	// Usage entirely before the 24h window: does not count.
	f.addUsage(t, 26*60, 25*60)

	f.engine.RunOnce(context.Background())

	balance, _ := f.store.Prefs().PointsBalance(context.Background(), testOwner)
	if balance != 100+study.DepositEarn {
		t.Errorf("balance = %d, want goal reached with no in-window usage", balance)
	}
}

func TestRunOnce_RemoteFailureRetriesWithDurableLocalState(t *testing.T) {
	f := setup(t)
	f.configure(t, study.Condition{Kind: study.Deposit}, 60, 100)
	f.addUsage(t, 600, 500) // missed goal

	f.remote.err = errors.New("remote store unavailable")
	if got := f.engine.RunOnce(context.Background()); got != scheduler.Retry {
		t.Fatalf("outcome = %v, want Retry", got)
	}

	// Local balance and outcome are already durable.
	balance, _ := f.store.Prefs().PointsBalance(context.Background(), testOwner)
	if balance != 60 {
		t.Fatalf("local balance = %d, want 60", balance)
	}

	// The retried run re-pushes the final value without re-applying the
	// delta.
	f.remote.err = nil
	if got := f.engine.RunOnce(context.Background()); got != scheduler.Success {
		t.Fatalf("retry outcome = %v", got)
	}
	if f.remote.balances[testOwner] != 60 {
		t.Errorf("remote balance = %d, want 60 re-pushed", f.remote.balances[testOwner])
	}
	balance, _ = f.store.Prefs().PointsBalance(context.Background(), testOwner)
	if balance != 60 {
		t.Errorf("local balance = %d, retry must not re-apply delta", balance)
	}
}

// balanceFailPrefs fails a configurable number of balance writes, then
// delegates to the real store.
type balanceFailPrefs struct {
	storage.PrefsStore
	failures int
}

func (p *balanceFailPrefs) SetPointsBalance(ctx context.Context, ownerID string, balance int) error {
	if p.failures > 0 {
		p.failures--
		return errors.New("disk full")
	}
	return p.PrefsStore.SetPointsBalance(ctx, ownerID, balance)
}

func TestRunOnce_BalanceWriteFailureDoesNotLoseDelta(t *testing.T) {
	f := setup(t)
	f.configure(t, study.Condition{Kind: study.Deposit}, 60, 100)
	f.addUsage(t, 600, 500) // missed goal

	prefs := &balanceFailPrefs{PrefsStore: f.store.Prefs()}
	engine := New(f.store.Records(), prefs, f.remote, f.clk, 24*time.Hour, zerolog.Nop())

	// The outcome lands but the local balance write fails right after.
	prefs.failures = 1
	if got := engine.RunOnce(context.Background()); got != scheduler.Retry {
		t.Fatalf("outcome = %v, want Retry", got)
	}
	balance, _ := f.store.Prefs().PointsBalance(context.Background(), testOwner)
	if balance != 100 {
		t.Fatalf("local balance = %d, want untouched 100", balance)
	}

	// The retried run resumes from the recorded outcome and still applies
	// the settled balance instead of re-pushing the stale one.
	if got := engine.RunOnce(context.Background()); got != scheduler.Success {
		t.Fatalf("retry outcome = %v", got)
	}
	balance, _ = f.store.Prefs().PointsBalance(context.Background(), testOwner)
	if balance != 60 {
		t.Errorf("local balance = %d, want 60 after retried settlement", balance)
	}
	if f.remote.balances[testOwner] != 60 {
		t.Errorf("remote balance = %d, want 60", f.remote.balances[testOwner])
	}
}

func TestRunOnce_NextWindowSettlesNormally(t *testing.T) {
	f := setup(t)
	f.configure(t, study.Condition{Kind: study.Deposit}, 60, 100)
	f.addUsage(t, 600, 500) // missed goal in first window

	f.engine.RunOnce(context.Background())
	balance, _ := f.store.Prefs().PointsBalance(context.Background(), testOwner)
	if balance != 60 {
		t.Fatalf("balance = %d, want 60", balance)
	}

	// A day later the next window has no usage: goal reached.
	f.clk.Advance(24 * time.Hour)
	f.engine.RunOnce(context.Background())

	balance, _ = f.store.Prefs().PointsBalance(context.Background(), testOwner)
	if balance != 60+study.DepositEarn {
		t.Errorf("balance = %d, want %d", balance, 60+study.DepositEarn)
	}
}

func TestRunOnce_ExampleDepositScenario(t *testing.T) {
	// Deposit, earn=10 lose=40, balance=100, goal missed: clamp(100-40) = 60.
	f := setup(t)
	f.configure(t, study.Condition{Kind: study.Deposit}, 60, 100)
	f.addUsage(t, 120, 50) // 70 minutes in window, goal 60

	if got := f.engine.RunOnce(context.Background()); got != scheduler.Success {
		t.Fatalf("outcome = %v", got)
	}

	balance, _ := f.store.Prefs().PointsBalance(context.Background(), testOwner)
	if balance != 60 {
		t.Errorf("balance = %d, want 60", balance)
	}
}
