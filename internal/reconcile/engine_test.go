package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/screenpact/internal/scheduler"
	"github.com/goodtune/screenpact/internal/storage"
	"github.com/goodtune/screenpact/internal/storage/bolt"
	"github.com/rs/zerolog"
)

const (
	testOwner = "owner-1"
	testPkg   = "com.example.social"
)

var baseTime = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type fakeRemote struct {
	// usage accumulates every merge additively, day -> package -> total.
	usage  map[string]map[string]time.Duration
	merges int
	err    error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{usage: make(map[string]map[string]time.Duration)}
}

func (f *fakeRemote) MergeIncrement(ctx context.Context, ownerID string, days map[string]map[string]time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.merges++
	for day, pkgs := range days {
		if f.usage[day] == nil {
			f.usage[day] = make(map[string]time.Duration)
		}
		for pkg, d := range pkgs {
			f.usage[day][pkg] += d
		}
	}
	return nil
}

func (f *fakeRemote) SetPointsBalance(ctx context.Context, ownerID string, balance int) error {
	return nil
}

// failingMarkStore delegates to the real store but refuses to mark records
// uploaded, simulating a local write failure after the remote commit.
type failingMarkStore struct {
	storage.RecordStore
}

func (f *failingMarkStore) MarkUploaded(ctx context.Context, ids []uint64) error {
	return errors.New("disk full")
}

type fixture struct {
	engine *Engine
	store  *bolt.Store
	remote *fakeRemote
}

func setup(t *testing.T, batchSize int) *fixture {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "test.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	remote := newFakeRemote()
	engine := New(store.Records(), store.Prefs(), remote, batchSize, zerolog.Nop())

	return &fixture{engine: engine, store: store, remote: remote}
}

func (f *fixture) setOwner(t *testing.T) {
	t.Helper()
	if err := f.store.Prefs().SetOwnerID(context.Background(), testOwner); err != nil {
		t.Fatalf("SetOwnerID: %v", err)
	}
}

func (f *fixture) addRecord(t *testing.T, pkg, day string, offset, minutes int) {
	t.Helper()

	start := baseTime.Add(time.Duration(offset) * time.Minute)
	end := start.Add(time.Duration(minutes) * time.Minute)
	records := []storage.UsageRecord{{
		OwnerID:       testOwner,
		Package:       pkg,
		Duration:      end.Sub(start).Milliseconds(),
		IntervalStart: start,
		IntervalEnd:   end,
		BucketDay:     day,
	}}
	if err := f.store.Records().InsertRecords(context.Background(), records); err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	recs, err := f.store.Records().FetchUnuploaded(context.Background(), testOwner, 1000)
	if err != nil {
		t.Fatalf("FetchUnuploaded: %v", err)
	}
	return len(recs)
}

func TestRunOnce_NoOwnerIsSuccess(t *testing.T) {
	f := setup(t, 10)

	if got := f.engine.RunOnce(context.Background()); got != scheduler.Success {
		t.Errorf("outcome = %v, want Success with no owner", got)
	}
	if f.remote.merges != 0 {
		t.Error("remote touched without an owner")
	}
}

func TestRunOnce_EmptyStoreIsSuccess(t *testing.T) {
	f := setup(t, 10)
	f.setOwner(t)

	if got := f.engine.RunOnce(context.Background()); got != scheduler.Success {
		t.Errorf("outcome = %v", got)
	}
	if f.remote.merges != 0 {
		t.Errorf("merges = %d, want 0 for empty store", f.remote.merges)
	}
}

func TestRunOnce_AggregatesByDayAndPackage(t *testing.T) {
	f := setup(t, 10)
	f.setOwner(t)
	f.addRecord(t, testPkg, "2025-03-10", 0, 20)
	f.addRecord(t, testPkg, "2025-03-10", 60, 15)
	f.addRecord(t, "com.example.video", "2025-03-10", 120, 5)
	f.addRecord(t, testPkg, "2025-03-11", 24*60, 30)

	if got := f.engine.RunOnce(context.Background()); got != scheduler.Success {
		t.Fatalf("outcome = %v", got)
	}

	// One short batch, one merge call.
	if f.remote.merges != 1 {
		t.Errorf("merges = %d, want 1", f.remote.merges)
	}
	if got := f.remote.usage["2025-03-10"][testPkg]; got != 35*time.Minute {
		t.Errorf("day1 target usage = %v, want 35m", got)
	}
	if got := f.remote.usage["2025-03-10"]["com.example.video"]; got != 5*time.Minute {
		t.Errorf("day1 other usage = %v, want 5m", got)
	}
	if got := f.remote.usage["2025-03-11"][testPkg]; got != 30*time.Minute {
		t.Errorf("day2 usage = %v, want 30m", got)
	}
	if n := f.pending(t); n != 0 {
		t.Errorf("%d records still pending after upload", n)
	}
}

func TestRunOnce_DrainsInBatches(t *testing.T) {
	f := setup(t, 2)
	f.setOwner(t)
	for i := 0; i < 5; i++ {
		f.addRecord(t, testPkg, "2025-03-10", i*10, 10)
	}

	if got := f.engine.RunOnce(context.Background()); got != scheduler.Success {
		t.Fatalf("outcome = %v", got)
	}

	// 2 + 2 + 1, the short final batch ends the loop.
	if f.remote.merges != 3 {
		t.Errorf("merges = %d, want 3", f.remote.merges)
	}
	if got := f.remote.usage["2025-03-10"][testPkg]; got != 50*time.Minute {
		t.Errorf("total = %v, want 50m across batches", got)
	}
	if n := f.pending(t); n != 0 {
		t.Errorf("%d records still pending", n)
	}
}

func TestRunOnce_MergeFailureLeavesRecordsPending(t *testing.T) {
	f := setup(t, 10)
	f.setOwner(t)
	f.addRecord(t, testPkg, "2025-03-10", 0, 20)

	f.remote.err = errors.New("remote store unavailable")
	if got := f.engine.RunOnce(context.Background()); got != scheduler.Retry {
		t.Fatalf("outcome = %v, want Retry", got)
	}
	if n := f.pending(t); n != 1 {
		t.Fatalf("pending = %d, record must not be marked after a failed commit", n)
	}

	// The retry re-aggregates the same records and lands once.
	f.remote.err = nil
	if got := f.engine.RunOnce(context.Background()); got != scheduler.Success {
		t.Fatalf("retry outcome = %v", got)
	}
	if got := f.remote.usage["2025-03-10"][testPkg]; got != 20*time.Minute {
		t.Errorf("usage = %v, want 20m exactly once", got)
	}
	if n := f.pending(t); n != 0 {
		t.Errorf("pending = %d after successful retry", n)
	}
}

func TestRunOnce_MarkFailureAfterCommitIsFatal(t *testing.T) {
	f := setup(t, 10)
	f.setOwner(t)
	f.addRecord(t, testPkg, "2025-03-10", 0, 20)

	engine := New(&failingMarkStore{f.store.Records()}, f.store.Prefs(), f.remote, 10, zerolog.Nop())

	if got := engine.RunOnce(context.Background()); got != scheduler.Fatal {
		t.Errorf("outcome = %v, want Fatal when marking fails after commit", got)
	}
	if f.remote.merges != 1 {
		t.Errorf("merges = %d, the commit itself succeeded", f.remote.merges)
	}
}

func TestRunOnce_CancelledContextRetries(t *testing.T) {
	f := setup(t, 10)
	f.setOwner(t)
	f.addRecord(t, testPkg, "2025-03-10", 0, 20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := f.engine.RunOnce(ctx); got != scheduler.Retry {
		t.Errorf("outcome = %v, want Retry on cancellation", got)
	}
	if f.remote.merges != 0 {
		t.Error("merge attempted after cancellation")
	}
}

func TestRunOnce_OtherOwnersRecordsIgnored(t *testing.T) {
	f := setup(t, 10)
	f.setOwner(t)

	records := []storage.UsageRecord{{
		OwnerID:       "someone-else",
		Package:       testPkg,
		Duration:      (10 * time.Minute).Milliseconds(),
		IntervalStart: baseTime,
		IntervalEnd:   baseTime.Add(10 * time.Minute),
		BucketDay:     "2025-03-10",
	}}
	if err := f.store.Records().InsertRecords(context.Background(), records); err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}

	if got := f.engine.RunOnce(context.Background()); got != scheduler.Success {
		t.Fatalf("outcome = %v", got)
	}
	if f.remote.merges != 0 {
		t.Error("uploaded records belonging to another owner")
	}
}
