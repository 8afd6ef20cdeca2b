package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRegister_KeepExisting(t *testing.T) {
	s := New(zerolog.Nop())

	if !s.Register("settlement", time.Hour, func(ctx context.Context) Outcome { return Success }) {
		t.Error("first registration should succeed")
	}
	if s.Register("settlement", time.Minute, func(ctx context.Context) Outcome { return Success }) {
		t.Error("re-registration should keep existing")
	}
}

func TestScheduler_RunsPeriodically(t *testing.T) {
	s := New(zerolog.Nop())

	var runs atomic.Int32
	s.Register("poller", 10*time.Millisecond, func(ctx context.Context) Outcome {
		runs.Add(1)
		return Success
	})

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if got := runs.Load(); got < 3 {
		t.Errorf("task ran %d times, want at least 3", got)
	}
}

func TestScheduler_FatalStopsActor(t *testing.T) {
	s := New(zerolog.Nop())

	var runs atomic.Int32
	s.Register("reconcile", time.Millisecond, func(ctx context.Context) Outcome {
		runs.Add(1)
		return Fatal
	})

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if got := runs.Load(); got != 1 {
		t.Errorf("fatal task ran %d times, want exactly 1", got)
	}
}

func TestScheduler_NeverOverlapsSameActor(t *testing.T) {
	s := New(zerolog.Nop())

	var inFlight atomic.Int32
	var overlapped atomic.Bool
	s.Register("poller", time.Millisecond, func(ctx context.Context) Outcome {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return Success
	})

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if overlapped.Load() {
		t.Error("two runs of the same actor overlapped")
	}
}

func TestScheduler_StopCancelsContext(t *testing.T) {
	s := New(zerolog.Nop())

	cancelled := make(chan struct{})
	s.Register("poller", time.Hour, func(ctx context.Context) Outcome {
		go func() {
			<-ctx.Done()
			close(cancelled)
		}()
		return Success
	})

	s.Start(context.Background())
	s.Stop()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("context not cancelled on Stop")
	}
}

func TestBackoff(t *testing.T) {
	interval := 10 * time.Minute

	if got := backoff(1, interval); got != retryBase {
		t.Errorf("attempt 1 = %v, want %v", got, retryBase)
	}
	if got := backoff(2, interval); got != 2*retryBase {
		t.Errorf("attempt 2 = %v, want %v", got, 2*retryBase)
	}
	// Backoff never exceeds the regular interval.
	if got := backoff(20, interval); got != interval {
		t.Errorf("attempt 20 = %v, want cap %v", got, interval)
	}
}

func TestOutcomeString(t *testing.T) {
	tests := map[Outcome]string{
		Success:     "success",
		Retry:       "retry",
		Fatal:       "fatal",
		Outcome(99): "unknown",
	}
	for o, want := range tests {
		if got := o.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", o, got, want)
		}
	}
}
