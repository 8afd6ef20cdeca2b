// Package scheduler runs named periodic actors. Each actor is a serial
// loop, so two runs of the same actor never overlap; registration is
// idempotent with keep-existing semantics.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/goodtune/screenpact/internal/metrics"
	"github.com/rs/zerolog"
)

// Outcome is the result contract of one actor run.
type Outcome int

const (
	// Success ends the run; the next run happens after the regular
	// interval. A run with nothing to do (missing prerequisites, empty
	// store) is a Success, not a failure.
	Success Outcome = iota

	// Retry schedules the next run on the backoff schedule instead of the
	// regular interval. Used for transient fetch and commit failures.
	Retry

	// Fatal stops the actor permanently. Used when retrying would corrupt
	// state, such as re-applying a confirmed remote commit.
	Fatal
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Task is one run of a periodic actor.
type Task func(ctx context.Context) Outcome

const (
	retryBase = 15 * time.Second
	jitterPct = 10
)

type actor struct {
	name     string
	interval time.Duration
	task     Task
}

// Scheduler owns the periodic actors of one process.
type Scheduler struct {
	mu     sync.Mutex
	actors map[string]*actor
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty scheduler.
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		actors: make(map[string]*actor),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Register adds a named actor. Registering an existing name keeps the
// existing registration and reports false.
func (s *Scheduler) Register(name string, interval time.Duration, task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actors[name]; exists {
		s.logger.Debug().Str("actor", name).Msg("Actor already registered, keeping existing")
		return false
	}

	s.actors[name] = &actor{name: name, interval: interval, task: task}
	s.logger.Info().Str("actor", name).Dur("interval", interval).Msg("Actor registered")
	return true
}

// Start launches every registered actor. Each runs once immediately, then
// on its interval, with backoff after a Retry outcome.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.actors {
		s.wg.Add(1)
		go s.run(ctx, a)
	}
}

// Stop cancels all actors and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, a *actor) {
	defer s.wg.Done()

	logger := s.logger.With().Str("actor", a.name).Logger()
	retries := 0

	for {
		outcome := a.task(ctx)
		metrics.ActorRuns.WithLabelValues(a.name, outcome.String()).Inc()

		var wait time.Duration
		switch outcome {
		case Success:
			retries = 0
			wait = a.interval
		case Retry:
			retries++
			wait = backoff(retries, a.interval)
			logger.Warn().Int("attempt", retries).Dur("backoff", wait).Msg("Run failed, will retry")
		case Fatal:
			logger.Error().Msg("Fatal outcome, actor stopped permanently")
			return
		}

		select {
		case <-time.After(jitter(wait)):
		case <-ctx.Done():
			return
		}
	}
}

// backoff doubles from retryBase and is capped at the regular interval.
func backoff(attempt int, interval time.Duration) time.Duration {
	wait := retryBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= interval {
			return interval
		}
	}
	if wait > interval {
		return interval
	}
	return wait
}

// jitter spreads wakeups by up to ±10% so actors drift apart.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) * jitterPct / 100
	if spread == 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}
