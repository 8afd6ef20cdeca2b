// Package reconcile drains locally buffered usage records to the remote
// store in bounded batches and marks them uploaded after the commit.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/screenpact/internal/metrics"
	"github.com/goodtune/screenpact/internal/scheduler"
	"github.com/goodtune/screenpact/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultBatchSize bounds how many records one upload round may carry.
const DefaultBatchSize = 200

// ErrMarkAfterCommit means the remote commit succeeded but the local
// uploaded flags could not be written. Retrying the batch would apply the
// increment twice, so the actor must stop instead.
var ErrMarkAfterCommit = errors.New("reconcile: mark uploaded failed after confirmed remote commit")

// Engine uploads unuploaded usage records owner-wide, batch by batch.
type Engine struct {
	records storage.RecordStore
	prefs   storage.PrefsStore
	remote  storage.RemoteStore
	batch   int
	logger  zerolog.Logger
}

// New creates a reconciliation engine. batchSize ≤ 0 falls back to
// DefaultBatchSize.
func New(records storage.RecordStore, prefs storage.PrefsStore, remote storage.RemoteStore,
	batchSize int, logger zerolog.Logger) *Engine {

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		records: records,
		prefs:   prefs,
		remote:  remote,
		batch:   batchSize,
		logger:  logger.With().Str("component", "reconcile").Logger(),
	}
}

// RunOnce drains pending records until the store is empty or a batch comes
// back short.
func (e *Engine) RunOnce(ctx context.Context) scheduler.Outcome {
	ownerID, err := e.prefs.OwnerID(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Debug().Msg("No owner configured, skipping reconciliation")
			return scheduler.Success
		}
		e.logger.Error().Err(err).Msg("Failed to read owner")
		return scheduler.Retry
	}

	uploaded := 0
	for {
		if err := ctx.Err(); err != nil {
			return scheduler.Retry
		}

		recs, err := e.records.FetchUnuploaded(ctx, ownerID, e.batch)
		if err != nil {
			e.logger.Error().Err(err).Msg("Failed to fetch pending records")
			return scheduler.Retry
		}
		if len(recs) == 0 {
			break
		}

		if out := e.uploadBatch(ctx, ownerID, recs); out != scheduler.Success {
			return out
		}
		uploaded += len(recs)

		// A short batch means the store ran dry.
		if len(recs) < e.batch {
			break
		}
	}

	if uploaded > 0 {
		e.logger.Info().Str("owner", ownerID).Int("records", uploaded).Msg("Reconciliation complete")
	}
	return scheduler.Success
}

// uploadBatch merges one batch into the remote per-day documents and flips
// the uploaded flags. The merge is additive and atomic across the whole
// batch, so a retry after a failed commit never double counts.
func (e *Engine) uploadBatch(ctx context.Context, ownerID string, recs []storage.UsageRecord) scheduler.Outcome {
	days := make(map[string]map[string]time.Duration)
	ids := make([]uint64, 0, len(recs))
	for _, rec := range recs {
		pkgs, ok := days[rec.BucketDay]
		if !ok {
			pkgs = make(map[string]time.Duration)
			days[rec.BucketDay] = pkgs
		}
		pkgs[rec.Package] += time.Duration(rec.Duration) * time.Millisecond
		ids = append(ids, rec.ID)
	}

	if err := e.remote.MergeIncrement(ctx, ownerID, days); err != nil {
		e.logger.Warn().Err(err).Int("records", len(recs)).Msg("Remote merge failed, will retry")
		metrics.ReconcileRecords.WithLabelValues("merge_error").Add(float64(len(recs)))
		return scheduler.Retry
	}

	// Past this point the remote has the batch. A mark failure leaves
	// records that look pending but were already applied remotely, and a
	// blind retry would upload them again.
	if err := e.records.MarkUploaded(ctx, ids); err != nil {
		e.logger.Error().
			Err(fmt.Errorf("%w: %v", ErrMarkAfterCommit, err)).
			Uints64("record_ids", ids).
			Msg("Stopping reconciliation")
		metrics.ReconcileRecords.WithLabelValues("mark_error").Add(float64(len(recs)))
		return scheduler.Fatal
	}

	metrics.ReconcileRecords.WithLabelValues("uploaded").Add(float64(len(recs)))
	return scheduler.Success
}
