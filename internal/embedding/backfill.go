package embedding

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/po-intake/internal/model"
	"github.com/sells-group/po-intake/internal/resilience"
	"github.com/sells-group/po-intake/internal/store"
)

// BackfillConfig tunes the historical embedding backfill.
type BackfillConfig struct {
	// MegaBatch is how many entities each driver iteration attempts.
	MegaBatch int

	// Retry governs how a failed mega-batch is retried before the run is
	// declared fatal.
	Retry resilience.RetryConfig

	// Cooldown is the idle period between successful mega-batches.
	Cooldown time.Duration
}

// Backfiller drives the one-time (or catch-up) embedding of an entire
// entity backlog, mega-batch by mega-batch.
type Backfiller struct {
	store      store.Store
	maintainer *Maintainer
	cfg        BackfillConfig
}

func NewBackfiller(st store.Store, maintainer *Maintainer, cfg BackfillConfig) *Backfiller {
	if cfg.MegaBatch <= 0 {
		cfg.MegaBatch = 2000
	}
	return &Backfiller{store: st, maintainer: maintainer, cfg: cfg}
}

// Run processes one kind's backlog to completion. A mega-batch that fails
// with a transient error is retried as a unit; exhausting the retries, or a
// permanent failure, aborts the run with an error. Entities that fail
// individually inside a mega-batch are parked in the dead-letter queue,
// which keeps them out of the selection until their retry comes due.
func (b *Backfiller) Run(ctx context.Context, kind model.EntityKind) error {
	start := time.Now()
	totalProcessed := 0
	batchNum := 0

	pending, err := b.pendingCount(ctx, kind)
	if err != nil {
		return err
	}
	zap.L().Info("backfill starting",
		zap.String("kind", string(kind)),
		zap.Int("pending", pending),
		zap.Int("mega_batch", b.cfg.MegaBatch))

	for {
		batchNum++
		batchStart := time.Now()

		retryCfg := b.cfg.Retry
		retryCfg.OnRetry = resilience.RetryLogger("embeddings", "backfill batch")

		var lastReport *Report
		report, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*Report, error) {
			r, rerr := b.maintainer.GenerateMissing(ctx, kind, b.cfg.MegaBatch)
			lastReport = r
			return r, rerr
		})
		if err != nil {
			// Park what the failed attempt recorded so a later retry pass
			// can still pick those entities up.
			if lastReport != nil {
				b.parkFailures(ctx, lastReport)
			}
			return eris.Wrapf(err, "backfill: %s batch %d failed after retries", kind, batchNum)
		}

		b.parkFailures(ctx, report)
		totalProcessed += report.Processed

		if report.Processed == 0 {
			break
		}

		elapsed := time.Since(batchStart)
		perSec := float64(report.Processed) / elapsed.Seconds()
		zap.L().Info("backfill batch complete",
			zap.String("kind", string(kind)),
			zap.Int("batch", batchNum),
			zap.Int("processed", report.Processed),
			zap.Int("failed", report.Failed),
			zap.Duration("elapsed", elapsed.Round(time.Millisecond)),
			zap.Float64("entities_per_sec", perSec))

		if b.cfg.Cooldown > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.cfg.Cooldown):
			}
		}
	}

	zap.L().Info("backfill complete",
		zap.String("kind", string(kind)),
		zap.Int("total_processed", totalProcessed),
		zap.Duration("elapsed", time.Since(start).Round(time.Second)))
	return nil
}

func (b *Backfiller) pendingCount(ctx context.Context, kind model.EntityKind) (int, error) {
	total, err := b.store.CountEntities(ctx, kind)
	if err != nil {
		return 0, err
	}
	embedded, err := b.store.CountEmbedded(ctx, kind)
	if err != nil {
		return 0, err
	}
	return total - embedded, nil
}

// parkFailures moves per-entity failures into the DLQ. Enqueue errors are
// logged, not returned; losing one DLQ row must not abort the backfill.
func (b *Backfiller) parkFailures(ctx context.Context, report *Report) {
	for _, fail := range report.Errors {
		entry := resilience.DLQEntry{
			Kind:        fail.Kind,
			EntityID:    fail.EntityID,
			Error:       fail.Err,
			ErrorType:   fail.ErrorType,
			MaxRetries:  b.cfg.Retry.MaxAttempts,
			NextRetryAt: time.Now().UTC().Add(15 * time.Minute),
		}
		if err := b.store.EnqueueDLQ(ctx, entry); err != nil {
			zap.L().Error("failed to park entity in dead-letter queue",
				zap.String("kind", string(fail.Kind)),
				zap.String("entity_id", fail.EntityID),
				zap.Error(err))
		}
	}
}

// RetryDLQ re-embeds every due dead-letter entry. Successes are removed
// from the queue; failures stay with a bumped retry count until exhausted.
func (b *Backfiller) RetryDLQ(ctx context.Context, kind model.EntityKind) (int, error) {
	entries, err := b.store.DequeueDLQ(ctx, resilience.DLQFilter{Kind: kind})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range entries {
		entry := &entries[i]
		if !entry.CanRetry() {
			zap.L().Warn("dead-letter entry exhausted its retries",
				zap.String("kind", string(entry.Kind)),
				zap.String("entity_id", entry.EntityID),
				zap.Int("retry_count", entry.RetryCount))
			continue
		}
		if err := b.maintainer.UpdateEntity(ctx, entry.Kind, entry.EntityID); err != nil {
			if ctx.Err() != nil {
				return recovered, ctx.Err()
			}
			entry.Error = err.Error()
			entry.ErrorType = resilience.ClassifyError(err)
			entry.NextRetryAt = time.Now().UTC().Add(time.Hour)
			if enqErr := b.store.EnqueueDLQ(ctx, *entry); enqErr != nil {
				zap.L().Error("failed to requeue dead-letter entry", zap.Error(enqErr))
			}
			continue
		}
		if err := b.store.RemoveDLQ(ctx, entry.ID); err != nil {
			zap.L().Error("failed to remove recovered dead-letter entry", zap.Error(err))
		}
		recovered++
	}
	return recovered, nil
}
