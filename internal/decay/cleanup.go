package decay

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CleanupOptions configures an expiry cleanup pass.
type CleanupOptions struct {
	BatchSize int
	DryRun    bool
}

// CleanupStats summarizes one cleanup pass.
type CleanupStats struct {
	ExpiredReports     int           `json:"expired_reports"`
	ExpiredAcceptances int           `json:"expired_acceptances"`
	DeletedReports     int           `json:"deleted_reports"`
	DeletedAcceptances int           `json:"deleted_acceptances"`
	Duration           time.Duration `json:"duration"`
}

// Cleanup counts and then deletes, in bounded batches, all reports and
// acceptance records whose TTL has elapsed. Vote rows cascade with their
// parent report. Dry-run counts without deleting. Idempotent: a second
// pass with nothing newly expired deletes zero rows.
func (j *Job) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupStats, error) {
	start := j.now()
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	stats := &CleanupStats{}

	// One clock reading for the whole pass, so the counts and the deletes
	// agree on which rows are expired.
	var err error
	stats.ExpiredReports, err = j.store.CountExpiredReports(ctx, start)
	if err != nil {
		return stats, eris.Wrap(err, "cleanup: count reports")
	}
	stats.ExpiredAcceptances, err = j.store.CountExpiredAcceptances(ctx, start)
	if err != nil {
		return stats, eris.Wrap(err, "cleanup: count acceptances")
	}

	if opts.DryRun {
		stats.Duration = j.now().Sub(start)
		zap.L().Info("expiry cleanup dry run",
			zap.Int("expired_reports", stats.ExpiredReports),
			zap.Int("expired_acceptances", stats.ExpiredAcceptances),
		)
		return stats, nil
	}

	// Reports first so acceptance deletion sees which records still have
	// non-expired backing. Loop until a batch comes back short, as a
	// safety valve against an infinite loop.
	stats.DeletedReports, err = j.deleteLoop(ctx, start, batchSize, j.store.DeleteExpiredReports)
	if err != nil {
		stats.Duration = j.now().Sub(start)
		return stats, err
	}
	stats.DeletedAcceptances, err = j.deleteLoop(ctx, start, batchSize, j.store.DeleteExpiredAcceptances)
	if err != nil {
		stats.Duration = j.now().Sub(start)
		return stats, err
	}

	stats.Duration = j.now().Sub(start)
	zap.L().Info("expiry cleanup complete",
		zap.Int("deleted_reports", stats.DeletedReports),
		zap.Int("deleted_acceptances", stats.DeletedAcceptances),
		zap.Duration("duration", stats.Duration),
	)
	return stats, nil
}

func (j *Job) deleteLoop(ctx context.Context, now time.Time, batchSize int, del func(context.Context, time.Time, int) (int, error)) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := del(ctx, now, batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < batchSize {
			return total, nil
		}
	}
}
