// Package decay hosts the scheduled jobs that keep stored confidence
// scores honest: proactive recalculation as verifications age, and purge
// of rows whose time-to-live has elapsed.
package decay

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/coveragecheck/coveragecheck/internal/confidence"
	"github.com/coveragecheck/coveragecheck/internal/model"
	"github.com/coveragecheck/coveragecheck/internal/store"
)

// DefaultBatchSize is the page size for both jobs when none is given.
const DefaultBatchSize = 100

// Job runs the decay and expiry batch operations.
type Job struct {
	store store.Store
	now   func() time.Time
}

// NewJob creates a Job backed by the given store.
func NewJob(st store.Store) *Job {
	return &Job{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithNow sets a fixed clock for testing.
func (j *Job) WithNow(fn func() time.Time) *Job {
	j.now = fn
	return j
}

// RecalcOptions configures a recalculation pass.
type RecalcOptions struct {
	BatchSize int
	DryRun    bool
	// Progress, if set, is called after each batch with the running
	// processed count.
	Progress func(processed int)
}

// RecalcStats summarizes one recalculation pass.
type RecalcStats struct {
	Processed int           `json:"processed"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Errored   int           `json:"errored"`
	Duration  time.Duration `json:"duration"`
}

// Recalculate pages through all acceptance records with at least one
// verification in stable id order and rescores each against current report
// data. Only records whose rounded score changed are written back. A
// per-record failure is logged and counted, never fatal; cancellation
// between batches returns partial stats.
func (j *Job) Recalculate(ctx context.Context, opts RecalcOptions) (*RecalcStats, error) {
	start := j.now()
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	log := zap.L().With(zap.Bool("dry_run", opts.DryRun))
	log.Info("starting confidence recalculation", zap.Int("batch_size", batchSize))

	stats := &RecalcStats{}
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			stats.Duration = j.now().Sub(start)
			return stats, err
		}

		page, err := j.store.ListAcceptancesForRecalc(ctx, store.RecalcPage{
			AfterID: cursor,
			Limit:   batchSize,
		})
		if err != nil {
			stats.Duration = j.now().Sub(start)
			return stats, eris.Wrap(err, "recalc: list page")
		}
		if len(page) == 0 {
			break
		}

		for _, rec := range page {
			stats.Processed++
			changed, err := j.recalcOne(ctx, rec, opts.DryRun)
			if err != nil {
				stats.Errored++
				log.Warn("recalculation failed for record",
					zap.String("id", rec.ID),
					zap.Error(err),
				)
				continue
			}
			if changed {
				stats.Updated++
			} else {
				stats.Unchanged++
			}
		}

		cursor = page[len(page)-1].ID
		if opts.Progress != nil {
			opts.Progress(stats.Processed)
		}
		if len(page) < batchSize {
			break
		}
	}

	stats.Duration = j.now().Sub(start)
	log.Info("confidence recalculation complete",
		zap.Int("processed", stats.Processed),
		zap.Int("updated", stats.Updated),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int("errored", stats.Errored),
		zap.Duration("duration", stats.Duration),
	)
	return stats, nil
}

// recalcOne rescores a single acceptance record from its provider's
// specialty and the vote counts of its non-expired reports. Returns
// whether the stored score would change (and, outside dry-run, writes it).
func (j *Job) recalcOne(ctx context.Context, rec model.AcceptanceRecord, dryRun bool) (bool, error) {
	var specialty, taxonomy string
	provider, err := j.store.GetProvider(ctx, rec.ProviderID)
	if err != nil {
		return false, eris.Wrap(err, "recalc: load provider")
	}
	if provider != nil {
		specialty = provider.Specialty
		taxonomy = provider.Taxonomy
	}

	now := j.now()
	reports, err := j.store.ListReports(ctx, store.ReportFilter{
		ProviderID: rec.ProviderID,
		PlanID:     rec.PlanID,
		LocationID: rec.LocationID,
		Now:        now,
	})
	if err != nil {
		return false, eris.Wrap(err, "recalc: list reports")
	}

	var up, down int
	var source model.SourceChannel
	for i, r := range reports {
		up += r.VotesUp
		down += r.VotesDown
		if i == 0 {
			// Reports are newest-first; score against the latest source.
			source = r.Source
		}
	}

	score := confidence.Score(confidence.Input{
		Source:            source,
		LastVerifiedAt:    rec.LastVerifiedAt,
		VerificationCount: rec.VerificationCount,
		VotesUp:           up,
		VotesDown:         down,
		Specialty:         specialty,
		Taxonomy:          taxonomy,
		Now:               now,
	})

	if score.Score == rec.ConfidenceScore {
		return false, nil
	}
	if dryRun {
		return true, nil
	}
	if err := j.store.UpdateAcceptanceScore(ctx, rec.ID, score.Score); err != nil {
		return false, eris.Wrap(err, "recalc: write score")
	}
	return true, nil
}
