package consensus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/coveragecheck/coveragecheck/internal/confidence"
	"github.com/coveragecheck/coveragecheck/internal/model"
	"github.com/coveragecheck/coveragecheck/internal/retry"
	"github.com/coveragecheck/coveragecheck/internal/store"
)

// Ledger records up/down votes on report log entries, deduplicated per
// (report, voter address), with flip support.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// NewLedger creates a Ledger backed by the given store.
func NewLedger(st store.Store) *Ledger {
	return &Ledger{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithNow sets a fixed clock for testing.
func (l *Ledger) WithNow(fn func() time.Time) *Ledger {
	l.now = fn
	return l
}

// VoteResult is the updated report plus whether an existing vote flipped.
type VoteResult struct {
	Report      *model.ReportLogEntry `json:"report"`
	VoteChanged bool                  `json:"vote_changed"`
}

// Vote records a vote from voterAddress on a report. A repeat vote in the
// same direction is a conflict; a repeat in the opposite direction flips
// the vote record and adjusts both counters in one transaction. A
// successful vote recomputes the acceptance record's confidence score but
// never re-runs the status transition rule: voting affects confidence, not
// published status.
func (l *Ledger) Vote(ctx context.Context, reportID string, direction model.VoteDirection, voterAddress string) (*VoteResult, error) {
	if voterAddress == "" {
		return nil, &BadRequestError{Reason: "voter address is required"}
	}
	if !direction.Valid() {
		return nil, &BadRequestError{Reason: "vote direction must be up or down"}
	}

	now := l.now()
	retryCfg := retry.DefaultConfig(store.IsRetryable)
	retryCfg.OnRetry = retry.Logger("vote")

	var result VoteResult
	err := retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		result = VoteResult{}
		return l.voteTx(ctx, reportID, direction, voterAddress, now, &result)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("vote recorded",
		zap.String("report_id", reportID),
		zap.String("direction", string(direction)),
		zap.Bool("flipped", result.VoteChanged),
	)
	return &result, nil
}

// voteTx runs the dedup check, counter adjustment, and confidence rescore
// in one transaction.
func (l *Ledger) voteTx(ctx context.Context, reportID string, direction model.VoteDirection, voterAddress string, now time.Time, result *VoteResult) error {
	return l.store.WithTx(ctx, func(tx store.Store) error {
		report, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return eris.Wrap(err, "ledger: load report")
		}
		if report == nil {
			return &NotFoundError{Entity: "report", ID: reportID}
		}

		existing, err := tx.GetVote(ctx, reportID, voterAddress)
		if err != nil {
			return eris.Wrap(err, "ledger: load vote")
		}

		var updated *model.ReportLogEntry
		switch {
		case existing == nil:
			vote := &model.VoteRecord{
				ID:           uuid.New().String(),
				ReportID:     reportID,
				VoterAddress: voterAddress,
				Direction:    direction,
				CreatedAt:    now,
			}
			if err := tx.CreateVote(ctx, vote); err != nil {
				// A concurrent first vote from the same address can slip
				// past the dedup read; the unique index catches it.
				if store.IsUniqueViolation(err) {
					return &ConflictError{Reason: "already voted on this report"}
				}
				return err
			}
			updated, err = tx.AdjustReportVotes(ctx, reportID, delta(direction, model.VoteUp), delta(direction, model.VoteDown))
			if err != nil {
				return err
			}

		case existing.Direction == direction:
			return &ConflictError{Reason: "already voted in this direction"}

		default:
			// Flip: direction change plus both counter deltas in this
			// transaction, so no transient state is visible.
			if err := tx.FlipVote(ctx, existing.ID, direction); err != nil {
				return err
			}
			up, down := flipDeltas(direction)
			updated, err = tx.AdjustReportVotes(ctx, reportID, up, down)
			if err != nil {
				return err
			}
			result.VoteChanged = true
		}

		if err := l.recomputeConfidence(ctx, tx, updated, now); err != nil {
			return err
		}
		result.Report = updated
		return nil
	})
}

// recomputeConfidence rescores the acceptance record the report backs,
// using the report's updated vote counts and the record's current
// verification state.
func (l *Ledger) recomputeConfidence(ctx context.Context, tx store.Store, report *model.ReportLogEntry, now time.Time) error {
	rec, err := tx.GetAcceptance(ctx, report.ProviderID, report.PlanID, report.LocationID)
	if err != nil {
		return eris.Wrap(err, "ledger: load acceptance")
	}
	if rec == nil {
		return nil
	}

	var specialty, taxonomy string
	if provider, err := tx.GetProvider(ctx, report.ProviderID); err != nil {
		return eris.Wrap(err, "ledger: load provider")
	} else if provider != nil {
		specialty = provider.Specialty
		taxonomy = provider.Taxonomy
	}

	score := confidence.Score(confidence.Input{
		Source:            report.Source,
		LastVerifiedAt:    rec.LastVerifiedAt,
		VerificationCount: rec.VerificationCount,
		VotesUp:           report.VotesUp,
		VotesDown:         report.VotesDown,
		Specialty:         specialty,
		Taxonomy:          taxonomy,
		Now:               now,
	})
	if score.Score == rec.ConfidenceScore {
		return nil
	}
	return tx.UpdateAcceptanceScore(ctx, rec.ID, score.Score)
}

// delta returns 1 if direction equals target, else 0.
func delta(direction, target model.VoteDirection) int {
	if direction == target {
		return 1
	}
	return 0
}

// flipDeltas returns the (up, down) counter deltas for a flip to newDir.
func flipDeltas(newDir model.VoteDirection) (up, down int) {
	if newDir == model.VoteUp {
		return 1, -1
	}
	return -1, 1
}
