// Package consensus turns crowd-submitted acceptance reports into a single
// published status per (provider, plan, location) key, gated by report
// count, confidence score, and a clear-majority rule.
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

const (
	// MinConsensusReports is the minimum non-expired report count before a
	// published status may change.
	MinConsensusReports = 3

	// MinConsensusScore is the minimum provisional confidence score before
	// a published status may change.
	MinConsensusScore = 60

	// ClearMajorityRatio requires the majority to exceed the minority by
	// more than this multiple, so a near-tie cannot flip status.
	ClearMajorityRatio = 2

	// ttlMonths is the time-to-live stamped on new reports and refreshed
	// acceptance records.
	ttlMonths = 6
)

// Engine orchestrates report submission and the consensus decision.
type Engine struct {
	store store.Store
	guard guard
	now   func() time.Time
}

// New creates an Engine backed by the given store.
func New(st store.Store) *Engine {
	return &Engine{
		store: st,
		guard: guard{store: st},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithNow sets a fixed clock for testing.
func (e *Engine) WithNow(fn func() time.Time) *Engine {
	e.now = fn
	return e
}

// SubmitInput is one crowd submission claiming an acceptance status.
type SubmitInput struct {
	ProviderID        string
	PlanID            string
	LocationID        string
	ClaimedStatus     model.AcceptanceStatus
	Source            model.SourceChannel
	Value             model.ReportValue
	Note              string
	EvidenceURL       string
	SubmitterAddress  string
	SubmitterIdentity string
}

// SubmitResult is the persisted report plus the updated acceptance record.
type SubmitResult struct {
	Report     *model.ReportLogEntry   `json:"report"`
	Acceptance *model.AcceptanceRecord `json:"acceptance"`
}

// SubmitReport validates, abuse-checks, and persists a report, then
// recomputes the aggregate and decides whether the published status
// changes. The read-modify-write sequence runs in a single transaction per
// key so two concurrent submissions cannot both act on a stale tally.
func (e *Engine) SubmitReport(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.ClaimedStatus != model.StatusAccepted && in.ClaimedStatus != model.StatusNotAccepted {
		return nil, &BadRequestError{Reason: "claimed status must be accepted or not_accepted"}
	}
	if in.Source == "" {
		in.Source = model.SourceCrowdsource
	}

	provider, err := e.store.GetProvider(ctx, in.ProviderID)
	if err != nil {
		return nil, eris.Wrap(err, "consensus: load provider")
	}
	if provider == nil {
		return nil, &NotFoundError{Entity: "provider", ID: in.ProviderID}
	}
	plan, err := e.store.GetPlan(ctx, in.PlanID)
	if err != nil {
		return nil, eris.Wrap(err, "consensus: load plan")
	}
	if plan == nil {
		return nil, &NotFoundError{Entity: "plan", ID: in.PlanID}
	}

	now := e.now()
	expiresAt := now.AddDate(0, ttlMonths, 0)

	// Serializable transactions abort under contention; retry the whole
	// read-modify-write sequence rather than surfacing the conflict.
	retryCfg := retry.DefaultConfig(store.IsRetryable)
	retryCfg.OnRetry = retry.Logger("submit_report")

	var result SubmitResult
	err = retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		result = SubmitResult{}
		return e.submitTx(ctx, in, provider, now, expiresAt, &result)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("report submitted",
		zap.String("provider_id", in.ProviderID),
		zap.String("plan_id", in.PlanID),
		zap.String("claimed", string(in.ClaimedStatus)),
		zap.String("resolved", string(result.Acceptance.Status)),
		zap.Int("score", result.Acceptance.ConfidenceScore),
	)
	return &result, nil
}

// submitTx runs the guarded create-report, tally, and upsert sequence in
// one transaction.
func (e *Engine) submitTx(ctx context.Context, in SubmitInput, provider *model.Provider, now, expiresAt time.Time, result *SubmitResult) error {
	return e.store.WithTx(ctx, func(tx store.Store) error {
		txGuard := guard{store: tx}
		if err := txGuard.check(ctx, in.ProviderID, in.PlanID, in.SubmitterAddress, in.SubmitterIdentity, now); err != nil {
			return err
		}

		prior, err := tx.GetAcceptance(ctx, in.ProviderID, in.PlanID, in.LocationID)
		if err != nil {
			return eris.Wrap(err, "consensus: load acceptance")
		}

		in.Value.Status = in.ClaimedStatus
		report := &model.ReportLogEntry{
			ID:                uuid.New().String(),
			ProviderID:        in.ProviderID,
			PlanID:            in.PlanID,
			LocationID:        in.LocationID,
			Kind:              model.KindPlanAcceptance,
			Source:            in.Source,
			NewValue:          in.Value,
			Note:              in.Note,
			EvidenceURL:       in.EvidenceURL,
			SubmitterIdentity: in.SubmitterIdentity,
			SubmitterAddress:  in.SubmitterAddress,
			CreatedAt:         now,
			ExpiresAt:         &expiresAt,
		}
		if prior != nil {
			report.PreviousValue = &model.PriorSnapshot{
				Status:          prior.Status,
				ConfidenceScore: prior.ConfidenceScore,
			}
		}
		if err := tx.CreateReport(ctx, report); err != nil {
			return err
		}

		// Tally every non-expired report, including the one just written.
		// No limit: a bounded page would let a burst of recent reports
		// outvote an older majority.
		reports, err := tx.ListReports(ctx, store.ReportFilter{
			ProviderID: in.ProviderID,
			PlanID:     in.PlanID,
			LocationID: in.LocationID,
			Now:        now,
		})
		if err != nil {
			return eris.Wrap(err, "consensus: list reports")
		}
		accepted, notAccepted := tally(reports)
		total := accepted + notAccepted
		majority := max(accepted, notAccepted)
		minority := min(accepted, notAccepted)

		lastVerified := now
		score := confidence.Score(confidence.Input{
			Source:            in.Source,
			LastVerifiedAt:    &lastVerified,
			VerificationCount: total,
			VotesUp:           majority,
			VotesDown:         minority,
			Specialty:         provider.Specialty,
			Taxonomy:          provider.Taxonomy,
			Now:               now,
		})

		status := resolveStatus(prior, total, score.Score, accepted, notAccepted)

		rec := &model.AcceptanceRecord{
			ID:                uuid.New().String(),
			ProviderID:        in.ProviderID,
			PlanID:            in.PlanID,
			LocationID:        in.LocationID,
			Status:            status,
			ConfidenceScore:   score.Score,
			LastVerifiedAt:    &lastVerified,
			VerificationCount: 1,
			ExpiresAt:         &expiresAt,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if prior != nil {
			rec.ID = prior.ID
			rec.VerificationCount = prior.VerificationCount + 1
			rec.CreatedAt = prior.CreatedAt
		}
		if err := tx.UpsertAcceptance(ctx, rec); err != nil {
			return err
		}
		if err := tx.LinkReport(ctx, report.ID, rec.ID); err != nil {
			return err
		}
		report.AcceptanceRecordID = rec.ID

		result.Report = report
		result.Acceptance = rec
		return nil
	})
}

// resolveStatus applies the status transition rule: the published status
// changes to the majority claim only when the report count, the provisional
// score, and the clear-majority ratio all pass. A brand-new record always
// starts PENDING; one report never establishes a status on its own.
func resolveStatus(prior *model.AcceptanceRecord, total, score, accepted, notAccepted int) model.AcceptanceStatus {
	status := model.StatusPending
	if prior != nil {
		status = prior.Status
	}

	majority := max(accepted, notAccepted)
	minority := min(accepted, notAccepted)

	if total >= MinConsensusReports && score >= MinConsensusScore && majority > ClearMajorityRatio*minority {
		if accepted > notAccepted {
			return model.StatusAccepted
		}
		return model.StatusNotAccepted
	}
	return status
}

// tally counts ACCEPTED vs NOT_ACCEPTED claims among the given reports.
// Raw claim tallies, deliberately not "agreement with the newest
// submission", which an attacker could manufacture by submitting opposite
// claims back to back.
func tally(reports []model.ReportLogEntry) (accepted, notAccepted int) {
	for _, r := range reports {
		switch r.NewValue.Status {
		case model.StatusAccepted:
			accepted++
		case model.StatusNotAccepted:
			notAccepted++
		}
	}
	return accepted, notAccepted
}

// Aggregate is the read-path view of one (provider, plan, location) key.
type Aggregate struct {
	Acceptance       *model.AcceptanceRecord `json:"acceptance,omitempty"`
	Reports          []model.ReportLogEntry  `json:"reports"`
	AcceptedCount    int                     `json:"accepted_count"`
	NotAcceptedCount int                     `json:"not_accepted_count"`
	TotalReports     int                     `json:"total_reports"`
}

// GetAggregateForPair returns the acceptance record, recent reports, and
// summary counts for a pair. Expired reports are filtered out unless
// includeExpired is set. Submitter fields are left intact; callers facing
// untrusted clients must redact them.
func (e *Engine) GetAggregateForPair(ctx context.Context, providerID, planID, locationID string, includeExpired bool) (*Aggregate, error) {
	provider, err := e.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, eris.Wrap(err, "consensus: load provider")
	}
	if provider == nil {
		return nil, &NotFoundError{Entity: "provider", ID: providerID}
	}
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, eris.Wrap(err, "consensus: load plan")
	}
	if plan == nil {
		return nil, &NotFoundError{Entity: "plan", ID: planID}
	}

	rec, err := e.store.GetAcceptance(ctx, providerID, planID, locationID)
	if err != nil {
		return nil, eris.Wrap(err, "consensus: load acceptance")
	}
	reports, err := e.store.ListReports(ctx, store.ReportFilter{
		ProviderID:     providerID,
		PlanID:         planID,
		LocationID:     locationID,
		IncludeExpired: includeExpired,
		Now:            e.now(),
	})
	if err != nil {
		return nil, eris.Wrap(err, "consensus: list reports")
	}

	accepted, notAccepted := tally(reports)
	return &Aggregate{
		Acceptance:       rec,
		Reports:          reports,
		AcceptedCount:    accepted,
		NotAcceptedCount: notAccepted,
		TotalReports:     len(reports),
	}, nil
}
