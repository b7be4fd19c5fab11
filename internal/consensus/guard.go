package consensus

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/coveragecheck/coveragecheck/internal/store"
)

// AbuseWindow is the lookback period for duplicate-submission detection.
// One report per (provider, plan) per address or identity per window.
const AbuseWindow = 30 * 24 * time.Hour

// guard runs the duplicate-submission checks before a report is accepted.
// Both checks are store-backed so they hold across concurrent engine
// instances; nothing is cached in process memory.
type guard struct {
	store store.Store
}

// check rejects the submission if a non-expired report for the same
// (provider, plan) already exists within the window from the same address
// or the same identity. Both constraints are evaluated when both fields
// are present.
func (g guard) check(ctx context.Context, providerID, planID, address, identity string, now time.Time) error {
	since := now.Add(-AbuseWindow)

	if address != "" {
		n, err := g.store.CountReportsByAddress(ctx, providerID, planID, address, since, now)
		if err != nil {
			return eris.Wrap(err, "guard: count by address")
		}
		if n > 0 {
			return &ConflictError{Reason: "a report for this provider and plan was already submitted from this address recently"}
		}
	}

	if identity != "" {
		n, err := g.store.CountReportsByIdentity(ctx, providerID, planID, identity, since, now)
		if err != nil {
			return eris.Wrap(err, "guard: count by identity")
		}
		if n > 0 {
			return &ConflictError{Reason: "a report for this provider and plan was already submitted by this identity recently"}
		}
	}

	return nil
}
