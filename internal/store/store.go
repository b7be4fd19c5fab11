package store

import (
	"context"
	"time"

	"github.com/coveragecheck/coveragecheck/internal/model"
)

// ReportFilter specifies criteria for listing reports for a
// (provider, plan, location) key. A positive Limit caps the result;
// zero returns every matching row, which the consensus tally depends on.
// Now is the instant expiry is evaluated against; zero means wall clock.
type ReportFilter struct {
	ProviderID     string    `json:"provider_id"`
	PlanID         string    `json:"plan_id"`
	LocationID     string    `json:"location_id,omitempty"`
	IncludeExpired bool      `json:"include_expired,omitempty"`
	Limit          int       `json:"limit,omitempty"`
	Now            time.Time `json:"-"`
}

// RecalcPage specifies a cursor page of acceptance records for the decay
// recalculation job: stable id order, records with at least one
// verification, ids strictly after the cursor.
type RecalcPage struct {
	AfterID string `json:"after_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Store defines the persistence interface the consensus engine, vote
// ledger, and batch jobs run against. WithTx runs fn against a
// transactional view of the store; every read-modify-write sequence in the
// engine goes through it.
type Store interface {
	// Providers and plans
	CreateProvider(ctx context.Context, p *model.Provider) error
	GetProvider(ctx context.Context, id string) (*model.Provider, error)
	CreatePlan(ctx context.Context, p *model.Plan) error
	GetPlan(ctx context.Context, id string) (*model.Plan, error)

	// Acceptance records
	GetAcceptance(ctx context.Context, providerID, planID, locationID string) (*model.AcceptanceRecord, error)
	UpsertAcceptance(ctx context.Context, rec *model.AcceptanceRecord) error
	UpdateAcceptanceScore(ctx context.Context, id string, score int) error
	ListAcceptancesForRecalc(ctx context.Context, page RecalcPage) ([]model.AcceptanceRecord, error)

	// Reports
	CreateReport(ctx context.Context, r *model.ReportLogEntry) error
	GetReport(ctx context.Context, id string) (*model.ReportLogEntry, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]model.ReportLogEntry, error)
	LinkReport(ctx context.Context, reportID, acceptanceID string) error
	CountReportsByAddress(ctx context.Context, providerID, planID, address string, since, now time.Time) (int, error)
	CountReportsByIdentity(ctx context.Context, providerID, planID, identity string, since, now time.Time) (int, error)

	// Votes. AdjustReportVotes applies counter deltas atomically in SQL and
	// returns the updated report.
	GetVote(ctx context.Context, reportID, voterAddress string) (*model.VoteRecord, error)
	CreateVote(ctx context.Context, v *model.VoteRecord) error
	FlipVote(ctx context.Context, voteID string, direction model.VoteDirection) error
	AdjustReportVotes(ctx context.Context, reportID string, upDelta, downDelta int) (*model.ReportLogEntry, error)

	// Expiry, evaluated against the caller's clock. Deletes are bounded by
	// limit so callers can loop in batches. The acceptance count and
	// delete share the same backed-record predicate, so a dry run reports
	// exactly what a live run would remove.
	CountExpiredReports(ctx context.Context, now time.Time) (int, error)
	CountExpiredAcceptances(ctx context.Context, now time.Time) (int, error)
	DeleteExpiredReports(ctx context.Context, now time.Time, limit int) (int, error)
	DeleteExpiredAcceptances(ctx context.Context, now time.Time, limit int) (int, error)

	// Transactions and lifecycle
	WithTx(ctx context.Context, fn func(Store) error) error
	Migrate(ctx context.Context) error
	Close() error
}
