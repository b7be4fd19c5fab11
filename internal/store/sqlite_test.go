package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coveragecheck/coveragecheck/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedPair(t *testing.T, st Store) (providerID, planID string) {
	t.Helper()
	ctx := context.Background()

	providerID = uuid.New().String()
	planID = uuid.New().String()
	require.NoError(t, st.CreateProvider(ctx, &model.Provider{
		ID: providerID, Name: "Dr. Test", Specialty: "Psychiatry",
	}))
	require.NoError(t, st.CreatePlan(ctx, &model.Plan{
		ID: planID, Carrier: "Acme Health", Name: "Gold PPO", PlanType: "PPO",
	}))
	return providerID, planID
}

func newReport(providerID, planID string) *model.ReportLogEntry {
	expires := time.Now().UTC().AddDate(0, 6, 0)
	return &model.ReportLogEntry{
		ID:               uuid.New().String(),
		ProviderID:       providerID,
		PlanID:           planID,
		Kind:             model.KindPlanAcceptance,
		Source:           model.SourceCrowdsource,
		NewValue:         model.ReportValue{Status: model.StatusAccepted},
		SubmitterAddress: "10.0.0.1",
		CreatedAt:        time.Now().UTC(),
		ExpiresAt:        &expires,
	}
}

func TestSQLite_ProviderRoundtrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := &model.Provider{ID: uuid.New().String(), Name: "Dr. Roe", Specialty: "Radiology", Taxonomy: "Diagnostic Radiology"}
	require.NoError(t, st.CreateProvider(ctx, p))

	got, err := st.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Specialty, got.Specialty)
	assert.Equal(t, p.Taxonomy, got.Taxonomy)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSQLite_GetProvider_Missing(t *testing.T) {
	st := newTestStore(t)

	got, err := st.GetProvider(context.Background(), uuid.New().String())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_PlanRoundtrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := &model.Plan{ID: uuid.New().String(), Carrier: "Acme", Name: "Bronze HMO", PlanType: "HMO"}
	require.NoError(t, st.CreatePlan(ctx, p))

	got, err := st.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Acme", got.Carrier)
	assert.Equal(t, "Bronze HMO", got.Name)
}

func TestSQLite_UpsertAcceptance(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	now := time.Now().UTC()
	rec := &model.AcceptanceRecord{
		ID:                uuid.New().String(),
		ProviderID:        providerID,
		PlanID:            planID,
		Status:            model.StatusPending,
		ConfidenceScore:   40,
		VerificationCount: 1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, st.UpsertAcceptance(ctx, rec))

	got, err := st.GetAcceptance(ctx, providerID, planID, "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 40, got.ConfidenceScore)

	// Same key upserts in place instead of inserting a second row.
	verified := now
	rec.Status = model.StatusAccepted
	rec.ConfidenceScore = 74
	rec.VerificationCount = 3
	rec.LastVerifiedAt = &verified
	require.NoError(t, st.UpsertAcceptance(ctx, rec))

	got, err = st.GetAcceptance(ctx, providerID, planID, "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, model.StatusAccepted, got.Status)
	assert.Equal(t, 74, got.ConfidenceScore)
	assert.Equal(t, 3, got.VerificationCount)
	require.NotNil(t, got.LastVerifiedAt)
}

func TestSQLite_AcceptanceMissing(t *testing.T) {
	st := newTestStore(t)

	got, err := st.GetAcceptance(context.Background(), "nope", "nada", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_LocationsAreSeparateRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	now := time.Now().UTC()
	for _, loc := range []string{"", "clinic-a", "clinic-b"} {
		require.NoError(t, st.UpsertAcceptance(ctx, &model.AcceptanceRecord{
			ID: uuid.New().String(), ProviderID: providerID, PlanID: planID,
			LocationID: loc, Status: model.StatusPending, CreatedAt: now, UpdatedAt: now,
		}))
	}

	a, err := st.GetAcceptance(ctx, providerID, planID, "clinic-a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "clinic-a", a.LocationID)

	b, err := st.GetAcceptance(ctx, providerID, planID, "clinic-b")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSQLite_UpdateAcceptanceScore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	now := time.Now().UTC()
	rec := &model.AcceptanceRecord{
		ID: uuid.New().String(), ProviderID: providerID, PlanID: planID,
		Status: model.StatusPending, ConfidenceScore: 50, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.UpsertAcceptance(ctx, rec))

	require.NoError(t, st.UpdateAcceptanceScore(ctx, rec.ID, 62))

	got, err := st.GetAcceptance(ctx, providerID, planID, "")
	require.NoError(t, err)
	assert.Equal(t, 62, got.ConfidenceScore)

	err = st.UpdateAcceptanceScore(ctx, "missing-id", 10)
	assert.Error(t, err)
}

func TestSQLite_ReportRoundtrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	r := newReport(providerID, planID)
	r.PreviousValue = &model.PriorSnapshot{Status: model.StatusPending, ConfidenceScore: 40}
	r.Note = "front desk confirmed"
	r.EvidenceURL = "https://example.com/eob.pdf"
	require.NoError(t, st.CreateReport(ctx, r))

	got, err := st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.KindPlanAcceptance, got.Kind)
	assert.Equal(t, model.SourceCrowdsource, got.Source)
	assert.Equal(t, model.StatusAccepted, got.NewValue.Status)
	require.NotNil(t, got.PreviousValue)
	assert.Equal(t, model.StatusPending, got.PreviousValue.Status)
	assert.Equal(t, 40, got.PreviousValue.ConfidenceScore)
	assert.Equal(t, "front desk confirmed", got.Note)
	assert.Equal(t, "10.0.0.1", got.SubmitterAddress)
	require.NotNil(t, got.ExpiresAt)
}

func TestSQLite_GetReport_Missing(t *testing.T) {
	st := newTestStore(t)

	got, err := st.GetReport(context.Background(), uuid.New().String())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_ListReports_FiltersExpired(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	live := newReport(providerID, planID)
	require.NoError(t, st.CreateReport(ctx, live))

	expired := newReport(providerID, planID)
	past := time.Now().UTC().Add(-time.Hour)
	expired.ExpiresAt = &past
	require.NoError(t, st.CreateReport(ctx, expired))

	// Null TTL counts as not expired.
	legacy := newReport(providerID, planID)
	legacy.ExpiresAt = nil
	require.NoError(t, st.CreateReport(ctx, legacy))

	reports, err := st.ListReports(ctx, ReportFilter{ProviderID: providerID, PlanID: planID})
	require.NoError(t, err)
	assert.Len(t, reports, 2)
	for _, r := range reports {
		assert.NotEqual(t, expired.ID, r.ID)
	}

	all, err := st.ListReports(ctx, ReportFilter{ProviderID: providerID, PlanID: planID, IncludeExpired: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLite_ListReports_NewestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		r := newReport(providerID, planID)
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.CreateReport(ctx, r))
		ids = append(ids, r.ID)
	}

	reports, err := st.ListReports(ctx, ReportFilter{ProviderID: providerID, PlanID: planID})
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, ids[2], reports[0].ID)
	assert.Equal(t, ids[0], reports[2].ID)
}

func TestSQLite_LinkReport(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	r := newReport(providerID, planID)
	require.NoError(t, st.CreateReport(ctx, r))

	accID := uuid.New().String()
	require.NoError(t, st.LinkReport(ctx, r.ID, accID))

	got, err := st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, accID, got.AcceptanceRecordID)

	assert.Error(t, st.LinkReport(ctx, "missing-report", accID))
}

func TestSQLite_CountReportsByAddressAndIdentity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	for i := 0; i < 2; i++ {
		r := newReport(providerID, planID)
		r.SubmitterAddress = "10.0.0.9"
		r.SubmitterIdentity = "user-7"
		require.NoError(t, st.CreateReport(ctx, r))
	}
	other := newReport(providerID, planID)
	other.SubmitterAddress = "10.0.0.50"
	require.NoError(t, st.CreateReport(ctx, other))

	now := time.Now().UTC()
	since := now.Add(-30 * 24 * time.Hour)

	n, err := st.CountReportsByAddress(ctx, providerID, planID, "10.0.0.9", since, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = st.CountReportsByIdentity(ctx, providerID, planID, "user-7", since, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Outside the window nothing counts.
	n, err = st.CountReportsByAddress(ctx, providerID, planID, "10.0.0.9", now.Add(time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLite_ListReports_NoDefaultCap(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	for i := 0; i < 120; i++ {
		r := newReport(providerID, planID)
		r.SubmitterAddress = fmt.Sprintf("10.1.%d.%d", i/250, i%250)
		require.NoError(t, st.CreateReport(ctx, r))
	}

	// Every live report comes back when no limit is set; a status flip
	// must never be decided from a truncated tally.
	reports, err := st.ListReports(ctx, ReportFilter{ProviderID: providerID, PlanID: planID})
	require.NoError(t, err)
	assert.Len(t, reports, 120)

	capped, err := st.ListReports(ctx, ReportFilter{ProviderID: providerID, PlanID: planID, Limit: 50})
	require.NoError(t, err)
	assert.Len(t, capped, 50)
}

func TestSQLite_ListReports_ExpiryUsesCallerClock(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	deadline := time.Now().UTC().Add(48 * time.Hour)
	r := newReport(providerID, planID)
	r.ExpiresAt = &deadline
	require.NoError(t, st.CreateReport(ctx, r))

	before, err := st.ListReports(ctx, ReportFilter{
		ProviderID: providerID, PlanID: planID, Now: deadline.Add(-time.Second),
	})
	require.NoError(t, err)
	assert.Len(t, before, 1)

	after, err := st.ListReports(ctx, ReportFilter{
		ProviderID: providerID, PlanID: planID, Now: deadline.Add(time.Second),
	})
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestSQLite_VoteLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	r := newReport(providerID, planID)
	require.NoError(t, st.CreateReport(ctx, r))

	v := &model.VoteRecord{
		ID: uuid.New().String(), ReportID: r.ID, VoterAddress: "10.0.0.2",
		Direction: model.VoteUp, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateVote(ctx, v))

	got, err := st.GetVote(ctx, r.ID, "10.0.0.2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.VoteUp, got.Direction)

	// Second vote from the same address violates the unique constraint.
	dup := &model.VoteRecord{
		ID: uuid.New().String(), ReportID: r.ID, VoterAddress: "10.0.0.2",
		Direction: model.VoteDown, CreatedAt: time.Now().UTC(),
	}
	assert.Error(t, st.CreateVote(ctx, dup))

	require.NoError(t, st.FlipVote(ctx, v.ID, model.VoteDown))
	got, err = st.GetVote(ctx, r.ID, "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, model.VoteDown, got.Direction)

	missing, err := st.GetVote(ctx, r.ID, "10.0.0.99")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_AdjustReportVotes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	r := newReport(providerID, planID)
	require.NoError(t, st.CreateReport(ctx, r))

	updated, err := st.AdjustReportVotes(ctx, r.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.VotesUp)
	assert.Equal(t, 0, updated.VotesDown)

	// Flip: remove the up, add a down.
	updated, err = st.AdjustReportVotes(ctx, r.ID, -1, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.VotesUp)
	assert.Equal(t, 1, updated.VotesDown)

	_, err = st.AdjustReportVotes(ctx, "missing", 1, 0)
	assert.Error(t, err)
}

func TestSQLite_VotesCascadeWithReport(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	r := newReport(providerID, planID)
	past := time.Now().UTC().Add(-time.Minute)
	r.ExpiresAt = &past
	require.NoError(t, st.CreateReport(ctx, r))
	require.NoError(t, st.CreateVote(ctx, &model.VoteRecord{
		ID: uuid.New().String(), ReportID: r.ID, VoterAddress: "10.0.0.3",
		Direction: model.VoteUp, CreatedAt: time.Now().UTC(),
	}))

	n, err := st.DeleteExpiredReports(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := st.GetVote(ctx, r.ID, "10.0.0.3")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSQLite_ExpiryCountsAndBoundedDeletes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	for i := 0; i < 5; i++ {
		r := newReport(providerID, planID)
		r.ExpiresAt = &past
		require.NoError(t, st.CreateReport(ctx, r))
	}
	live := newReport(providerID, planID)
	require.NoError(t, st.CreateReport(ctx, live))

	n, err := st.CountExpiredReports(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// Deletes honor the batch limit.
	deleted, err := st.DeleteExpiredReports(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	deleted, err = st.DeleteExpiredReports(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	n, err = st.CountExpiredReports(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// The live report survives.
	got, err := st.GetReport(ctx, live.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSQLite_DeleteExpiredAcceptances_KeepsBackedRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	// Expired record still backed by a live report: must survive.
	backed := &model.AcceptanceRecord{
		ID: uuid.New().String(), ProviderID: providerID, PlanID: planID,
		Status: model.StatusAccepted, ExpiresAt: &past, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.UpsertAcceptance(ctx, backed))
	require.NoError(t, st.CreateReport(ctx, newReport(providerID, planID)))

	// Expired record whose reports are all gone: eligible.
	otherProvider, otherPlan := seedPair(t, st)
	orphan := &model.AcceptanceRecord{
		ID: uuid.New().String(), ProviderID: otherProvider, PlanID: otherPlan,
		Status: model.StatusAccepted, ExpiresAt: &past, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.UpsertAcceptance(ctx, orphan))

	deleted, err := st.DeleteExpiredAcceptances(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	still, err := st.GetAcceptance(ctx, providerID, planID, "")
	require.NoError(t, err)
	assert.NotNil(t, still)

	gone, err := st.GetAcceptance(ctx, otherProvider, otherPlan, "")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSQLite_CountExpiredAcceptances_SkipsBackedRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	backed := &model.AcceptanceRecord{
		ID: uuid.New().String(), ProviderID: providerID, PlanID: planID,
		Status: model.StatusAccepted, ExpiresAt: &past, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.UpsertAcceptance(ctx, backed))
	require.NoError(t, st.CreateReport(ctx, newReport(providerID, planID)))

	otherProvider, otherPlan := seedPair(t, st)
	orphan := &model.AcceptanceRecord{
		ID: uuid.New().String(), ProviderID: otherProvider, PlanID: otherPlan,
		Status: model.StatusAccepted, ExpiresAt: &past, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.UpsertAcceptance(ctx, orphan))

	// The backed record is not deletable, so it must not be counted: the
	// count has to match what a delete pass would remove.
	n, err := st.CountExpiredAcceptances(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deleted, err := st.DeleteExpiredAcceptances(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, n, deleted)
}

func TestSQLite_ListAcceptancesForRecalc_Paging(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, st.UpsertAcceptance(ctx, &model.AcceptanceRecord{
			ID:         fmt.Sprintf("rec-%02d", i),
			ProviderID: providerID, PlanID: planID, LocationID: fmt.Sprintf("loc-%d", i),
			Status: model.StatusPending, VerificationCount: 1,
			CreatedAt: now, UpdatedAt: now,
		}))
	}
	// Never-verified records are skipped by the recalc cursor.
	require.NoError(t, st.UpsertAcceptance(ctx, &model.AcceptanceRecord{
		ID: "rec-unverified", ProviderID: providerID, PlanID: planID, LocationID: "loc-x",
		Status: model.StatusUnknown, CreatedAt: now, UpdatedAt: now,
	}))

	page1, err := st.ListAcceptancesForRecalc(ctx, RecalcPage{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page1, 3)
	assert.Equal(t, "rec-00", page1[0].ID)

	page2, err := st.ListAcceptancesForRecalc(ctx, RecalcPage{AfterID: page1[2].ID, Limit: 3})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "rec-03", page2[0].ID)
	assert.Equal(t, "rec-04", page2[1].ID)
}

func TestSQLite_WithTx_RollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	r := newReport(providerID, planID)
	err := st.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateReport(ctx, r); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	got, err := st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_WithTx_Commits(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	providerID, planID := seedPair(t, st)

	r := newReport(providerID, planID)
	err := st.WithTx(ctx, func(tx Store) error {
		return tx.CreateReport(ctx, r)
	})
	require.NoError(t, err)

	got, err := st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}
