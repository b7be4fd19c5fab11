package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coveragecheck/coveragecheck/internal/model"
)

func TestPostgres_CreateProvider(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st := NewPostgresFromQuerier(mock)

	mock.ExpectExec(`INSERT INTO providers`).
		WithArgs("prov-1", "Dr. Roe", "Psychiatry", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = st.CreateProvider(context.Background(), &model.Provider{
		ID: "prov-1", Name: "Dr. Roe", Specialty: "Psychiatry",
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetAcceptance(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st := NewPostgresFromQuerier(mock)

	now := time.Now().UTC()
	verified := now.Add(-24 * time.Hour)
	mock.ExpectQuery(`SELECT (.+) FROM acceptance_records`).
		WithArgs("prov-1", "plan-1", "").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "provider_id", "plan_id", "location_id", "status", "confidence_score",
			"last_verified_at", "verification_count", "expires_at", "created_at", "updated_at",
		}).AddRow("acc-1", "prov-1", "plan-1", "", "accepted", 74, &verified, 3, nil, now, now))

	rec, err := st.GetAcceptance(context.Background(), "prov-1", "plan-1", "")

	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.StatusAccepted, rec.Status)
	assert.Equal(t, 74, rec.ConfidenceScore)
	assert.Equal(t, 3, rec.VerificationCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetAcceptance_NoRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st := NewPostgresFromQuerier(mock)

	mock.ExpectQuery(`SELECT (.+) FROM acceptance_records`).
		WithArgs("prov-1", "plan-1", "").
		WillReturnError(pgx.ErrNoRows)

	rec, err := st.GetAcceptance(context.Background(), "prov-1", "plan-1", "")

	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateAcceptanceScore_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st := NewPostgresFromQuerier(mock)

	mock.ExpectExec(`UPDATE acceptance_records SET confidence_score`).
		WithArgs(62, pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = st.UpdateAcceptanceScore(context.Background(), "missing", 62)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AdjustReportVotes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st := NewPostgresFromQuerier(mock)

	now := time.Now().UTC()
	mock.ExpectExec(`UPDATE report_log SET votes_up = votes_up \+ \$1`).
		WithArgs(-1, 1, "rep-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT (.+) FROM report_log WHERE id = \$1`).
		WithArgs("rep-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "provider_id", "plan_id", "location_id", "acceptance_record_id", "kind", "source",
			"previous_value", "new_value", "note", "evidence_url", "submitter_identity",
			"submitter_address", "votes_up", "votes_down", "created_at", "expires_at",
		}).AddRow("rep-1", "prov-1", "plan-1", "", nil, "plan_acceptance", "crowdsource",
			nil, `{"status":"accepted"}`, "", "", "", "10.0.0.1", 0, 1, now, nil))

	updated, err := st.AdjustReportVotes(context.Background(), "rep-1", -1, 1)

	require.NoError(t, err)
	assert.Equal(t, 0, updated.VotesUp)
	assert.Equal(t, 1, updated.VotesDown)
	assert.Equal(t, model.StatusAccepted, updated.NewValue.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteExpiredReports(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st := NewPostgresFromQuerier(mock)

	now := time.Now().UTC()
	mock.ExpectExec(`DELETE FROM report_log WHERE id IN`).
		WithArgs(now, 50).
		WillReturnResult(pgxmock.NewResult("DELETE", 50))

	n, err := st.DeleteExpiredReports(context.Background(), now, 50)

	require.NoError(t, err)
	assert.Equal(t, 50, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTx_CommitsSerializable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st := NewPostgresFromQuerier(mock)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectExec(`INSERT INTO votes`).
		WithArgs("vote-1", "rep-1", "10.0.0.2", "up", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err = st.WithTx(context.Background(), func(tx Store) error {
		return tx.CreateVote(context.Background(), &model.VoteRecord{
			ID: "vote-1", ReportID: "rep-1", VoterAddress: "10.0.0.2",
			Direction: model.VoteUp, CreatedAt: time.Now().UTC(),
		})
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTx_NestedRunsInPlace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st := NewPostgresFromQuerier(mock)

	// Only one transaction starts: the view handed to the callback cannot
	// begin a second one, so a nested WithTx runs against the same tx.
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectExec(`INSERT INTO votes`).
		WithArgs("vote-1", "rep-1", "10.0.0.2", "up", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err = st.WithTx(context.Background(), func(tx Store) error {
		return tx.WithTx(context.Background(), func(inner Store) error {
			return inner.CreateVote(context.Background(), &model.VoteRecord{
				ID: "vote-1", ReportID: "rep-1", VoterAddress: "10.0.0.2",
				Direction: model.VoteUp, CreatedAt: time.Now().UTC(),
			})
		})
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTx_RollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st := NewPostgresFromQuerier(mock)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectExec(`INSERT INTO votes`).
		WithArgs("vote-1", "rep-1", "10.0.0.2", "up", pgxmock.AnyArg()).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = st.WithTx(context.Background(), func(tx Store) error {
		return tx.CreateVote(context.Background(), &model.VoteRecord{
			ID: "vote-1", ReportID: "rep-1", VoterAddress: "10.0.0.2",
			Direction: model.VoteUp, CreatedAt: time.Now().UTC(),
		})
	})

	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
