package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/coveragecheck/coveragecheck/internal/model"
)

// Querier abstracts pgxpool.Pool, pgx.Tx, and pgxmock pools so one
// implementation serves the root store, its transactional view, and tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner starts transactions. Pools implement it; pgx.Tx does not, so
// the capability lives on the root store only and transactional views
// cannot nest a second transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool. begin is nil on the
// transactional view handed to WithTx callbacks.
type PostgresStore struct {
	q       Querier
	begin   TxBeginner
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the submit/vote hot-path queries to prepare on
// each new connection.
var preparedStatements = map[string]string{
	"get_acceptance": `SELECT id, provider_id, plan_id, location_id, status, confidence_score, last_verified_at, verification_count, expires_at, created_at, updated_at FROM acceptance_records WHERE provider_id = $1 AND plan_id = $2 AND location_id = $3`,
	"get_report":     `SELECT id, provider_id, plan_id, location_id, acceptance_record_id, kind, source, previous_value, new_value, note, evidence_url, submitter_identity, submitter_address, votes_up, votes_down, created_at, expires_at FROM report_log WHERE id = $1`,
	"get_vote":       `SELECT id, report_id, voter_address, direction, created_at FROM votes WHERE report_id = $1 AND voter_address = $2`,
	"adjust_votes":   `UPDATE report_log SET votes_up = votes_up + $1, votes_down = votes_down + $2 WHERE id = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{q: pool, begin: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromQuerier wraps an existing querier (pgxmock in tests).
func NewPostgresFromQuerier(q Querier) *PostgresStore {
	st := &PostgresStore{q: q}
	if b, ok := q.(TxBeginner); ok {
		st.begin = b
	}
	return st
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS providers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	specialty  TEXT NOT NULL DEFAULT '',
	taxonomy   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS plans (
	id         TEXT PRIMARY KEY,
	carrier    TEXT NOT NULL,
	name       TEXT NOT NULL,
	plan_type  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS acceptance_records (
	id                 TEXT PRIMARY KEY,
	provider_id        TEXT NOT NULL REFERENCES providers(id),
	plan_id            TEXT NOT NULL REFERENCES plans(id),
	location_id        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'pending',
	confidence_score   INTEGER NOT NULL DEFAULT 0,
	last_verified_at   TIMESTAMPTZ,
	verification_count INTEGER NOT NULL DEFAULT 0,
	expires_at         TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(provider_id, plan_id, location_id)
);

CREATE TABLE IF NOT EXISTS report_log (
	id                   TEXT PRIMARY KEY,
	provider_id          TEXT NOT NULL,
	plan_id              TEXT NOT NULL,
	location_id          TEXT NOT NULL DEFAULT '',
	acceptance_record_id TEXT,
	kind                 TEXT NOT NULL,
	source               TEXT NOT NULL,
	previous_value       JSONB,
	new_value            JSONB NOT NULL,
	note                 TEXT NOT NULL DEFAULT '',
	evidence_url         TEXT NOT NULL DEFAULT '',
	submitter_identity   TEXT NOT NULL DEFAULT '',
	submitter_address    TEXT NOT NULL DEFAULT '',
	votes_up             INTEGER NOT NULL DEFAULT 0,
	votes_down           INTEGER NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at           TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS votes (
	id            TEXT PRIMARY KEY,
	report_id     TEXT NOT NULL REFERENCES report_log(id) ON DELETE CASCADE,
	voter_address TEXT NOT NULL,
	direction     TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(report_id, voter_address)
);

CREATE INDEX IF NOT EXISTS idx_acceptance_pair ON acceptance_records(provider_id, plan_id, location_id);
CREATE INDEX IF NOT EXISTS idx_acceptance_expires ON acceptance_records(expires_at);
CREATE INDEX IF NOT EXISTS idx_acceptance_recalc ON acceptance_records(id) WHERE verification_count >= 1;
CREATE INDEX IF NOT EXISTS idx_report_pair ON report_log(provider_id, plan_id, location_id);
CREATE INDEX IF NOT EXISTS idx_report_address ON report_log(provider_id, plan_id, submitter_address);
CREATE INDEX IF NOT EXISTS idx_report_expires ON report_log(expires_at);
CREATE INDEX IF NOT EXISTS idx_votes_report ON votes(report_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.q.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// WithTx runs fn inside a serializable transaction so two concurrent
// submissions for the same pair cannot both read a stale tally and both
// decide to flip status.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.begin == nil {
		return fn(s)
	}
	tx, err := s.begin.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	view := &PostgresStore{q: tx}
	if err := fn(view); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

// Providers and plans

func (s *PostgresStore) CreateProvider(ctx context.Context, p *model.Provider) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO providers (id, name, specialty, taxonomy, created_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Name, p.Specialty, p.Taxonomy, p.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert provider")
}

func (s *PostgresStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	var p model.Provider
	err := s.q.QueryRow(ctx,
		`SELECT id, name, specialty, taxonomy, created_at FROM providers WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Specialty, &p.Taxonomy, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get provider")
	}
	return &p, nil
}

func (s *PostgresStore) CreatePlan(ctx context.Context, p *model.Plan) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO plans (id, carrier, name, plan_type, created_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Carrier, p.Name, p.PlanType, p.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert plan")
}

func (s *PostgresStore) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	var p model.Plan
	err := s.q.QueryRow(ctx,
		`SELECT id, carrier, name, plan_type, created_at FROM plans WHERE id = $1`, id,
	).Scan(&p.ID, &p.Carrier, &p.Name, &p.PlanType, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get plan")
	}
	return &p, nil
}

// Acceptance records

func (s *PostgresStore) GetAcceptance(ctx context.Context, providerID, planID, locationID string) (*model.AcceptanceRecord, error) {
	row := s.q.QueryRow(ctx,
		`SELECT id, provider_id, plan_id, location_id, status, confidence_score,
		        last_verified_at, verification_count, expires_at, created_at, updated_at
		 FROM acceptance_records
		 WHERE provider_id = $1 AND plan_id = $2 AND location_id = $3`,
		providerID, planID, locationID,
	)
	rec, err := scanAcceptance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get acceptance")
	}
	return rec, nil
}

func (s *PostgresStore) UpsertAcceptance(ctx context.Context, rec *model.AcceptanceRecord) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO acceptance_records
		   (id, provider_id, plan_id, location_id, status, confidence_score,
		    last_verified_at, verification_count, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (provider_id, plan_id, location_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   confidence_score = EXCLUDED.confidence_score,
		   last_verified_at = EXCLUDED.last_verified_at,
		   verification_count = EXCLUDED.verification_count,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.ProviderID, rec.PlanID, rec.LocationID, string(rec.Status),
		rec.ConfidenceScore, rec.LastVerifiedAt, rec.VerificationCount,
		rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: upsert acceptance")
}

func (s *PostgresStore) UpdateAcceptanceScore(ctx context.Context, id string, score int) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE acceptance_records SET confidence_score = $1, updated_at = $2 WHERE id = $3`,
		score, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update acceptance score %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("acceptance record not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ListAcceptancesForRecalc(ctx context.Context, page RecalcPage) ([]model.AcceptanceRecord, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.Query(ctx,
		`SELECT id, provider_id, plan_id, location_id, status, confidence_score,
		        last_verified_at, verification_count, expires_at, created_at, updated_at
		 FROM acceptance_records
		 WHERE verification_count >= 1 AND id > $1
		 ORDER BY id ASC LIMIT $2`,
		page.AfterID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list acceptances for recalc")
	}
	defer rows.Close()

	var recs []model.AcceptanceRecord
	for rows.Next() {
		rec, err := scanAcceptance(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan acceptance")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list acceptances iterate")
}

// Reports

func (s *PostgresStore) CreateReport(ctx context.Context, r *model.ReportLogEntry) error {
	newValueJSON, err := json.Marshal(r.NewValue)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report value")
	}
	var prevJSON []byte
	if r.PreviousValue != nil {
		prevJSON, err = json.Marshal(r.PreviousValue)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal prior snapshot")
		}
	}

	_, err = s.q.Exec(ctx,
		`INSERT INTO report_log
		   (id, provider_id, plan_id, location_id, acceptance_record_id, kind, source,
		    previous_value, new_value, note, evidence_url, submitter_identity,
		    submitter_address, votes_up, votes_down, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.ProviderID, r.PlanID, r.LocationID, nullIfEmpty(r.AcceptanceRecordID),
		string(r.Kind), string(r.Source), prevJSON, newValueJSON,
		r.Note, r.EvidenceURL, r.SubmitterIdentity, r.SubmitterAddress,
		r.VotesUp, r.VotesDown, r.CreatedAt, r.ExpiresAt,
	)
	return eris.Wrap(err, "postgres: insert report")
}

func (s *PostgresStore) GetReport(ctx context.Context, id string) (*model.ReportLogEntry, error) {
	row := s.q.QueryRow(ctx,
		`SELECT id, provider_id, plan_id, location_id, acceptance_record_id, kind, source,
		        previous_value, new_value, note, evidence_url, submitter_identity,
		        submitter_address, votes_up, votes_down, created_at, expires_at
		 FROM report_log WHERE id = $1`, id,
	)
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get report")
	}
	return r, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.ReportLogEntry, error) {
	query := `SELECT id, provider_id, plan_id, location_id, acceptance_record_id, kind, source,
	               previous_value, new_value, note, evidence_url, submitter_identity,
	               submitter_address, votes_up, votes_down, created_at, expires_at
	          FROM report_log
	          WHERE provider_id = $1 AND plan_id = $2 AND location_id = $3`
	args := []any{filter.ProviderID, filter.PlanID, filter.LocationID}
	argIdx := 4

	if !filter.IncludeExpired {
		query += fmt.Sprintf(` AND (expires_at IS NULL OR expires_at > $%d)`, argIdx)
		args = append(args, filterNow(filter))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	// No default cap: the consensus tally must see every live report.
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reports")
	}
	defer rows.Close()

	var reports []model.ReportLogEntry
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan report")
		}
		reports = append(reports, *r)
	}
	return reports, eris.Wrap(rows.Err(), "postgres: list reports iterate")
}

func (s *PostgresStore) LinkReport(ctx context.Context, reportID, acceptanceID string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE report_log SET acceptance_record_id = $1 WHERE id = $2`,
		acceptanceID, reportID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: link report %s", reportID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("report not found: %s", reportID)
	}
	return nil
}

func (s *PostgresStore) CountReportsByAddress(ctx context.Context, providerID, planID, address string, since, now time.Time) (int, error) {
	return s.countReportsBy(ctx, "submitter_address", providerID, planID, address, since, now)
}

func (s *PostgresStore) CountReportsByIdentity(ctx context.Context, providerID, planID, identity string, since, now time.Time) (int, error) {
	return s.countReportsBy(ctx, "submitter_identity", providerID, planID, identity, since, now)
}

func (s *PostgresStore) countReportsBy(ctx context.Context, column, providerID, planID, value string, since, now time.Time) (int, error) {
	var count int
	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM report_log
		 WHERE provider_id = $1 AND plan_id = $2 AND `+column+` = $3
		   AND created_at >= $4 AND (expires_at IS NULL OR expires_at > $5)`,
		providerID, planID, value, since, now,
	).Scan(&count)
	return count, eris.Wrapf(err, "postgres: count reports by %s", column)
}

// Votes

func (s *PostgresStore) GetVote(ctx context.Context, reportID, voterAddress string) (*model.VoteRecord, error) {
	var v model.VoteRecord
	var dir string
	err := s.q.QueryRow(ctx,
		`SELECT id, report_id, voter_address, direction, created_at FROM votes
		 WHERE report_id = $1 AND voter_address = $2`,
		reportID, voterAddress,
	).Scan(&v.ID, &v.ReportID, &v.VoterAddress, &dir, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get vote")
	}
	v.Direction = model.VoteDirection(dir)
	return &v, nil
}

func (s *PostgresStore) CreateVote(ctx context.Context, v *model.VoteRecord) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO votes (id, report_id, voter_address, direction, created_at) VALUES ($1, $2, $3, $4, $5)`,
		v.ID, v.ReportID, v.VoterAddress, string(v.Direction), v.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert vote")
}

func (s *PostgresStore) FlipVote(ctx context.Context, voteID string, direction model.VoteDirection) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE votes SET direction = $1 WHERE id = $2`,
		string(direction), voteID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: flip vote %s", voteID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("vote not found: %s", voteID)
	}
	return nil
}

func (s *PostgresStore) AdjustReportVotes(ctx context.Context, reportID string, upDelta, downDelta int) (*model.ReportLogEntry, error) {
	tag, err := s.q.Exec(ctx,
		`UPDATE report_log SET votes_up = votes_up + $1, votes_down = votes_down + $2 WHERE id = $3`,
		upDelta, downDelta, reportID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: adjust votes %s", reportID)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Errorf("report not found: %s", reportID)
	}
	return s.GetReport(ctx, reportID)
}

// Expiry

func (s *PostgresStore) CountExpiredReports(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM report_log WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		now,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count expired reports")
}

// CountExpiredAcceptances applies the same backed-record predicate as the
// delete, so the count matches what a delete pass would remove.
func (s *PostgresStore) CountExpiredAcceptances(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM acceptance_records a
		 WHERE a.expires_at IS NOT NULL AND a.expires_at <= $1
		   AND NOT EXISTS (
		     SELECT 1 FROM report_log r
		     WHERE r.provider_id = a.provider_id AND r.plan_id = a.plan_id
		       AND r.location_id = a.location_id
		       AND (r.expires_at IS NULL OR r.expires_at > $2))`,
		now, now,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count expired acceptances")
}

func (s *PostgresStore) DeleteExpiredReports(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	tag, err := s.q.Exec(ctx,
		`DELETE FROM report_log WHERE id IN (
		   SELECT id FROM report_log
		   WHERE expires_at IS NOT NULL AND expires_at <= $1 LIMIT $2)`,
		now, limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired reports")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteExpiredAcceptances(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	tag, err := s.q.Exec(ctx,
		`DELETE FROM acceptance_records WHERE id IN (
		   SELECT a.id FROM acceptance_records a
		   WHERE a.expires_at IS NOT NULL AND a.expires_at <= $1
		     AND NOT EXISTS (
		       SELECT 1 FROM report_log r
		       WHERE r.provider_id = a.provider_id AND r.plan_id = a.plan_id
		         AND r.location_id = a.location_id
		         AND (r.expires_at IS NULL OR r.expires_at > $2))
		   LIMIT $3)`,
		now, now, limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired acceptances")
	}
	return int(tag.RowsAffected()), nil
}
