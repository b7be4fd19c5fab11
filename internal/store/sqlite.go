package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/coveragecheck/coveragecheck/internal/model"
)

// querier abstracts *sql.DB and *sql.Tx so one implementation serves both
// the root store and its transactional view.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB // nil inside a transaction
	q  querier
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode and foreign keys (vote rows cascade with their parent report).
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, q: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS providers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	specialty  TEXT NOT NULL DEFAULT '',
	taxonomy   TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS plans (
	id         TEXT PRIMARY KEY,
	carrier    TEXT NOT NULL,
	name       TEXT NOT NULL,
	plan_type  TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS acceptance_records (
	id                 TEXT PRIMARY KEY,
	provider_id        TEXT NOT NULL REFERENCES providers(id),
	plan_id            TEXT NOT NULL REFERENCES plans(id),
	location_id        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'pending',
	confidence_score   INTEGER NOT NULL DEFAULT 0,
	last_verified_at   DATETIME,
	verification_count INTEGER NOT NULL DEFAULT 0,
	expires_at         DATETIME,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
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
	previous_value       TEXT,
	new_value            TEXT NOT NULL,
	note                 TEXT NOT NULL DEFAULT '',
	evidence_url         TEXT NOT NULL DEFAULT '',
	submitter_identity   TEXT NOT NULL DEFAULT '',
	submitter_address    TEXT NOT NULL DEFAULT '',
	votes_up             INTEGER NOT NULL DEFAULT 0,
	votes_down           INTEGER NOT NULL DEFAULT 0,
	created_at           DATETIME NOT NULL,
	expires_at           DATETIME
);

CREATE TABLE IF NOT EXISTS votes (
	id            TEXT PRIMARY KEY,
	report_id     TEXT NOT NULL REFERENCES report_log(id) ON DELETE CASCADE,
	voter_address TEXT NOT NULL,
	direction     TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	UNIQUE(report_id, voter_address)
);

CREATE INDEX IF NOT EXISTS idx_acceptance_pair ON acceptance_records(provider_id, plan_id, location_id);
CREATE INDEX IF NOT EXISTS idx_acceptance_expires ON acceptance_records(expires_at);
CREATE INDEX IF NOT EXISTS idx_report_pair ON report_log(provider_id, plan_id, location_id);
CREATE INDEX IF NOT EXISTS idx_report_address ON report_log(provider_id, plan_id, submitter_address);
CREATE INDEX IF NOT EXISTS idx_report_expires ON report_log(expires_at);
CREATE INDEX IF NOT EXISTS idx_votes_report ON votes(report_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn against a transactional view of the store. Calling WithTx
// on a view that is already transactional just runs fn in place.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	view := &SQLiteStore{q: tx}
	if err := fn(view); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// Providers and plans

func (s *SQLiteStore) CreateProvider(ctx context.Context, p *model.Provider) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO providers (id, name, specialty, taxonomy, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Specialty, p.Taxonomy, p.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert provider")
}

func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	var p model.Provider
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, specialty, taxonomy, created_at FROM providers WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Specialty, &p.Taxonomy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get provider")
	}
	return &p, nil
}

func (s *SQLiteStore) CreatePlan(ctx context.Context, p *model.Plan) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO plans (id, carrier, name, plan_type, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Carrier, p.Name, p.PlanType, p.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert plan")
}

func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	var p model.Plan
	err := s.q.QueryRowContext(ctx,
		`SELECT id, carrier, name, plan_type, created_at FROM plans WHERE id = ?`, id,
	).Scan(&p.ID, &p.Carrier, &p.Name, &p.PlanType, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get plan")
	}
	return &p, nil
}

// Acceptance records

const acceptanceColumns = `id, provider_id, plan_id, location_id, status, confidence_score,
	last_verified_at, verification_count, expires_at, created_at, updated_at`

func (s *SQLiteStore) GetAcceptance(ctx context.Context, providerID, planID, locationID string) (*model.AcceptanceRecord, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+acceptanceColumns+` FROM acceptance_records
		 WHERE provider_id = ? AND plan_id = ? AND location_id = ?`,
		providerID, planID, locationID,
	)
	rec, err := scanAcceptance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get acceptance")
	}
	return rec, nil
}

func (s *SQLiteStore) UpsertAcceptance(ctx context.Context, rec *model.AcceptanceRecord) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO acceptance_records (`+acceptanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id, plan_id, location_id) DO UPDATE SET
		   status = excluded.status,
		   confidence_score = excluded.confidence_score,
		   last_verified_at = excluded.last_verified_at,
		   verification_count = excluded.verification_count,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		rec.ID, rec.ProviderID, rec.PlanID, rec.LocationID, string(rec.Status),
		rec.ConfidenceScore, rec.LastVerifiedAt, rec.VerificationCount,
		rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: upsert acceptance")
}

func (s *SQLiteStore) UpdateAcceptanceScore(ctx context.Context, id string, score int) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE acceptance_records SET confidence_score = ?, updated_at = ? WHERE id = ?`,
		score, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update acceptance score %s", id)
	}
	return checkRowsAffected(res, "acceptance record", id)
}

func (s *SQLiteStore) ListAcceptancesForRecalc(ctx context.Context, page RecalcPage) ([]model.AcceptanceRecord, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+acceptanceColumns+` FROM acceptance_records
		 WHERE verification_count >= 1 AND id > ?
		 ORDER BY id ASC LIMIT ?`,
		page.AfterID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list acceptances for recalc")
	}
	defer rows.Close()

	var recs []model.AcceptanceRecord
	for rows.Next() {
		rec, err := scanAcceptance(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan acceptance")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list acceptances iterate")
}

// Reports

const reportColumns = `id, provider_id, plan_id, location_id, acceptance_record_id, kind, source,
	previous_value, new_value, note, evidence_url, submitter_identity, submitter_address,
	votes_up, votes_down, created_at, expires_at`

func (s *SQLiteStore) CreateReport(ctx context.Context, r *model.ReportLogEntry) error {
	newValueJSON, err := json.Marshal(r.NewValue)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report value")
	}
	var prevJSON []byte
	if r.PreviousValue != nil {
		prevJSON, err = json.Marshal(r.PreviousValue)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal prior snapshot")
		}
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO report_log (`+reportColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProviderID, r.PlanID, r.LocationID, nullIfEmpty(r.AcceptanceRecordID),
		string(r.Kind), string(r.Source), nullIfEmptyBytes(prevJSON), string(newValueJSON),
		r.Note, r.EvidenceURL, r.SubmitterIdentity, r.SubmitterAddress,
		r.VotesUp, r.VotesDown, r.CreatedAt, r.ExpiresAt,
	)
	return eris.Wrap(err, "sqlite: insert report")
}

func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*model.ReportLogEntry, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM report_log WHERE id = ?`, id,
	)
	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get report")
	}
	return r, nil
}

func (s *SQLiteStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.ReportLogEntry, error) {
	query := `SELECT ` + reportColumns + ` FROM report_log
		 WHERE provider_id = ? AND plan_id = ? AND location_id = ?`
	args := []any{filter.ProviderID, filter.PlanID, filter.LocationID}

	if !filter.IncludeExpired {
		// Legacy rows with a null TTL are treated as not expired.
		query += ` AND (expires_at IS NULL OR expires_at > ?)`
		args = append(args, filterNow(filter))
	}
	query += ` ORDER BY created_at DESC`

	// No default cap: the consensus tally must see every live report.
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reports")
	}
	defer rows.Close()

	var reports []model.ReportLogEntry
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan report")
		}
		reports = append(reports, *r)
	}
	return reports, eris.Wrap(rows.Err(), "sqlite: list reports iterate")
}

func (s *SQLiteStore) LinkReport(ctx context.Context, reportID, acceptanceID string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE report_log SET acceptance_record_id = ? WHERE id = ?`,
		acceptanceID, reportID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: link report %s", reportID)
	}
	return checkRowsAffected(res, "report", reportID)
}

func (s *SQLiteStore) CountReportsByAddress(ctx context.Context, providerID, planID, address string, since, now time.Time) (int, error) {
	return s.countReportsBy(ctx, "submitter_address", providerID, planID, address, since, now)
}

func (s *SQLiteStore) CountReportsByIdentity(ctx context.Context, providerID, planID, identity string, since, now time.Time) (int, error) {
	return s.countReportsBy(ctx, "submitter_identity", providerID, planID, identity, since, now)
}

func (s *SQLiteStore) countReportsBy(ctx context.Context, column, providerID, planID, value string, since, now time.Time) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM report_log
		 WHERE provider_id = ? AND plan_id = ? AND `+column+` = ?
		   AND created_at >= ? AND (expires_at IS NULL OR expires_at > ?)`,
		providerID, planID, value, since, now,
	).Scan(&count)
	return count, eris.Wrapf(err, "sqlite: count reports by %s", column)
}

// Votes

func (s *SQLiteStore) GetVote(ctx context.Context, reportID, voterAddress string) (*model.VoteRecord, error) {
	var v model.VoteRecord
	var dir string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, report_id, voter_address, direction, created_at FROM votes
		 WHERE report_id = ? AND voter_address = ?`,
		reportID, voterAddress,
	).Scan(&v.ID, &v.ReportID, &v.VoterAddress, &dir, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get vote")
	}
	v.Direction = model.VoteDirection(dir)
	return &v, nil
}

func (s *SQLiteStore) CreateVote(ctx context.Context, v *model.VoteRecord) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO votes (id, report_id, voter_address, direction, created_at) VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.ReportID, v.VoterAddress, string(v.Direction), v.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert vote")
}

func (s *SQLiteStore) FlipVote(ctx context.Context, voteID string, direction model.VoteDirection) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE votes SET direction = ? WHERE id = ?`,
		string(direction), voteID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: flip vote %s", voteID)
	}
	return checkRowsAffected(res, "vote", voteID)
}

func (s *SQLiteStore) AdjustReportVotes(ctx context.Context, reportID string, upDelta, downDelta int) (*model.ReportLogEntry, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE report_log SET votes_up = votes_up + ?, votes_down = votes_down + ? WHERE id = ?`,
		upDelta, downDelta, reportID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: adjust votes %s", reportID)
	}
	if err := checkRowsAffected(res, "report", reportID); err != nil {
		return nil, err
	}
	return s.GetReport(ctx, reportID)
}

// Expiry

func (s *SQLiteStore) CountExpiredReports(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM report_log WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now,
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count expired reports")
}

// CountExpiredAcceptances applies the same backed-record predicate as the
// delete, so the count matches what a delete pass would remove.
func (s *SQLiteStore) CountExpiredAcceptances(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM acceptance_records a
		 WHERE a.expires_at IS NOT NULL AND a.expires_at <= ?
		   AND NOT EXISTS (
		     SELECT 1 FROM report_log r
		     WHERE r.provider_id = a.provider_id AND r.plan_id = a.plan_id
		       AND r.location_id = a.location_id
		       AND (r.expires_at IS NULL OR r.expires_at > ?))`,
		now, now,
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count expired acceptances")
}

func (s *SQLiteStore) DeleteExpiredReports(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM report_log WHERE id IN (
		   SELECT id FROM report_log
		   WHERE expires_at IS NOT NULL AND expires_at <= ? LIMIT ?)`,
		now, limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired reports")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) DeleteExpiredAcceptances(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	// Only drop records no non-expired report still backs.
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM acceptance_records WHERE id IN (
		   SELECT a.id FROM acceptance_records a
		   WHERE a.expires_at IS NOT NULL AND a.expires_at <= ?
		     AND NOT EXISTS (
		       SELECT 1 FROM report_log r
		       WHERE r.provider_id = a.provider_id AND r.plan_id = a.plan_id
		         AND r.location_id = a.location_id
		         AND (r.expires_at IS NULL OR r.expires_at > ?))
		   LIMIT ?)`,
		now, now, limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired acceptances")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func filterNow(filter ReportFilter) time.Time {
	if filter.Now.IsZero() {
		return time.Now().UTC()
	}
	return filter.Now
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfEmptyBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAcceptance(row scannable) (*model.AcceptanceRecord, error) {
	var rec model.AcceptanceRecord
	var status string
	err := row.Scan(&rec.ID, &rec.ProviderID, &rec.PlanID, &rec.LocationID, &status,
		&rec.ConfidenceScore, &rec.LastVerifiedAt, &rec.VerificationCount,
		&rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = model.AcceptanceStatus(status)
	return &rec, nil
}

func scanReport(row scannable) (*model.ReportLogEntry, error) {
	var r model.ReportLogEntry
	var kind, source string
	var acceptanceID, prevJSON sql.NullString
	var newValueJSON string

	err := row.Scan(&r.ID, &r.ProviderID, &r.PlanID, &r.LocationID, &acceptanceID,
		&kind, &source, &prevJSON, &newValueJSON, &r.Note, &r.EvidenceURL,
		&r.SubmitterIdentity, &r.SubmitterAddress, &r.VotesUp, &r.VotesDown,
		&r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		return nil, err
	}

	r.Kind = model.ReportKind(kind)
	r.Source = model.SourceChannel(source)
	if acceptanceID.Valid {
		r.AcceptanceRecordID = acceptanceID.String
	}
	if prevJSON.Valid {
		r.PreviousValue = &model.PriorSnapshot{}
		if err := json.Unmarshal([]byte(prevJSON.String), r.PreviousValue); err != nil {
			return nil, eris.Wrap(err, "unmarshal prior snapshot")
		}
	}
	if err := json.Unmarshal([]byte(newValueJSON), &r.NewValue); err != nil {
		return nil, eris.Wrap(err, "unmarshal report value")
	}
	return &r, nil
}
