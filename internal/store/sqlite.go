package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/underwrite-cli/internal/model"
	"github.com/sells-group/underwrite-cli/internal/runrecord"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	org_id          TEXT NOT NULL,
	posture         TEXT NOT NULL,
	deal_id         TEXT NOT NULL DEFAULT '',
	input           TEXT NOT NULL,
	output          TEXT NOT NULL,
	trace           TEXT,
	policy_snapshot TEXT,
	input_hash      TEXT NOT NULL,
	output_hash     TEXT NOT NULL,
	policy_hash     TEXT,
	fingerprint     TEXT NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (org_id, posture, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_runs_deal_id ON runs(deal_id);
CREATE INDEX IF NOT EXISTS idx_runs_org_created ON runs(org_id, created_at);
`

const sqliteInsertRun = `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (org_id, posture, fingerprint) DO NOTHING`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveRun(ctx context.Context, row runrecord.RunRowInsert) (*model.Run, bool, error) {
	run := newRun(row)

	res, err := s.db.ExecContext(ctx, sqliteInsertRun, insertArgs(run)...)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert run for deal %s", row.DealID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return run, true, nil
	}

	existing, err := s.FindRun(ctx, run.OrgID, run.Posture, run.Fingerprint())
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, eris.Errorf("sqlite: run %s conflicted but was not found", run.Fingerprint())
	}
	return existing, false, nil
}

func (s *SQLiteStore) SaveRuns(ctx context.Context, rows []runrecord.RunRowInsert) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteInsertRun)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert run")
	}
	defer stmt.Close() //nolint:errcheck

	created := 0
	for _, row := range rows {
		res, err := stmt.ExecContext(ctx, insertArgs(newRun(row))...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert run for deal %s", row.DealID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit tx")
	}
	return created, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) FindRun(ctx context.Context, orgID, posture, fingerprint string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE org_id = ? AND posture = ? AND fingerprint = ?`,
		orgID, posture, fingerprint,
	)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find run")
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, filter.OrgID)
	}
	if filter.DealID != "" {
		query += ` AND deal_id = ?`
		args = append(args, filter.DealID)
	}
	if filter.Posture != "" {
		query += ` AND posture = ?`
		args = append(args, filter.Posture)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var input, output string
	var trace, snapshot, policyHash sql.NullString
	var fingerprint string
	var createdAt time.Time

	err := row.Scan(
		&r.ID, &r.OrgID, &r.Posture, &r.DealID,
		&input, &output, &trace, &snapshot,
		&r.InputHash, &r.OutputHash, &policyHash, &fingerprint, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	r.Input = []byte(input)
	r.Output = []byte(output)
	if trace.Valid {
		r.Trace = []byte(trace.String)
	}
	if snapshot.Valid {
		r.PolicySnapshot = []byte(snapshot.String)
	}
	if policyHash.Valid {
		h := policyHash.String
		r.PolicyHash = &h
	}
	r.CreatedAt = createdAt.UTC()
	return &r, nil
}
