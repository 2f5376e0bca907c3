package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/underwrite-cli/internal/db"
	"github.com/sells-group/underwrite-cli/internal/model"
	"github.com/sells-group/underwrite-cli/internal/runrecord"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	insertRunSQL = `INSERT INTO runs (` + runColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) ON CONFLICT (org_id, posture, fingerprint) DO NOTHING`
	getRunSQL    = `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	findRunSQL   = `SELECT ` + runColumns + ` FROM runs WHERE org_id = $1 AND posture = $2 AND fingerprint = $3`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := postgresPoolConfig(connString, poolCfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// postgresPoolConfig builds the pool settings. Queries are prepared and
// cached per connection by SQL text, so statements need no names and the
// runs table need not exist before the first migrate.
func postgresPoolConfig(connString string, poolCfg *PoolConfig) (*pgxpool.Config, error) {
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
	pgxCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheStatement
	return pgxCfg, nil
}

// NewPostgresWithPool wraps an existing pool. Close does not close it.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	org_id          TEXT NOT NULL,
	posture         TEXT NOT NULL,
	deal_id         TEXT NOT NULL DEFAULT '',
	input           JSONB NOT NULL,
	output          JSONB NOT NULL,
	trace           JSONB,
	policy_snapshot JSONB,
	input_hash      TEXT NOT NULL,
	output_hash     TEXT NOT NULL,
	policy_hash     TEXT,
	fingerprint     TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (org_id, posture, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_runs_deal_id ON runs(deal_id);
CREATE INDEX IF NOT EXISTS idx_runs_org_created ON runs(org_id, created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, row runrecord.RunRowInsert) (*model.Run, bool, error) {
	run := newRun(row)

	tag, err := s.pool.Exec(ctx, insertRunSQL, insertArgs(run)...)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert run for deal %s", row.DealID)
	}
	if tag.RowsAffected() > 0 {
		return run, true, nil
	}

	existing, err := s.FindRun(ctx, run.OrgID, run.Posture, run.Fingerprint())
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, eris.Errorf("postgres: run %s conflicted but was not found", run.Fingerprint())
	}
	return existing, false, nil
}

func (s *PostgresStore) SaveRuns(ctx context.Context, rows []runrecord.RunRowInsert) (int, error) {
	values := make([][]any, 0, len(rows))
	for _, row := range rows {
		values = append(values, insertArgs(newRun(row)))
	}
	n, err := db.BulkInsert(ctx, s.pool, db.InsertConfig{
		Table:        "runs",
		Columns:      runColumnList,
		ConflictKeys: []string{"org_id", "posture", "fingerprint"},
	}, values)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: save runs")
	}
	return int(n), nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanPostgresRun(s.pool.QueryRow(ctx, getRunSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return r, nil
}

func (s *PostgresStore) FindRun(ctx context.Context, orgID, posture, fingerprint string) (*model.Run, error) {
	r, err := scanPostgresRun(s.pool.QueryRow(ctx, findRunSQL, orgID, posture, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find run")
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.OrgID != "" {
		query += fmt.Sprintf(` AND org_id = $%d`, argIdx)
		args = append(args, filter.OrgID)
		argIdx++
	}
	if filter.DealID != "" {
		query += fmt.Sprintf(` AND deal_id = $%d`, argIdx)
		args = append(args, filter.DealID)
		argIdx++
	}
	if filter.Posture != "" {
		query += fmt.Sprintf(` AND posture = $%d`, argIdx)
		args = append(args, filter.Posture)
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPostgresRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var fingerprint string
	err := row.Scan(
		&r.ID, &r.OrgID, &r.Posture, &r.DealID,
		&r.Input, &r.Output, &r.Trace, &r.PolicySnapshot,
		&r.InputHash, &r.OutputHash, &r.PolicyHash, &fingerprint, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func newRun(row runrecord.RunRowInsert) *model.Run {
	return &model.Run{
		ID:             uuid.New().String(),
		OrgID:          row.OrgID,
		Posture:        row.Posture,
		DealID:         row.DealID,
		Input:          row.Input,
		Output:         row.Output,
		Trace:          row.Trace,
		PolicySnapshot: row.PolicySnapshot,
		InputHash:      row.InputHash,
		OutputHash:     row.OutputHash,
		PolicyHash:     row.PolicyHash,
		CreatedAt:      time.Now().UTC(),
	}
}

func insertArgs(r *model.Run) []any {
	return []any{
		r.ID, r.OrgID, r.Posture, r.DealID,
		string(r.Input), string(r.Output), nullableJSON(r.Trace), nullableJSON(r.PolicySnapshot),
		r.InputHash, r.OutputHash, r.PolicyHash, r.Fingerprint(), r.CreatedAt,
	}
}
