// Package store persists run records. Postgres and SQLite implementations
// share one contract: a run is unique per (org_id, posture, fingerprint),
// where the fingerprint is input_hash joined with policy_hash, and saving a
// duplicate returns the existing row.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/underwrite-cli/internal/model"
	"github.com/sells-group/underwrite-cli/internal/runrecord"
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = eris.New("store: run not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	OrgID   string `json:"org_id,omitempty"`
	DealID  string `json:"deal_id,omitempty"`
	Posture string `json:"posture,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// Store defines the persistence interface for run records.
type Store interface {
	// SaveRun inserts row unless a run with the same org, posture, and
	// fingerprint exists. created reports whether a new row was written.
	SaveRun(ctx context.Context, row runrecord.RunRowInsert) (run *model.Run, created bool, err error)
	// SaveRuns bulk-inserts rows, skipping duplicates, and returns how
	// many were new.
	SaveRuns(ctx context.Context, rows []runrecord.RunRowInsert) (int, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	// FindRun returns nil, nil when no run matches.
	FindRun(ctx context.Context, orgID, posture, fingerprint string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(f RunFilter) int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// runColumns is the column order shared by inserts and selects.
const runColumns = `id, org_id, posture, deal_id, input, output, trace, policy_snapshot, input_hash, output_hash, policy_hash, fingerprint, created_at`

var runColumnList = []string{
	"id", "org_id", "posture", "deal_id", "input", "output", "trace", "policy_snapshot",
	"input_hash", "output_hash", "policy_hash", "fingerprint", "created_at",
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
