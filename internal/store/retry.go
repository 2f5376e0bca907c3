package store

import (
	"context"

	"github.com/sells-group/underwrite-cli/internal/model"
	"github.com/sells-group/underwrite-cli/internal/resilience"
	"github.com/sells-group/underwrite-cli/internal/runrecord"
)

// RetryStore retries transient failures of the wrapped store. Inserts are
// safe to repeat because conflicting fingerprints are skipped.
type RetryStore struct {
	Store
	cfg resilience.RetryConfig
}

// WithRetry wraps st so every operation except Close and Migrate is
// retried per cfg.
func WithRetry(st Store, cfg resilience.RetryConfig) *RetryStore {
	return &RetryStore{Store: st, cfg: cfg}
}

func (r *RetryStore) config(op string) resilience.RetryConfig {
	cfg := r.cfg
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(op)
	}
	return cfg
}

type saveResult struct {
	run     *model.Run
	created bool
}

func (r *RetryStore) SaveRun(ctx context.Context, row runrecord.RunRowInsert) (*model.Run, bool, error) {
	res, err := resilience.DoVal(ctx, r.config("save_run"), func(ctx context.Context) (saveResult, error) {
		run, created, err := r.Store.SaveRun(ctx, row)
		return saveResult{run: run, created: created}, err
	})
	return res.run, res.created, err
}

func (r *RetryStore) SaveRuns(ctx context.Context, rows []runrecord.RunRowInsert) (int, error) {
	return resilience.DoVal(ctx, r.config("save_runs"), func(ctx context.Context) (int, error) {
		return r.Store.SaveRuns(ctx, rows)
	})
}

func (r *RetryStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return resilience.DoVal(ctx, r.config("get_run"), func(ctx context.Context) (*model.Run, error) {
		return r.Store.GetRun(ctx, id)
	})
}

func (r *RetryStore) FindRun(ctx context.Context, orgID, posture, fingerprint string) (*model.Run, error) {
	return resilience.DoVal(ctx, r.config("find_run"), func(ctx context.Context) (*model.Run, error) {
		return r.Store.FindRun(ctx, orgID, posture, fingerprint)
	})
}

func (r *RetryStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	return resilience.DoVal(ctx, r.config("list_runs"), func(ctx context.Context) ([]model.Run, error) {
		return r.Store.ListRuns(ctx, filter)
	})
}

func (r *RetryStore) Ping(ctx context.Context) error {
	return resilience.Do(ctx, r.config("ping"), r.Store.Ping)
}
