package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/underwrite-cli/internal/model"
	"github.com/sells-group/underwrite-cli/internal/resilience"
	"github.com/sells-group/underwrite-cli/internal/runrecord"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

// flakyStore fails the first failures SaveRun/ListRuns calls with err.
type flakyStore struct {
	Store
	failures int
	err      error
	calls    int
}

func (f *flakyStore) SaveRun(ctx context.Context, row runrecord.RunRowInsert) (*model.Run, bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, false, f.err
	}
	return f.Store.SaveRun(ctx, row)
}

func (f *flakyStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.Store.ListRuns(ctx, filter)
}

func TestRetryStore_Suite(t *testing.T) {
	t.Parallel()
	storeTestSuite(t, func(t *testing.T) Store {
		return WithRetry(newTestSQLite(t), fastRetry())
	})
}

func TestRetryStore_RetriesTransient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	flaky := &flakyStore{
		Store:    newTestSQLite(t),
		failures: 2,
		err:      resilience.NewTransientError(errors.New("database is locked")),
	}
	st := WithRetry(flaky, fastRetry())

	run, created, err := st.SaveRun(ctx, testRow(t, "org-1", "base", "deal-1", 100000))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryStore_GivesUp(t *testing.T) {
	t.Parallel()
	flaky := &flakyStore{
		Store:    newTestSQLite(t),
		failures: 10,
		err:      resilience.NewTransientError(errors.New("database is locked")),
	}
	st := WithRetry(flaky, fastRetry())

	_, err := st.ListRuns(context.Background(), RunFilter{})
	require.Error(t, err)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryStore_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()
	flaky := &flakyStore{
		Store:    newTestSQLite(t),
		failures: 1,
		err:      errors.New("constraint failed"),
	}
	st := WithRetry(flaky, fastRetry())

	_, _, err := st.SaveRun(context.Background(), testRow(t, "org-1", "base", "deal-1", 1))
	require.Error(t, err)
	assert.Equal(t, 1, flaky.calls)
}
