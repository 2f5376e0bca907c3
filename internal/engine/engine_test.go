package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/underwrite-cli/internal/config"
	"github.com/sells-group/underwrite-cli/internal/cost"
	"github.com/sells-group/underwrite-cli/internal/model"
	"github.com/sells-group/underwrite-cli/internal/policy"
	"github.com/sells-group/underwrite-cli/internal/runrecord"
	"github.com/sells-group/underwrite-cli/internal/store"
	"github.com/sells-group/underwrite-cli/internal/underwrite"
	"github.com/sells-group/underwrite-cli/internal/valuation"
)

const testPolicy = `
policy:
  version: "2025.10"
  default_posture: base
  postures:
    base:
      tokens:
        default_cash_close_add_days: 35
        mao_aiv_cap_pct: 0.8
    conservative:
      tokens:
        default_cash_close_add_days: 35
        mao_aiv_cap_pct: 0.7
`

func fp(v float64) *float64 { return &v }

func ip(v int) *int { return &v }

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Engine.OrgID = "org-1"
	cfg.Engine.HashAlgorithm = "djb2"
	cfg.Engine.Persist = true
	cfg.Engine.MaxConcurrentDeals = 4
	cfg.Closing.Rates = cost.DefaultRates()
	return cfg
}

func testDoc(t *testing.T) *policy.Document {
	t.Helper()
	doc, err := policy.Parse([]byte(testPolicy))
	require.NoError(t, err)
	return doc
}

func testDeal() model.Deal {
	return model.Deal{
		ID:     "deal-1",
		Market: model.Market{AIV: fp(250000), DOMZip: fp(45)},
		Costs:  model.Costs{Monthly: model.MonthlyCosts{Utilities: fp(300)}},
		Debt:   model.Debt{SeniorPrincipal: fp(100000)},
	}
}

func TestEvaluate_NoStore(t *testing.T) {
	t.Parallel()
	e, err := New(testConfig(), testDoc(t), nil)
	require.NoError(t, err)

	ev, err := e.Evaluate(context.Background(), Request{Deal: testDeal()})
	require.NoError(t, err)

	assert.Empty(t, ev.RunID)
	assert.False(t, ev.Cached)
	assert.Equal(t, 80.0, ev.Outputs.Underwrite.DTM.Days)
	assert.Equal(t, underwrite.DTMMethodDOMAdd, ev.Outputs.Underwrite.DTM.Method)
	require.NotNil(t, ev.Outputs.Underwrite.Headlines.InstantCashOffer)
	assert.Equal(t, 200000.0, *ev.Outputs.Underwrite.Headlines.InstantCashOffer)
	assert.Nil(t, ev.Outputs.Valuation)
	assert.Nil(t, ev.Outputs.DoubleClose)

	stages := make([]string, 0, len(ev.Trace))
	for _, tr := range ev.Trace {
		stages = append(stages, tr.Stage)
	}
	assert.Equal(t, []string{"dtm", "carry", "respect_floor", "buyer_ceiling", "headlines"}, stages)

	assert.Equal(t, "org-1", ev.Row.OrgID)
	assert.Equal(t, "base", ev.Row.Posture)
	assert.Equal(t, "deal-1", ev.Row.DealID)
	require.NotNil(t, ev.Row.PolicyHash)
	assert.NotEmpty(t, ev.Row.InputHash)
}

func TestEvaluate_WithoutPolicyDocument(t *testing.T) {
	t.Parallel()
	e, err := New(testConfig(), nil, nil)
	require.NoError(t, err)

	ev, err := e.Evaluate(context.Background(), Request{Deal: testDeal()})
	require.NoError(t, err)
	assert.Equal(t, "base", ev.Row.Posture)
	assert.Nil(t, ev.Row.PolicyHash)
	// default cash-close add days is 14
	assert.Equal(t, 59.0, ev.Outputs.Underwrite.DTM.Days)
}

func TestEvaluate_PostureAndSandbox(t *testing.T) {
	t.Parallel()
	e, err := New(testConfig(), testDoc(t), nil)
	require.NoError(t, err)
	ctx := context.Background()

	base, err := e.Evaluate(ctx, Request{Deal: testDeal()})
	require.NoError(t, err)
	cons, err := e.Evaluate(ctx, Request{Deal: testDeal(), Posture: "conservative"})
	require.NoError(t, err)
	sandbox, err := e.Evaluate(ctx, Request{Deal: testDeal(), Sandbox: &policy.Tokens{MAOAIVCapPct: fp(0.5)}})
	require.NoError(t, err)

	assert.Equal(t, 175000.0, *cons.Outputs.Underwrite.Headlines.InstantCashOffer)
	assert.Equal(t, 125000.0, *sandbox.Outputs.Underwrite.Headlines.InstantCashOffer)
	assert.NotEqual(t, *base.Row.PolicyHash, *cons.Row.PolicyHash)
	assert.Equal(t, *base.Row.PolicyHash, *sandbox.Row.PolicyHash)
	assert.NotEqual(t, base.Row.InputHash, sandbox.Row.InputHash)
	assert.False(t, sandbox.Cached)
}

func TestEvaluate_UnknownPosture(t *testing.T) {
	t.Parallel()
	e, err := New(testConfig(), testDoc(t), nil)
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), Request{Deal: testDeal(), Posture: "aggressive"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown posture")
}

func TestEvaluate_MemoizesAndPersistsOnce(t *testing.T) {
	t.Parallel()
	st := &mockStore{}
	st.On("SaveRun", mock.Anything, mock.AnythingOfType("runrecord.RunRowInsert")).
		Return(&model.Run{ID: "run-1"}, true, nil).Once()

	e, err := New(testConfig(), testDoc(t), st)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := e.Evaluate(ctx, Request{Deal: testDeal()})
	require.NoError(t, err)
	assert.Equal(t, "run-1", first.RunID)
	assert.True(t, first.Created)
	assert.False(t, first.Cached)

	second, err := e.Evaluate(ctx, Request{Deal: testDeal()})
	require.NoError(t, err)
	assert.Equal(t, "run-1", second.RunID)
	assert.True(t, second.Cached)
	assert.False(t, second.Created)
	assert.Equal(t, first.Row, second.Row)

	st.AssertExpectations(t)
}

func TestEvaluate_ConcurrentIdenticalRequests(t *testing.T) {
	t.Parallel()
	st := &mockStore{}
	st.On("SaveRun", mock.Anything, mock.Anything).Return(&model.Run{ID: "run-1"}, true, nil).Once()

	e, err := New(testConfig(), testDoc(t), st)
	require.NoError(t, err)

	var wg sync.WaitGroup
	hashes := make([]string, 16)
	for i := range hashes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev, err := e.Evaluate(context.Background(), Request{Deal: testDeal()})
			if err == nil {
				hashes[i] = ev.Row.OutputHash
			}
		}(i)
	}
	wg.Wait()

	for _, h := range hashes {
		assert.Equal(t, hashes[0], h)
	}
	st.AssertNumberOfCalls(t, "SaveRun", 1)
}

func TestEvaluate_StoreErrorNotMemoized(t *testing.T) {
	t.Parallel()
	st := &mockStore{}
	st.On("SaveRun", mock.Anything, mock.Anything).Return(nil, false, errors.New("db down")).Once()
	st.On("SaveRun", mock.Anything, mock.Anything).Return(&model.Run{ID: "run-2"}, true, nil).Once()

	e, err := New(testConfig(), testDoc(t), st)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Evaluate(ctx, Request{Deal: testDeal()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine: save run for deal deal-1")

	ev, err := e.Evaluate(ctx, Request{Deal: testDeal()})
	require.NoError(t, err)
	assert.Equal(t, "run-2", ev.RunID)
	assert.False(t, ev.Cached)
	st.AssertExpectations(t)
}

func TestEvaluate_PersistsToSQLite(t *testing.T) {
	t.Parallel()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	ctx := context.Background()
	first, err := New(testConfig(), testDoc(t), st)
	require.NoError(t, err)
	ev, err := first.Evaluate(ctx, Request{Deal: testDeal()})
	require.NoError(t, err)
	assert.True(t, ev.Created)

	// a fresh engine has an empty memo; the store dedupes instead
	second, err := New(testConfig(), testDoc(t), st)
	require.NoError(t, err)
	again, err := second.Evaluate(ctx, Request{Deal: testDeal()})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, ev.RunID, again.RunID)

	run, err := st.GetRun(ctx, ev.RunID)
	require.NoError(t, err)
	assert.Equal(t, ev.Row.OutputHash, run.OutputHash)
}

func TestEvaluate_ValuationAndDoubleClose(t *testing.T) {
	t.Parallel()
	e, err := New(testConfig(), testDoc(t), nil)
	require.NoError(t, err)

	ev, err := e.Evaluate(context.Background(), Request{
		Deal: testDeal(),
		Valuation: &ValuationRequest{
			CompEstimate: fp(250000),
			CompCount:    ip(5),
			AVMEstimate:  fp(240000),
		},
		DoubleClose: &cost.DoubleCloseInput{
			ABPrice: 100000, BCPrice: 120000, County: "OTHER", PropertyType: "SFR",
			HoldDays: 3, MonthlyCarry: 300,
		},
	})
	require.NoError(t, err)

	require.NotNil(t, ev.Outputs.Valuation)
	require.NotNil(t, ev.Outputs.Valuation.Ensemble.Value)
	assert.InDelta(t, 247000.0, *ev.Outputs.Valuation.Ensemble.Value, 0.001)
	assert.Equal(t, valuation.GradeC, ev.Outputs.Valuation.Confidence.Grade)

	require.NotNil(t, ev.Outputs.DoubleClose)
	assert.Equal(t, 17160.0, ev.Outputs.DoubleClose.DCNetSpread)
	assert.Equal(t, cost.AssignmentBetter, ev.Outputs.DoubleClose.Comparison)
	assert.Equal(t, "double_close", ev.Trace[len(ev.Trace)-1].Stage)
}

func TestValuate_DerivesCompEstimate(t *testing.T) {
	t.Parallel()
	comps := []model.Comp{
		{ID: "a", Price: fp(100000)},
		{ID: "b", Price: fp(300000)},
		{ID: "c", Price: fp(200000)},
	}

	got := Valuate(ValuationRequest{Comps: comps}, policy.ValuationPolicy{})

	require.NotNil(t, got.Ensemble.CompEstimate)
	assert.Equal(t, 200000.0, *got.Ensemble.CompEstimate)
	assert.Equal(t, 3, got.Ensemble.CompCount)
	assert.Equal(t, 3, got.Confidence.CompCount)
}

func TestValuate_TimeAdjustsComps(t *testing.T) {
	t.Parallel()
	comps := []model.Comp{{ID: "a", Price: fp(100000)}}
	saleDate := mustDate(t, "2024-08-15")
	comps[0].SaleDate = &saleDate

	got := Valuate(ValuationRequest{
		Comps:       comps,
		AsOfPeriod:  "2025Q1",
		MarketIndex: map[string]float64{"2024Q3": 200, "2025Q1": 220},
	}, policy.ValuationPolicy{})

	require.NotNil(t, got.Ensemble.CompEstimate)
	assert.InDelta(t, 110000.0, *got.Ensemble.CompEstimate, 0.01)
	// caller's comps are not mutated
	assert.Nil(t, comps[0].TimeAdjustedPrice)
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Engine.HashAlgorithm = "md5"
	_, err := New(cfg, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine: hash algorithm")

	doc := testDoc(t)
	bad := doc.Postures["base"]
	bad.Tokens.CarryMonthCap = fp(-1)
	doc.Postures["base"] = bad
	_, err = New(testConfig(), doc, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine: posture base")
}

func TestEvaluate_SHA256Hashes(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Engine.HashAlgorithm = string(runrecord.AlgorithmSHA256)
	e, err := New(cfg, nil, nil)
	require.NoError(t, err)

	ev, err := e.Evaluate(context.Background(), Request{Deal: testDeal()})
	require.NoError(t, err)
	assert.Len(t, ev.Row.InputHash, 64)
	assert.Len(t, ev.Row.OutputHash, 64)
}

func testDoubleClose() *cost.DoubleCloseInput {
	return &cost.DoubleCloseInput{
		ABPrice: 100000, BCPrice: 120000, County: "OTHER", PropertyType: "SFR",
		HoldDays: 3, MonthlyCarry: 300,
	}
}

func TestEvaluate_ClosingRatesChangeFingerprint(t *testing.T) {
	t.Parallel()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	standard, err := New(testConfig(), testDoc(t), st)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Closing.Rates.DeedStamps.Default = 0.02
	steep, err := New(cfg, testDoc(t), st)
	require.NoError(t, err)

	req := Request{Deal: testDeal(), DoubleClose: testDoubleClose()}
	first, err := standard.Evaluate(ctx, req)
	require.NoError(t, err)
	second, err := steep.Evaluate(ctx, req)
	require.NoError(t, err)

	assert.NotEqual(t, first.Outputs.DoubleClose.DCTotalCosts, second.Outputs.DoubleClose.DCTotalCosts)
	assert.NotEqual(t, first.Row.InputHash, second.Row.InputHash)
	assert.True(t, first.Created)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.RunID, second.RunID)

	stored, err := st.GetRun(ctx, second.RunID)
	require.NoError(t, err)
	assert.Equal(t, second.Row.OutputHash, stored.OutputHash)

	// rates only enter the hash when a double close is priced
	plainA, err := standard.Evaluate(ctx, Request{Deal: testDeal()})
	require.NoError(t, err)
	plainB, err := steep.Evaluate(ctx, Request{Deal: testDeal()})
	require.NoError(t, err)
	assert.Equal(t, plainA.Row.InputHash, plainB.Row.InputHash)
}

func TestEvaluate_MemoIsBounded(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Engine.MemoSize = 2
	e, err := New(cfg, testDoc(t), nil)
	require.NoError(t, err)
	ctx := context.Background()

	deal := func(id string) Request {
		d := testDeal()
		d.ID = id
		return Request{Deal: d}
	}
	for _, id := range []string{"deal-1", "deal-2", "deal-3", "deal-4", "deal-5"} {
		_, err := e.Evaluate(ctx, deal(id))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, e.memo.Len())

	recent, err := e.Evaluate(ctx, deal("deal-5"))
	require.NoError(t, err)
	assert.True(t, recent.Cached)

	evicted, err := e.Evaluate(ctx, deal("deal-1"))
	require.NoError(t, err)
	assert.False(t, evicted.Cached)
	assert.Equal(t, 2, e.memo.Len())
}

func TestEvaluate_MemoSizeDefaultsAndDisables(t *testing.T) {
	t.Parallel()
	e, err := New(testConfig(), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, e.memo)
	for i := range DefaultMemoSize + 10 {
		d := testDeal()
		d.ID = fmt.Sprintf("deal-%d", i)
		_, err := e.Evaluate(context.Background(), Request{Deal: d})
		require.NoError(t, err)
	}
	assert.Equal(t, DefaultMemoSize, e.memo.Len())

	cfg := testConfig()
	cfg.Engine.MemoSize = -1
	off, err := New(cfg, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, off.memo)

	_, err = off.Evaluate(context.Background(), Request{Deal: testDeal()})
	require.NoError(t, err)
	again, err := off.Evaluate(context.Background(), Request{Deal: testDeal()})
	require.NoError(t, err)
	assert.False(t, again.Cached)
}

func TestEvaluate_EmptySandboxHashesAsAbsent(t *testing.T) {
	t.Parallel()
	e, err := New(testConfig(), testDoc(t), nil)
	require.NoError(t, err)
	ctx := context.Background()

	without, err := e.Evaluate(ctx, Request{Deal: testDeal()})
	require.NoError(t, err)
	empty, err := e.Evaluate(ctx, Request{Deal: testDeal(), Sandbox: &policy.Tokens{}})
	require.NoError(t, err)

	assert.Equal(t, without.Row.InputHash, empty.Row.InputHash)
	assert.True(t, empty.Cached)
	assert.Contains(t, string(empty.Row.Input), `"sandbox":null`)
}
