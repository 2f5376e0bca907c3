package underwrite

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/underwrite-cli/internal/model"
	"github.com/sells-group/underwrite-cli/internal/policy"
)

func fp(x float64) *float64 { return &x }
func bp(b bool) *bool       { return &b }

func TestComputeDTM(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		domZip     *float64
		manual     *float64
		addDays    float64
		wantDays   float64
		wantMethod string
	}{
		{"dom plus add days", fp(45), nil, 35, 80, DTMMethodDOMAdd},
		{"manual shorter wins", fp(45), fp(30), 35, 30, DTMMethodManual},
		{"manual tie wins", fp(45), fp(80), 35, 80, DTMMethodManual},
		{"manual longer loses", fp(45), fp(90), 35, 80, DTMMethodDOMAdd},
		{"zero manual is invalid", fp(45), fp(0), 35, 80, DTMMethodDOMAdd},
		{"negative manual is invalid", fp(45), fp(-3), 35, 80, DTMMethodDOMAdd},
		{"dom rounds", fp(44.6), nil, 0, 45, DTMMethodDOMAdd},
		{"manual only", nil, fp(21), 35, 21, DTMMethodManual},
		{"nothing known", nil, nil, 35, 0, DTMMethodUnknown},
		{"nan dom", fp(math.NaN()), nil, 35, 0, DTMMethodUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			deal := model.Deal{
				Market:   model.Market{DOMZip: tt.domZip},
				Timeline: model.Timeline{DaysToSaleManual: tt.manual},
			}
			got := ComputeDTM(deal, policy.Resolved{DefaultCashCloseAddDays: tt.addDays})
			assert.Equal(t, tt.wantDays, got.Days)
			assert.Equal(t, tt.wantMethod, got.Method)
		})
	}
}

func TestComputeCarry(t *testing.T) {
	t.Parallel()

	deal := model.Deal{Costs: model.Costs{Monthly: model.MonthlyCosts{
		Taxes:     fp(3600),
		Insurance: fp(2400),
		HOA:       fp(100),
		Utilities: fp(150),
	}}}

	t.Run("annual taxes and insurance", func(t *testing.T) {
		t.Parallel()
		pol := policy.Resolved{TaxesAnnual: true, InsuranceAnnual: true, CarryMonthCap: 5}
		got := ComputeCarry(deal, DTMResult{Days: 60}, pol)
		// 300 + 200 + 100 + 150
		assert.Equal(t, 750.0, got.AmountMonthly)
		assert.Equal(t, 2.0, got.MonthsRaw)
		assert.Equal(t, 2.0, got.CappedMonths)
		assert.Equal(t, 1500.0, got.Total)
	})

	t.Run("month cap applies", func(t *testing.T) {
		t.Parallel()
		pol := policy.Resolved{TaxesAnnual: true, InsuranceAnnual: true, CarryMonthCap: 3}
		got := ComputeCarry(deal, DTMResult{Days: 240}, pol)
		assert.Equal(t, 8.0, got.MonthsRaw)
		assert.Equal(t, 3.0, got.CappedMonths)
		assert.Equal(t, 2250.0, got.Total)
	})

	t.Run("monthly amounts as given", func(t *testing.T) {
		t.Parallel()
		pol := policy.Resolved{CarryMonthCap: 5}
		got := ComputeCarry(deal, DTMResult{Days: 45}, pol)
		assert.Equal(t, 6250.0, got.AmountMonthly)
		assert.Equal(t, 9375.0, got.Total)
	})

	t.Run("rounds to cents", func(t *testing.T) {
		t.Parallel()
		d := model.Deal{Costs: model.Costs{Monthly: model.MonthlyCosts{Utilities: fp(100)}}}
		got := ComputeCarry(d, DTMResult{Days: 10}, policy.Resolved{CarryMonthCap: 5})
		assert.Equal(t, 33.33, got.Total)
	})

	t.Run("missing inputs are zero", func(t *testing.T) {
		t.Parallel()
		got := ComputeCarry(model.Deal{}, DTMResult{}, policy.Resolve(policy.Tokens{}))
		assert.Equal(t, 0.0, got.Total)
		assert.Equal(t, 5.0, got.MonthCap)
	})
}

func TestComputeRespectFloor(t *testing.T) {
	t.Parallel()

	deal := model.Deal{
		Market: model.Market{AIV: fp(200000)},
		Debt: model.Debt{
			SeniorPrincipal: fp(120000),
			SeniorPerDiem:   fp(20),
			Juniors:         []model.JuniorLien{{Label: "heloc", Amount: fp(15000)}, {Amount: nil}},
			TaxArrears:      fp(3000),
			HOAArrears:      fp(500),
		},
	}

	t.Run("no investor discounts", func(t *testing.T) {
		t.Parallel()
		got := ComputeRespectFloor(deal, DTMResult{Days: 30}, policy.Resolve(policy.Tokens{}))
		assert.Equal(t, 138500.0, got.PayoffPlusEssentials)
		assert.Equal(t, 3500.0, got.Essentials)
		require.NotNil(t, got.Operational)
		assert.Equal(t, 138500.0, *got.Operational)
		assert.Equal(t, "payoff_plus_essentials", got.OperationalSource)
		assert.Contains(t, got.Notes, NoteInvestorDiscountsMissing)
		require.NotNil(t, got.PerDiemAccrual)
		assert.Equal(t, 600.0, *got.PerDiemAccrual)
	})

	t.Run("investor floor wins", func(t *testing.T) {
		t.Parallel()
		pol := policy.Resolve(policy.Tokens{
			FloorInvestorAIVDiscountP20:     fp(0.4),
			FloorInvestorAIVDiscountTypical: fp(0.25),
		})
		got := ComputeRespectFloor(deal, DTMResult{}, pol)
		require.NotNil(t, got.InvestorP20)
		assert.Equal(t, 120000.0, *got.InvestorP20)
		require.NotNil(t, got.InvestorTypical)
		assert.Equal(t, 150000.0, *got.InvestorTypical)
		assert.Equal(t, 150000.0, *got.Operational)
		assert.Equal(t, "investor_typical", got.OperationalSource)
		assert.Empty(t, got.Notes)
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		got := ComputeRespectFloor(deal, DTMResult{}, policy.Resolve(policy.Tokens{RespectFloorEnabled: bp(false)}))
		assert.False(t, got.Enabled)
		assert.Nil(t, got.Operational)
		assert.Contains(t, got.Notes, NoteFloorDisabled)
	})

	t.Run("empty deal", func(t *testing.T) {
		t.Parallel()
		got := ComputeRespectFloor(model.Deal{}, DTMResult{}, policy.Resolve(policy.Tokens{}))
		require.NotNil(t, got.Operational)
		assert.Equal(t, 0.0, *got.Operational)
		assert.Nil(t, got.PerDiemAccrual)
	})
}

func TestComputeBuyerCeiling(t *testing.T) {
	t.Parallel()

	t.Run("aiv cap", func(t *testing.T) {
		t.Parallel()
		deal := model.Deal{Market: model.Market{AIV: fp(200000)}}
		got := ComputeBuyerCeiling(deal, policy.Resolve(policy.Tokens{MAOAIVCapPct: fp(0.9)}))
		require.NotNil(t, got.Chosen)
		assert.Equal(t, 180000.0, *got.Chosen)
		assert.Equal(t, CeilingAIVCap, got.ChosenLabel)
		assert.Len(t, got.Candidates, 4)
		for _, c := range got.Candidates[1:] {
			assert.False(t, c.Eligible)
			assert.Equal(t, "strategy_not_configured", c.Reason)
		}
	})

	t.Run("missing aiv", func(t *testing.T) {
		t.Parallel()
		got := ComputeBuyerCeiling(model.Deal{}, policy.Resolve(policy.Tokens{}))
		assert.Nil(t, got.Chosen)
		assert.Equal(t, "aiv_missing", got.Candidates[0].Reason)
		assert.Contains(t, got.Notes, NoteAIVMissingForCeiling)
	})
}

func TestRun(t *testing.T) {
	t.Parallel()

	deal := model.Deal{
		Market:   model.Market{AIV: fp(250000), DOMZip: fp(45)},
		Costs:    model.Costs{Monthly: model.MonthlyCosts{Utilities: fp(300)}},
		Debt:     model.Debt{SeniorPrincipal: fp(100000)},
		Timeline: model.Timeline{},
	}
	tokens := policy.Tokens{DefaultCashCloseAddDays: fp(35), MAOAIVCapPct: fp(0.8)}

	got := Run(deal, tokens)

	assert.Equal(t, 80.0, got.DTM.Days)
	assert.Equal(t, DTMMethodDOMAdd, got.DTM.Method)
	assert.Equal(t, 800.0, got.Carry.Total)
	require.NotNil(t, got.Headlines.InstantCashOffer)
	assert.Equal(t, 200000.0, *got.Headlines.InstantCashOffer)
	require.NotNil(t, got.Headlines.NetToSeller)
	assert.Equal(t, 100000.0, *got.Headlines.NetToSeller)
	assert.Contains(t, got.Notes, NoteNetToSellerPlaceholder)
	assert.Contains(t, got.Notes, NoteInvestorDiscountsMissing)
	assert.Equal(t, 35.0, got.PolicyEcho.DefaultCashCloseAddDays)
}

func TestRunEmptyInputsNeverPanics(t *testing.T) {
	t.Parallel()
	got := Run(model.Deal{}, policy.Tokens{})
	assert.Equal(t, DTMMethodUnknown, got.DTM.Method)
	assert.Nil(t, got.Headlines.InstantCashOffer)
	require.NotNil(t, got.Headlines.NetToSeller)
	assert.Equal(t, 0.0, *got.Headlines.NetToSeller)
}
