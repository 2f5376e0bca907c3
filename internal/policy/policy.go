// Package policy defines the versioned pricing policy consumed by the
// underwriting and valuation engines. Every token is optional; Resolve
// merges a token set with the hard-coded defaults.
package policy

import "github.com/sells-group/underwrite-cli/internal/numeric"

// Policy is one posture's immutable token set.
type Policy struct {
	Version   string          `json:"version,omitempty" yaml:"version"`
	Posture   string          `json:"posture,omitempty" yaml:"posture"`
	Tokens    Tokens          `json:"tokens" yaml:"tokens"`
	Valuation ValuationPolicy `json:"valuation" yaml:"valuation"`
}

// Tokens are the named underwriting thresholds. A nil field means "not
// configured".
type Tokens struct {
	DefaultCashCloseAddDays         *float64 `json:"default_cash_close_add_days,omitempty" yaml:"default_cash_close_add_days"`
	CarryMonthCap                   *float64 `json:"carry_month_cap,omitempty" yaml:"carry_month_cap"`
	TaxesAnnual                     *bool    `json:"taxes_annual,omitempty" yaml:"taxes_annual"`
	InsuranceAnnual                 *bool    `json:"insurance_annual,omitempty" yaml:"insurance_annual"`
	MAOAIVCapPct                    *float64 `json:"mao_aiv_cap_pct,omitempty" yaml:"mao_aiv_cap_pct"`
	CommissionPct                   *float64 `json:"commission_pct,omitempty" yaml:"commission_pct"`
	FloorInvestorAIVDiscountP20     *float64 `json:"floor_investor_aiv_discount_p20,omitempty" yaml:"floor_investor_aiv_discount_p20"`
	FloorInvestorAIVDiscountTypical *float64 `json:"floor_investor_aiv_discount_typical,omitempty" yaml:"floor_investor_aiv_discount_typical"`
	RespectFloorEnabled             *bool    `json:"respect_floor_enabled,omitempty" yaml:"respect_floor_enabled"`
}

// IsZero reports whether no token is set.
func (t Tokens) IsZero() bool {
	return t == Tokens{}
}

// ValuationPolicy groups the valuation-quality settings.
type ValuationPolicy struct {
	Ensemble    EnsembleConfig    `json:"ensemble" yaml:"ensemble"`
	Uncertainty UncertaintyConfig `json:"uncertainty" yaml:"uncertainty"`
	Confidence  ConfidenceConfig  `json:"confidence" yaml:"confidence"`
}

// EnsembleConfig configures comp/AVM blending.
type EnsembleConfig struct {
	Weights             EnsembleWeights `json:"weights" yaml:"weights"`
	MaxAVMWeight        *float64        `json:"max_avm_weight,omitempty" yaml:"max_avm_weight"`
	MinCompsForAVMBlend *int            `json:"min_comps_for_avm_blend,omitempty" yaml:"min_comps_for_avm_blend"`
	Ceiling             CeilingConfig   `json:"ceiling" yaml:"ceiling"`
}

// EnsembleWeights are the raw (un-normalized) blend weights.
type EnsembleWeights struct {
	Comps *float64 `json:"comps,omitempty" yaml:"comps"`
	AVM   *float64 `json:"avm,omitempty" yaml:"avm"`
}

// CeilingConfig configures the active-listing value cap.
type CeilingConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Method     string   `json:"method,omitempty" yaml:"method"`
	MaxOverPct *float64 `json:"max_over_pct,omitempty" yaml:"max_over_pct"`
}

// UncertaintyConfig configures the valuation range band.
type UncertaintyConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	MinComps *int     `json:"min_comps,omitempty" yaml:"min_comps"`
	PLow     *float64 `json:"p_low,omitempty" yaml:"p_low"`
	PHigh    *float64 `json:"p_high,omitempty" yaml:"p_high"`
	FloorPct *float64 `json:"floor_pct,omitempty" yaml:"floor_pct"`
}

// ConfidenceConfig configures the A/B/C confidence grader.
type ConfidenceConfig struct {
	MinClosedCompsRequired *int                 `json:"min_closed_comps_required,omitempty" yaml:"min_closed_comps_required"`
	Rubric                 map[string]GradeBand `json:"rubric,omitempty" yaml:"rubric"`
}

// GradeBand is one grade's requirements.
type GradeBand struct {
	MinCompsMultiplier   *float64 `json:"min_comps_multiplier,omitempty" yaml:"min_comps_multiplier"`
	MaxRangePct          *float64 `json:"max_range_pct,omitempty" yaml:"max_range_pct"`
	MinMedianCorrelation *float64 `json:"min_median_correlation,omitempty" yaml:"min_median_correlation"`
}

// Resolved is the token set actually used by a run, echoed back in
// underwriting results.
type Resolved struct {
	DefaultCashCloseAddDays         float64  `json:"default_cash_close_add_days"`
	CarryMonthCap                   float64  `json:"carry_month_cap"`
	TaxesAnnual                     bool     `json:"taxes_annual"`
	InsuranceAnnual                 bool     `json:"insurance_annual"`
	MAOAIVCapPct                    float64  `json:"mao_aiv_cap_pct"`
	CommissionPct                   float64  `json:"commission_pct"`
	FloorInvestorAIVDiscountP20     *float64 `json:"floor_investor_aiv_discount_p20"`
	FloorInvestorAIVDiscountTypical *float64 `json:"floor_investor_aiv_discount_typical"`
	RespectFloorEnabled             bool     `json:"respect_floor_enabled"`
}

// Token defaults applied when a policy omits a value.
const (
	DefaultCashCloseAddDays = 14
	DefaultCarryMonthCap    = 5
	DefaultMAOAIVCapPct     = 0.97
	DefaultCommissionPct    = 0.06
)

// Resolve merges t with the token defaults. Non-finite or negative
// numbers are treated as absent.
func Resolve(t Tokens) Resolved {
	return Resolved{
		DefaultCashCloseAddDays:         nonNegOr(t.DefaultCashCloseAddDays, DefaultCashCloseAddDays),
		CarryMonthCap:                   nonNegOr(t.CarryMonthCap, DefaultCarryMonthCap),
		TaxesAnnual:                     boolOr(t.TaxesAnnual, false),
		InsuranceAnnual:                 boolOr(t.InsuranceAnnual, false),
		MAOAIVCapPct:                    nonNegOr(t.MAOAIVCapPct, DefaultMAOAIVCapPct),
		CommissionPct:                   nonNegOr(t.CommissionPct, DefaultCommissionPct),
		FloorInvestorAIVDiscountP20:     fraction(t.FloorInvestorAIVDiscountP20),
		FloorInvestorAIVDiscountTypical: fraction(t.FloorInvestorAIVDiscountTypical),
		RespectFloorEnabled:             boolOr(t.RespectFloorEnabled, true),
	}
}

// Merge overlays every non-nil field of override onto base.
func Merge(base, override Tokens) Tokens {
	out := base
	if override.DefaultCashCloseAddDays != nil {
		out.DefaultCashCloseAddDays = override.DefaultCashCloseAddDays
	}
	if override.CarryMonthCap != nil {
		out.CarryMonthCap = override.CarryMonthCap
	}
	if override.TaxesAnnual != nil {
		out.TaxesAnnual = override.TaxesAnnual
	}
	if override.InsuranceAnnual != nil {
		out.InsuranceAnnual = override.InsuranceAnnual
	}
	if override.MAOAIVCapPct != nil {
		out.MAOAIVCapPct = override.MAOAIVCapPct
	}
	if override.CommissionPct != nil {
		out.CommissionPct = override.CommissionPct
	}
	if override.FloorInvestorAIVDiscountP20 != nil {
		out.FloorInvestorAIVDiscountP20 = override.FloorInvestorAIVDiscountP20
	}
	if override.FloorInvestorAIVDiscountTypical != nil {
		out.FloorInvestorAIVDiscountTypical = override.FloorInvestorAIVDiscountTypical
	}
	if override.RespectFloorEnabled != nil {
		out.RespectFloorEnabled = override.RespectFloorEnabled
	}
	return out
}

func nonNegOr(v *float64, def float64) float64 {
	if v == nil || !numeric.Finite(*v) || *v < 0 {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// fraction keeps v only when it is a usable discount in [0, 1].
func fraction(v *float64) *float64 {
	if v == nil || !numeric.Finite(*v) || *v < 0 || *v > 1 {
		return nil
	}
	out := *v
	return &out
}
