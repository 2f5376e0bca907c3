// Package valuation blends comparable-sales and AVM estimates into a
// single value, bands it with a weighted-quantile uncertainty range, and
// grades the result A, B, or C.
package valuation

import (
	"math"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/sells-group/underwrite-cli/internal/model"
	"github.com/sells-group/underwrite-cli/internal/numeric"
	"github.com/sells-group/underwrite-cli/internal/policy"
)

// Ensemble defaults.
const (
	DefaultCompsWeight         = 0.7
	DefaultAVMWeight           = 0.3
	DefaultMaxAVMWeight        = 0.5
	DefaultMinCompsForAVMBlend = 3
	DefaultCeilingMaxOverPct   = 0.05
)

// Ensemble notes.
const (
	NoteAVMIneligible      = "avm_ineligible_low_comp_count"
	NoteNoEstimates        = "no_estimates_available"
	NoteNoActiveListings   = "ceiling_no_active_listings"
	NoteCeilingUnsupported = "ceiling_method_unsupported"
)

// Weights are normalized blend weights. They sum to 1 whenever any
// estimate is present.
type Weights struct {
	Comps float64 `json:"comps"`
	AVM   float64 `json:"avm"`
}

// EnsembleInput carries the estimates to blend.
type EnsembleInput struct {
	CompEstimate *float64     `json:"comp_estimate"`
	CompCount    int          `json:"comp_count"`
	AVMEstimate  *float64     `json:"avm_estimate"`
	Listings     []model.Comp `json:"listings,omitempty"`
}

// EnsembleResult is the blended valuation.
type EnsembleResult struct {
	Value              *float64 `json:"value"`
	RawValue           *float64 `json:"raw_value"`
	CompEstimate       *float64 `json:"comp_estimate"`
	AVMEstimate        *float64 `json:"avm_estimate"`
	AVMEligible        bool     `json:"avm_eligible"`
	CompCount          int      `json:"comp_count"`
	Weights            Weights  `json:"weights"`
	CapValue           *float64 `json:"cap_value,omitempty"`
	CapApplied         bool     `json:"cap_applied"`
	CapMethod          string   `json:"cap_method,omitempty"`
	P75                *float64 `json:"p75_active_listings,omitempty"`
	ActiveListingCount int      `json:"active_listing_count"`
	Notes              []string `json:"notes,omitempty"`
}

// ComputeEnsemble blends the comp and AVM estimates. The AVM joins the
// blend only when the comp count reaches min_comps_for_avm_blend; its
// weight is then capped at max_avm_weight before renormalizing. A single
// usable estimate passes through with weight 1.
func ComputeEnsemble(in EnsembleInput, cfg policy.EnsembleConfig) EnsembleResult {
	comp := numeric.Positive(in.CompEstimate)
	avm := numeric.Positive(in.AVMEstimate)
	minComps := intOr(cfg.MinCompsForAVMBlend, DefaultMinCompsForAVMBlend)

	res := EnsembleResult{
		CompEstimate: comp,
		AVMEstimate:  avm,
		CompCount:    max(in.CompCount, 0),
		AVMEligible:  avm != nil && in.CompCount >= minComps,
	}
	if avm != nil && !res.AVMEligible {
		res.Notes = append(res.Notes, NoteAVMIneligible)
		avm = nil
	}

	res.Weights = blendWeights(cfg, res.AVMEligible)
	switch {
	case comp != nil && avm != nil:
		res.RawValue = numeric.Ptr(res.Weights.Comps**comp + res.Weights.AVM**avm)
	case comp != nil:
		res.Weights = Weights{Comps: 1}
		res.RawValue = numeric.Ptr(*comp)
	case avm != nil:
		res.Weights = Weights{AVM: 1}
		res.RawValue = numeric.Ptr(*avm)
	default:
		res.Weights = Weights{Comps: 1}
		res.Notes = append(res.Notes, NoteNoEstimates)
		return res
	}
	res.RawValue = numeric.RoundCentsPtr(res.RawValue)
	res.Value = numeric.Ptr(*res.RawValue)

	if cfg.Ceiling.Enabled {
		applyCeiling(&res, in.Listings, cfg.Ceiling)
	}
	return res
}

// blendWeights clamps the configured weights at zero, caps the AVM weight,
// and renormalizes. Both weights at zero fall back to comps only.
func blendWeights(cfg policy.EnsembleConfig, avmEligible bool) Weights {
	wc := math.Max(numeric.NumOr(cfg.Weights.Comps, DefaultCompsWeight), 0)
	wa := math.Max(numeric.NumOr(cfg.Weights.AVM, DefaultAVMWeight), 0)
	if !avmEligible {
		wa = 0
	}
	maxAVM := numeric.Clamp(numeric.NumOr(cfg.MaxAVMWeight, DefaultMaxAVMWeight), 0, 1)
	wa = math.Min(wa, maxAVM)

	sum := wc + wa
	if sum <= 0 {
		return Weights{Comps: 1}
	}
	return Weights{Comps: wc / sum, AVM: wa / sum}
}

func applyCeiling(res *EnsembleResult, listings []model.Comp, cfg policy.CeilingConfig) {
	method := cfg.Method
	if method == "" {
		method = policy.CeilingMethodP75ActiveListings
	}
	res.CapMethod = method
	if method != policy.CeilingMethodP75ActiveListings {
		res.Notes = append(res.Notes, NoteCeilingUnsupported)
		return
	}

	prices := make([]float64, 0, len(listings))
	for _, l := range listings {
		if !IsActiveStatus(l.Status) {
			continue
		}
		if p := l.ListingPrice(); p != nil {
			prices = append(prices, *p)
		}
	}
	res.ActiveListingCount = len(prices)

	p75, ok := PercentileLinear(prices, 0.75)
	if !ok {
		res.Notes = append(res.Notes, NoteNoActiveListings)
		return
	}
	overPct := math.Max(numeric.NumOr(cfg.MaxOverPct, DefaultCeilingMaxOverPct), 0)
	capValue := numeric.RoundCents(p75 * (1 + overPct))

	res.P75 = numeric.Ptr(numeric.RoundCents(p75))
	res.CapValue = numeric.Ptr(capValue)
	if *res.RawValue > capValue {
		res.Value = numeric.Ptr(capValue)
		res.CapApplied = true
	}
}

// IsActiveStatus reports whether a listing status string describes an
// active listing. Inactive, expired, and off-market statuses never count.
func IsActiveStatus(status string) bool {
	s := cases.Fold().String(strings.TrimSpace(status))
	if !strings.Contains(s, "active") {
		return false
	}
	for _, neg := range []string{"inactive", "expired", "off"} {
		if strings.Contains(s, neg) {
			return false
		}
	}
	return true
}

// PercentileLinear returns the p-th percentile (p in [0,1]) of values,
// interpolating linearly between adjacent order statistics. Non-finite
// values are ignored; ok is false when none remain.
func PercentileLinear(values []float64, p float64) (float64, bool) {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if numeric.Finite(v) {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return 0, false
	}
	sort.Float64s(sorted)

	rank := numeric.Clamp(p, 0, 1) * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo], true
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac, true
}

func intOr(v *int, def int) int {
	if v == nil || *v < 0 {
		return def
	}
	return *v
}
