package valuation

import (
	"math"
	"sort"

	"github.com/sells-group/underwrite-cli/internal/model"
	"github.com/sells-group/underwrite-cli/internal/numeric"
	"github.com/sells-group/underwrite-cli/internal/policy"
)

// Uncertainty defaults.
const (
	DefaultUncertaintyMinComps = 3
	DefaultPLow                = 0.10
	DefaultPHigh               = 0.90
	DefaultFloorPct            = 0.05
)

// Uncertainty method tags.
const (
	UncertaintyVersion      = "v1"
	UncertaintyMethodNone   = "none"
	UncertaintyMethodComps  = "weighted_quantile_comps"
	UncertaintyMethodAVM    = "avm_range"
	UncertaintyMethodBlend  = "weighted_quantile_blend"
	UncertaintyMethodOff    = "disabled"
	NoteInsufficientSamples = "uncertainty_insufficient_comp_samples"
	NoteFloorApplied        = "uncertainty_floor_applied"
	NoteRangeSwapped        = "uncertainty_range_swapped"
)

// Range is a low/high value pair.
type Range struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Sample is one weighted observation.
type Sample struct {
	ID     string  `json:"id,omitempty"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
	Index  int     `json:"index"`
}

// UncertaintyInput carries the comps, reference value, and optional AVM
// range to band.
type UncertaintyInput struct {
	Comps     []model.Comp `json:"comps"`
	Reference *float64     `json:"reference"`
	AVMRange  *Range       `json:"avm_range,omitempty"`
	Weights   Weights      `json:"weights"`
}

// UncertaintyResult is the valuation range band.
type UncertaintyResult struct {
	Enabled      bool     `json:"enabled"`
	Method       string   `json:"method"`
	Version      string   `json:"version"`
	RangeLow     *float64 `json:"range_low"`
	RangeHigh    *float64 `json:"range_high"`
	RangePct     *float64 `json:"range_pct"`
	CompSamples  int      `json:"comp_samples"`
	CompRange    *Range   `json:"comp_range,omitempty"`
	AVMRange     *Range   `json:"avm_range,omitempty"`
	FloorApplied bool     `json:"floor_applied"`
	Notes        []string `json:"notes,omitempty"`
}

// CompSamples converts comps into weighted samples, skipping comps with no
// usable value. Index is the comp's position in the input.
func CompSamples(comps []model.Comp) []Sample {
	samples := make([]Sample, 0, len(comps))
	for i, c := range comps {
		v := c.SampleValue()
		if v == nil {
			continue
		}
		samples = append(samples, Sample{ID: c.ID, Value: *v, Weight: c.Weight(), Index: i})
	}
	return samples
}

// WeightedQuantile returns the smallest sample whose cumulative weight
// reaches p × total weight. Samples are ordered by (value, id, index) so
// ties resolve the same way on every run. ok is false when no sample has a
// positive finite weight.
func WeightedQuantile(samples []Sample, p float64) (float64, bool) {
	usable := make([]Sample, 0, len(samples))
	total := 0.0
	for _, s := range samples {
		if !numeric.Finite(s.Value) || !numeric.Finite(s.Weight) || s.Weight <= 0 {
			continue
		}
		usable = append(usable, s)
		total += s.Weight
	}
	if len(usable) == 0 {
		return 0, false
	}

	sort.Slice(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Index < b.Index
	})

	target := numeric.Clamp(p, 0, 1) * total
	// absorb float drift when summing weights
	eps := 1e-9 * total
	cum := 0.0
	for _, s := range usable {
		cum += s.Weight
		if cum+eps >= target {
			return s.Value, true
		}
	}
	return usable[len(usable)-1].Value, true
}

// ComputeUncertainty bands the reference value. The comp range needs at
// least min_comps samples; comp and AVM ranges are blended with the
// ensemble weights, normalized so low <= high, and widened to
// floor_pct × |reference| when narrower.
func ComputeUncertainty(in UncertaintyInput, cfg policy.UncertaintyConfig) UncertaintyResult {
	res := UncertaintyResult{
		Enabled: cfg.Enabled,
		Method:  UncertaintyMethodOff,
		Version: UncertaintyVersion,
	}
	if !cfg.Enabled {
		return res
	}

	minComps := intOr(cfg.MinComps, DefaultUncertaintyMinComps)
	pLow := numeric.Clamp(numeric.NumOr(cfg.PLow, DefaultPLow), 0, 1)
	pHigh := numeric.Clamp(numeric.NumOr(cfg.PHigh, DefaultPHigh), 0, 1)
	floorPct := math.Max(numeric.NumOr(cfg.FloorPct, DefaultFloorPct), 0)

	samples := CompSamples(in.Comps)
	res.CompSamples = len(samples)
	if len(samples) >= minComps && len(samples) > 0 {
		lo, okLo := WeightedQuantile(samples, pLow)
		hi, okHi := WeightedQuantile(samples, pHigh)
		if okLo && okHi {
			res.CompRange = &Range{Low: lo, High: hi}
		}
	} else {
		res.Notes = append(res.Notes, NoteInsufficientSamples)
	}
	res.AVMRange = validRange(in.AVMRange)

	var blended *Range
	switch {
	case res.CompRange != nil && res.AVMRange != nil:
		blended = blendRanges(*res.CompRange, *res.AVMRange, in.Weights)
		res.Method = UncertaintyMethodBlend
	case res.CompRange != nil:
		r := *res.CompRange
		blended = &r
		res.Method = UncertaintyMethodComps
	case res.AVMRange != nil:
		r := *res.AVMRange
		blended = &r
		res.Method = UncertaintyMethodAVM
	default:
		res.Method = UncertaintyMethodNone
		return res
	}

	if blended.Low > blended.High {
		blended.Low, blended.High = blended.High, blended.Low
		res.Notes = append(res.Notes, NoteRangeSwapped)
	}

	ref := numeric.Opt(in.Reference)
	center := (blended.Low + blended.High) / 2
	if ref != nil {
		center = *ref
	}
	if minWidth := math.Abs(center) * floorPct; blended.High-blended.Low < minWidth {
		blended.Low = center - minWidth/2
		blended.High = center + minWidth/2
		res.FloorApplied = true
		res.Notes = append(res.Notes, NoteFloorApplied)
	}

	low := numeric.RoundCents(blended.Low)
	high := numeric.RoundCents(blended.High)
	denom := high
	if ref != nil {
		denom = *ref
	}
	res.RangeLow = numeric.Ptr(low)
	res.RangeHigh = numeric.Ptr(high)
	res.RangePct = numeric.Ptr((high - low) / math.Max(1, denom))
	return res
}

func blendRanges(comp, avm Range, w Weights) *Range {
	wc := math.Max(w.Comps, 0)
	wa := math.Max(w.AVM, 0)
	if sum := wc + wa; sum > 0 {
		wc, wa = wc/sum, wa/sum
	} else {
		wc, wa = 0.5, 0.5
	}
	return &Range{
		Low:  wc*comp.Low + wa*avm.Low,
		High: wc*comp.High + wa*avm.High,
	}
}

func validRange(r *Range) *Range {
	if r == nil || !numeric.Finite(r.Low) || !numeric.Finite(r.High) {
		return nil
	}
	out := *r
	return &out
}
