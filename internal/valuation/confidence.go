package valuation

import (
	"math"
	"sort"

	"github.com/sells-group/underwrite-cli/internal/model"
	"github.com/sells-group/underwrite-cli/internal/numeric"
	"github.com/sells-group/underwrite-cli/internal/policy"
)

// Grades.
const (
	GradeA = "A"
	GradeB = "B"
	GradeC = "C"
)

// Hard-downgrade warning codes. Any one forces grade C.
const (
	WarnListingBasedCompsOnly    = "listing_based_comps_only"
	WarnInsufficientClosedSales  = "insufficient_closed_sales_comps"
	WarnFailsoftZeroAfterFilters = "failsoft_zero_after_filters"
	WarnSnapshotStub             = "snapshot_stub"
)

// Confidence reason codes.
const (
	ReasonWideRange                = "wide_range"
	ReasonLowCompCount             = "low_comp_count"
	ReasonRangeMissing             = "range_missing"
	ReasonCorrelationNotApplicable = "correlation_not_applicable"
)

// CompKindSaleListing marks a comp set built from listings rather than
// closed sales.
const CompKindSaleListing = "sale_listing"

// DefaultMinClosedCompsRequired scales policy rubric comp multipliers.
const DefaultMinClosedCompsRequired = 3

const lowCompCount = 5

var hardDowngrades = map[string]bool{
	WarnListingBasedCompsOnly:    true,
	WarnInsufficientClosedSales:  true,
	WarnFailsoftZeroAfterFilters: true,
	WarnSnapshotStub:             true,
}

// ConfidenceInput carries the metrics graded.
type ConfidenceInput struct {
	CompCount         int      `json:"comp_count_used"`
	ClosedCompCount   *int     `json:"closed_comp_count,omitempty"`
	CompKindUsed      string   `json:"comp_kind_used,omitempty"`
	RangePct          *float64 `json:"range_pct"`
	MedianCorrelation *float64 `json:"median_correlation,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
}

// ConfidenceResult is the graded outcome.
type ConfidenceResult struct {
	Grade             string   `json:"grade"`
	Reasons           []string `json:"reasons"`
	CompCount         int      `json:"comp_count_used"`
	RangePct          *float64 `json:"range_pct"`
	MedianCorrelation *float64 `json:"median_correlation,omitempty"`
	RubricSource      string   `json:"rubric_source"`
	HardDowngrade     bool     `json:"hard_downgrade"`
}

type band struct {
	grade    string
	minComps float64
	maxRange *float64
	minCorr  *float64
}

// GradeConfidence grades a valuation. Any hard-downgrade warning forces C.
// Otherwise bands are tried in order A, B, C and the first whose comp,
// range, and correlation requirements all hold wins. A missing range fails
// any band with a range limit.
func GradeConfidence(in ConfidenceInput, cfg policy.ConfidenceConfig) ConfidenceResult {
	bands, source := rubric(cfg)
	rangePct := numeric.Opt(in.RangePct)
	median := numeric.Opt(in.MedianCorrelation)

	res := ConfidenceResult{
		CompCount:         max(in.CompCount, 0),
		RangePct:          rangePct,
		MedianCorrelation: median,
		RubricSource:      source,
	}

	reasons := make(map[string]bool)
	for _, w := range effectiveWarnings(in, cfg) {
		if hardDowngrades[w] {
			reasons[w] = true
			res.HardDowngrade = true
		}
	}

	winner := bands[len(bands)-1]
	if res.HardDowngrade {
		winner = band{grade: GradeC}
	} else {
		for _, b := range bands {
			if b.satisfied(res.CompCount, rangePct, median) {
				winner = b
				break
			}
		}
	}
	res.Grade = winner.grade

	if rangePct == nil {
		reasons[ReasonRangeMissing] = true
	} else if limit := rangeLimit(winner, bands); limit != nil && *rangePct > *limit {
		reasons[ReasonWideRange] = true
	}
	if res.CompCount < lowCompCount && res.Grade != GradeA {
		reasons[ReasonLowCompCount] = true
	}
	if median == nil {
		for _, b := range bands {
			if b.minCorr != nil {
				reasons[ReasonCorrelationNotApplicable] = true
				break
			}
		}
	}

	res.Reasons = make([]string, 0, len(reasons))
	for r := range reasons {
		res.Reasons = append(res.Reasons, r)
	}
	sort.Strings(res.Reasons)
	return res
}

func (b band) satisfied(comps int, rangePct, median *float64) bool {
	if float64(comps) < b.minComps {
		return false
	}
	if b.maxRange != nil && (rangePct == nil || *rangePct > *b.maxRange) {
		return false
	}
	// no median supplied: correlation requirement does not apply
	if b.minCorr != nil && median != nil && *median < *b.minCorr {
		return false
	}
	return true
}

// rubric returns the bands in evaluation order. C is always present and
// acts as the fallback.
func rubric(cfg policy.ConfidenceConfig) ([]band, string) {
	if len(cfg.Rubric) == 0 {
		return []band{
			{grade: GradeA, minComps: 8, maxRange: numeric.Ptr(0.15)},
			{grade: GradeB, minComps: 5, maxRange: numeric.Ptr(0.25)},
			{grade: GradeC},
		}, "default"
	}

	required := float64(intOr(cfg.MinClosedCompsRequired, DefaultMinClosedCompsRequired))
	bands := make([]band, 0, 3)
	for _, g := range []string{GradeA, GradeB, GradeC} {
		gb, ok := cfg.Rubric[g]
		if !ok {
			if g == GradeC {
				bands = append(bands, band{grade: GradeC})
			}
			continue
		}
		bands = append(bands, band{
			grade:    g,
			minComps: math.Ceil(math.Max(numeric.Num(gb.MinCompsMultiplier), 0) * required),
			maxRange: numeric.Opt(gb.MaxRangePct),
			minCorr:  numeric.Opt(gb.MinMedianCorrelation),
		})
	}
	return bands, "policy"
}

// rangeLimit is the winning band's range limit, or the loosest limit in the
// rubric when the winning band has none.
func rangeLimit(winner band, bands []band) *float64 {
	if winner.maxRange != nil {
		return winner.maxRange
	}
	var loosest *float64
	for _, b := range bands {
		if b.maxRange != nil && (loosest == nil || *b.maxRange > *loosest) {
			loosest = b.maxRange
		}
	}
	return loosest
}

// effectiveWarnings adds the warnings implied by the comp kind and the
// closed-sale count to the caller's list.
func effectiveWarnings(in ConfidenceInput, cfg policy.ConfidenceConfig) []string {
	out := append([]string(nil), in.Warnings...)
	if in.CompKindUsed == CompKindSaleListing {
		out = append(out, WarnListingBasedCompsOnly)
	}
	if in.ClosedCompCount != nil {
		required := intOr(cfg.MinClosedCompsRequired, DefaultMinClosedCompsRequired)
		if *in.ClosedCompCount < required {
			out = append(out, WarnInsufficientClosedSales)
		}
		if *in.ClosedCompCount == 0 && in.CompCount == 0 {
			out = append(out, WarnFailsoftZeroAfterFilters)
		}
	}
	return out
}

// MedianCorrelation returns the median positive correlation across comps,
// or nil when none carry one.
func MedianCorrelation(comps []model.Comp) *float64 {
	vals := make([]float64, 0, len(comps))
	for _, c := range comps {
		if v := numeric.Positive(c.Correlation); v != nil {
			vals = append(vals, *v)
		}
	}
	m, ok := PercentileLinear(vals, 0.5)
	if !ok {
		return nil
	}
	return numeric.Ptr(m)
}
