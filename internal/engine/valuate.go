package engine

import (
	"github.com/sells-group/underwrite-cli/internal/numeric"
	"github.com/sells-group/underwrite-cli/internal/policy"
	"github.com/sells-group/underwrite-cli/internal/valuation"
)

// Valuate runs ensemble, uncertainty, and confidence in order. Comps are
// market-time adjusted first when an as-of period and index are supplied.
// A missing comp estimate is the weighted median of the comp samples.
func Valuate(req ValuationRequest, vp policy.ValuationPolicy) ValuationOutputs {
	comps := req.Comps
	if req.AsOfPeriod != "" && len(req.MarketIndex) > 0 {
		comps = valuation.TimeAdjustComps(comps, req.AsOfPeriod, req.MarketIndex)
	}

	samples := valuation.CompSamples(comps)
	compCount := len(samples)
	if req.CompCount != nil && *req.CompCount >= 0 {
		compCount = *req.CompCount
	}

	compEstimate := numeric.Positive(req.CompEstimate)
	if compEstimate == nil {
		if median, ok := valuation.WeightedQuantile(samples, 0.5); ok {
			compEstimate = numeric.Ptr(numeric.RoundCents(median))
		}
	}

	ens := valuation.ComputeEnsemble(valuation.EnsembleInput{
		CompEstimate: compEstimate,
		CompCount:    compCount,
		AVMEstimate:  req.AVMEstimate,
		Listings:     req.Listings,
	}, vp.Ensemble)

	unc := valuation.ComputeUncertainty(valuation.UncertaintyInput{
		Comps:     comps,
		Reference: ens.Value,
		AVMRange:  req.AVMRange,
		Weights:   ens.Weights,
	}, vp.Uncertainty)

	conf := valuation.GradeConfidence(valuation.ConfidenceInput{
		CompCount:         compCount,
		ClosedCompCount:   req.ClosedCompCount,
		CompKindUsed:      req.CompKindUsed,
		RangePct:          unc.RangePct,
		MedianCorrelation: valuation.MedianCorrelation(comps),
		Warnings:          req.Warnings,
	}, vp.Confidence)

	return ValuationOutputs{Ensemble: ens, Uncertainty: unc, Confidence: conf}
}
