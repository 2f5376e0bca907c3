package valuation

import (
	"github.com/sells-group/underwrite-cli/internal/markettime"
	"github.com/sells-group/underwrite-cli/internal/model"
)

// TimeAdjustComps returns a copy of comps with time_adjusted_price and
// market_time_factor filled from the index. Comps without a sale date or
// listing price, or whose sale quarter is missing from the index, are
// copied unchanged.
func TimeAdjustComps(comps []model.Comp, asOf string, index map[string]float64) []model.Comp {
	out := make([]model.Comp, len(comps))
	copy(out, comps)
	for i := range out {
		c := &out[i]
		price := c.ListingPrice()
		if c.SaleDate == nil || price == nil {
			continue
		}
		adj := markettime.AdjustPrice(*price, *c.SaleDate, asOf, index)
		if adj.AdjustedPrice == nil {
			continue
		}
		c.TimeAdjustedPrice = adj.AdjustedPrice
		c.MarketTimeFactor = adj.Factor
	}
	return out
}
