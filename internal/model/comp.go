package model

import (
	"time"

	"github.com/sells-group/underwrite-cli/internal/numeric"
)

// Comp is a comparable sale or listing record.
type Comp struct {
	ID                string     `json:"id,omitempty"`
	Price             *float64   `json:"price,omitempty"`
	PriceAdjusted     *float64   `json:"price_adjusted,omitempty"`
	AdjustedValue     *float64   `json:"adjusted_value,omitempty"`
	ValueBasis        *float64   `json:"value_basis_before_adjustments,omitempty"`
	TimeAdjustedPrice *float64   `json:"time_adjusted_price,omitempty"`
	MarketTimeFactor  *float64   `json:"market_time_factor,omitempty"`
	Correlation       *float64   `json:"correlation,omitempty"`
	Status            string     `json:"status,omitempty"`
	SaleDate          *time.Time `json:"sale_date,omitempty"`
}

// ListingPrice returns the adjusted price when present and positive,
// otherwise the raw price.
func (c Comp) ListingPrice() *float64 {
	if v := numeric.Positive(c.PriceAdjusted); v != nil {
		return v
	}
	return numeric.Positive(c.Price)
}

// SampleValue returns the first usable value in priority order:
// adjusted_value, value_basis_before_adjustments, time_adjusted_price,
// price_adjusted, price.
func (c Comp) SampleValue() *float64 {
	for _, v := range []*float64{c.AdjustedValue, c.ValueBasis, c.TimeAdjustedPrice, c.PriceAdjusted, c.Price} {
		if p := numeric.Positive(v); p != nil {
			return p
		}
	}
	return nil
}

// Weight returns the correlation when positive, otherwise 1.
func (c Comp) Weight() float64 {
	if v := numeric.Positive(c.Correlation); v != nil {
		return *v
	}
	return 1
}
