// Package markettime normalizes quarterly index periods and derives
// market-time adjustment factors for comparable sales.
package markettime

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/underwrite-cli/internal/numeric"
)

var periodRe = regexp.MustCompile(`^(\d{4})Q([1-4])$`)

// Period is a calendar quarter formatted as "YYYYQn".
type Period string

// PeriodFromDate maps a date to its calendar quarter.
func PeriodFromDate(t time.Time) Period {
	q := (int(t.Month())-1)/3 + 1
	return Period(fmt.Sprintf("%04dQ%d", t.Year(), q))
}

// ParsePeriod splits a period into year and quarter. ok is false for
// malformed input.
func ParsePeriod(p string) (year, quarter int, ok bool) {
	m := periodRe.FindStringSubmatch(strings.TrimSpace(strings.ToUpper(p)))
	if m == nil {
		return 0, 0, false
	}
	year, _ = strconv.Atoi(m[1])
	quarter, _ = strconv.Atoi(m[2])
	return year, quarter, true
}

// ComparePeriods orders periods by (year, quarter). When either side is
// malformed it falls back to plain string comparison.
func ComparePeriods(a, b string) int {
	ay, aq, aok := ParsePeriod(a)
	by, bq, bok := ParsePeriod(b)
	if !aok || !bok {
		return strings.Compare(a, b)
	}
	switch {
	case ay != by:
		return cmpInt(ay, by)
	default:
		return cmpInt(aq, bq)
	}
}

// Selection is the outcome of SelectEffectiveAsOfPeriod.
type Selection struct {
	RequestedPeriod string  `json:"requested_period"`
	EffectivePeriod string  `json:"effective_period"`
	EffectiveValue  float64 `json:"effective_value"`
	FellBack        bool    `json:"fell_back"`
}

// SelectEffectiveAsOfPeriod picks the latest period in index that is not
// after requested. When requested predates every period it falls back to
// the latest period overall. Non-finite index values are ignored. ok is
// false when the index has no usable values.
func SelectEffectiveAsOfPeriod(requested string, index map[string]float64) (Selection, bool) {
	periods := sortedPeriods(index)
	if len(periods) == 0 {
		return Selection{RequestedPeriod: requested}, false
	}

	sel := Selection{RequestedPeriod: requested}
	for i := len(periods) - 1; i >= 0; i-- {
		if ComparePeriods(periods[i], requested) <= 0 {
			sel.EffectivePeriod = periods[i]
			sel.EffectiveValue = index[periods[i]]
			return sel, true
		}
	}

	latest := periods[len(periods)-1]
	sel.EffectivePeriod = latest
	sel.EffectiveValue = index[latest]
	sel.FellBack = true
	return sel, true
}

// ComputeMarketTimeFactor returns asOf/sale, or nil when either value is
// missing, non-finite, or sale is zero.
func ComputeMarketTimeFactor(asOf, sale *float64) *float64 {
	if asOf == nil || sale == nil || !numeric.Finite(*asOf) || !numeric.Finite(*sale) || *sale == 0 {
		return nil
	}
	return numeric.Ptr(*asOf / *sale)
}

// Adjustment is a time-adjusted comparable price.
type Adjustment struct {
	SalePeriod    string    `json:"sale_period"`
	AsOf          Selection `json:"as_of"`
	Factor        *float64  `json:"factor"`
	AdjustedPrice *float64  `json:"adjusted_price"`
}

// AdjustPrice moves price from its sale quarter to the effective as-of
// quarter using index ratios. AdjustedPrice is nil when the index cannot
// price either quarter.
func AdjustPrice(price float64, saleDate time.Time, requested string, index map[string]float64) Adjustment {
	salePeriod := string(PeriodFromDate(saleDate))
	adj := Adjustment{SalePeriod: salePeriod}

	asOf, ok := SelectEffectiveAsOfPeriod(requested, index)
	adj.AsOf = asOf
	if !ok {
		return adj
	}

	var sale *float64
	if v, found := index[salePeriod]; found {
		sale = numeric.Ptr(v)
	}
	adj.Factor = ComputeMarketTimeFactor(numeric.Ptr(asOf.EffectiveValue), sale)
	if adj.Factor != nil && numeric.Finite(price) && price > 0 {
		adj.AdjustedPrice = numeric.Ptr(numeric.RoundCents(price * *adj.Factor))
	}
	return adj
}

func sortedPeriods(index map[string]float64) []string {
	periods := make([]string, 0, len(index))
	for p, v := range index {
		if numeric.Finite(v) {
			periods = append(periods, p)
		}
	}
	sort.Slice(periods, func(i, j int) bool {
		if c := ComparePeriods(periods[i], periods[j]); c != 0 {
			return c < 0
		}
		return periods[i] < periods[j]
	})
	return periods
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
