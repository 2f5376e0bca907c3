// Package cost computes Florida closing costs for back-to-back
// (double-close) transactions.
package cost

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/sells-group/underwrite-cli/internal/numeric"
)

// Rates holds the jurisdiction tax and fee schedule.
type Rates struct {
	DeedStamps DeedStampRates `json:"deed_stamps" yaml:"deed_stamps" mapstructure:"deed_stamps"`
	NoteStamps float64        `json:"note_stamps" yaml:"note_stamps" mapstructure:"note_stamps"`
	Intangible float64        `json:"intangible" yaml:"intangible" mapstructure:"intangible"`
	Title      TitleRates     `json:"title" yaml:"title" mapstructure:"title"`
	Recording  RecordingRates `json:"recording" yaml:"recording" mapstructure:"recording"`
}

// DeedStampRates holds documentary stamp rates on deeds, as fractions of
// price.
type DeedStampRates struct {
	Default        float64 `json:"default" yaml:"default" mapstructure:"default"`
	MiamiDadeSFR   float64 `json:"miami_dade_sfr" yaml:"miami_dade_sfr" mapstructure:"miami_dade_sfr"`
	MiamiDadeOther float64 `json:"miami_dade_other" yaml:"miami_dade_other" mapstructure:"miami_dade_other"`
}

// TitleRates is a two-tier promulgated premium schedule (per $1,000).
type TitleRates struct {
	TierOneLimit  float64 `json:"tier_one_limit" yaml:"tier_one_limit" mapstructure:"tier_one_limit"`
	TierOnePerK   float64 `json:"tier_one_per_k" yaml:"tier_one_per_k" mapstructure:"tier_one_per_k"`
	AboveTierPerK float64 `json:"above_tier_per_k" yaml:"above_tier_per_k" mapstructure:"above_tier_per_k"`
}

// RecordingRates holds per-page recording fees.
type RecordingRates struct {
	FirstPage      float64 `json:"first_page" yaml:"first_page" mapstructure:"first_page"`
	AdditionalPage float64 `json:"additional_page" yaml:"additional_page" mapstructure:"additional_page"`
}

// DefaultRates returns the Florida schedule.
func DefaultRates() Rates {
	return Rates{
		DeedStamps: DeedStampRates{
			Default:        0.007,
			MiamiDadeSFR:   0.006,
			MiamiDadeOther: 0.0105,
		},
		NoteStamps: 0.0035,
		Intangible: 0.002,
		Title: TitleRates{
			TierOneLimit:  100_000,
			TierOnePerK:   5.75,
			AboveTierPerK: 5.00,
		},
		Recording: RecordingRates{
			FirstPage:      10,
			AdditionalPage: 8.50,
		},
	}
}

// Comparison labels.
const (
	AssignmentBetter  = "AssignmentBetter"
	DoubleCloseBetter = "DoubleCloseBetter"
)

// DoubleCloseInput describes a simultaneous A→B, B→C closing.
type DoubleCloseInput struct {
	ABPrice      float64    `json:"ab_price"`
	BCPrice      float64    `json:"bc_price"`
	County       string     `json:"county"`
	PropertyType string     `json:"property_type"`
	HoldDays     float64    `json:"hold_days"`
	MonthlyCarry float64    `json:"monthly_carry"`
	NoteAmounts  SidePair   `json:"note_amounts"`
	PageCounts   PageCounts `json:"page_counts"`
}

// SidePair holds one amount per side of the double close.
type SidePair struct {
	AB float64 `json:"ab"`
	BC float64 `json:"bc"`
}

// PageCounts holds recorded page counts per side. Zero means one page.
type PageCounts struct {
	AB int `json:"ab"`
	BC int `json:"bc"`
}

// SideCosts is the cost breakdown of one closing.
type SideCosts struct {
	DeedStamps    float64 `json:"deed_stamps"`
	NoteStamps    float64 `json:"note_stamps"`
	IntangibleTax float64 `json:"intangible_tax"`
	TitlePremium  float64 `json:"title_premium"`
	RecordingFees float64 `json:"recording_fees"`
	Total         float64 `json:"total"`
}

// DoubleCloseResult compares a double close against a plain assignment.
type DoubleCloseResult struct {
	SideAB        SideCosts `json:"side_ab"`
	SideBC        SideCosts `json:"side_bc"`
	DeedStampRate float64   `json:"deed_stamp_rate"`
	AssignmentFee float64   `json:"assignment_fee"`
	DCTotalCosts  float64   `json:"dc_total_costs"`
	DCCarryCost   float64   `json:"dc_carry_cost"`
	DCNetSpread   float64   `json:"dc_net_spread"`
	Comparison    string    `json:"comparison"`
}

// Calculator computes closing costs from a rate schedule.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Rates returns the schedule the calculator prices with.
func (c *Calculator) Rates() Rates {
	return c.rates
}

// DoubleClose prices both sides of a double close. Tax lines round to
// whole dollars; every other amount rounds to cents. Invalid numbers are
// treated as zero.
func (c *Calculator) DoubleClose(in DoubleCloseInput) DoubleCloseResult {
	abPrice := finite(in.ABPrice)
	bcPrice := finite(in.BCPrice)
	rate := c.DeedStampRate(in.County, in.PropertyType)

	sideAB := c.side(abPrice, finite(in.NoteAmounts.AB), in.PageCounts.AB, rate)
	sideBC := c.side(bcPrice, finite(in.NoteAmounts.BC), in.PageCounts.BC, rate)

	assignmentFee := numeric.RoundCents(bcPrice - abPrice)
	totalCosts := numeric.RoundCents(sideAB.Total + sideBC.Total)
	carry := numeric.RoundCents(finite(in.MonthlyCarry) / 30 * finite(in.HoldDays))
	netSpread := numeric.RoundCents(assignmentFee - totalCosts - carry)

	// Net spread only falls short of the fee when costs are positive, so
	// a double close wins only on zero or negative costs.
	comparison := DoubleCloseBetter
	if netSpread < assignmentFee {
		comparison = AssignmentBetter
	}

	return DoubleCloseResult{
		SideAB:        sideAB,
		SideBC:        sideBC,
		DeedStampRate: rate,
		AssignmentFee: assignmentFee,
		DCTotalCosts:  totalCosts,
		DCCarryCost:   carry,
		DCNetSpread:   netSpread,
		Comparison:    comparison,
	}
}

// DeedStampRate returns the documentary stamp rate for a county and
// property type. County matching ignores case, spaces, and hyphens.
func (c *Calculator) DeedStampRate(county, propertyType string) float64 {
	if !isMiamiDade(county) {
		return c.rates.DeedStamps.Default
	}
	if fold(propertyType) == "sfr" {
		return c.rates.DeedStamps.MiamiDadeSFR
	}
	return c.rates.DeedStamps.MiamiDadeOther
}

// TitlePremium prices the two-tier title schedule for an amount.
func (c *Calculator) TitlePremium(amount float64) float64 {
	t := c.rates.Title
	if amount <= 0 {
		return 0
	}
	tierOne := min(amount, t.TierOneLimit)
	above := max(amount-t.TierOneLimit, 0)
	return numeric.RoundCents(tierOne/1000*t.TierOnePerK + above/1000*t.AboveTierPerK)
}

// RecordingFees prices a recorded instrument of the given page count.
// Counts below one are treated as a single page.
func (c *Calculator) RecordingFees(pages int) float64 {
	if pages < 1 {
		pages = 1
	}
	r := c.rates.Recording
	return numeric.RoundCents(r.FirstPage + float64(pages-1)*r.AdditionalPage)
}

func (c *Calculator) side(price, note float64, pages int, deedRate float64) SideCosts {
	s := SideCosts{
		DeedStamps:    numeric.RoundWhole(max(price, 0) * deedRate),
		NoteStamps:    numeric.RoundWhole(max(note, 0) * c.rates.NoteStamps),
		IntangibleTax: numeric.RoundWhole(max(note, 0) * c.rates.Intangible),
		TitlePremium:  c.TitlePremium(price),
		RecordingFees: c.RecordingFees(pages),
	}
	s.Total = numeric.RoundCents(s.DeedStamps + s.NoteStamps + s.IntangibleTax + s.TitlePremium + s.RecordingFees)
	return s
}

// fold builds a fresh Caser per call; Casers are not safe for concurrent use.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

func isMiamiDade(county string) bool {
	c := strings.NewReplacer(" ", "", "-", "", "_", "").Replace(fold(county))
	c = strings.TrimSuffix(c, "county")
	return c == "miamidade"
}

func finite(x float64) float64 {
	if !numeric.Finite(x) {
		return 0
	}
	return x
}
