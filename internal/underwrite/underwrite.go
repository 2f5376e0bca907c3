// Package underwrite implements the five-stage deterministic underwriting
// pipeline: days-to-money, carry, respect floor, buyer ceiling, and
// headlines. Every stage is total: invalid inputs default to 0 and
// unresolved values surface as nil plus a note.
package underwrite

import (
	"math"

	"github.com/sells-group/underwrite-cli/internal/model"
	"github.com/sells-group/underwrite-cli/internal/numeric"
	"github.com/sells-group/underwrite-cli/internal/policy"
)

// DTM method labels.
const (
	DTMMethodManual  = "manual"
	DTMMethodDOMAdd  = "dom+add"
	DTMMethodUnknown = "unknown"
)

// DTMResult is the days-to-money stage output.
type DTMResult struct {
	Days       float64       `json:"days"`
	Method     string        `json:"method"`
	Candidates DTMCandidates `json:"candidates"`
}

// DTMCandidates are the two day counts considered.
type DTMCandidates struct {
	DOMBased *float64 `json:"dom_based"`
	Manual   *float64 `json:"manual"`
}

// CarryResult is the carry stage output.
type CarryResult struct {
	AmountMonthly float64 `json:"amount_monthly"`
	MonthsRaw     float64 `json:"months_raw"`
	MonthCap      float64 `json:"month_cap"`
	CappedMonths  float64 `json:"capped_months"`
	Total         float64 `json:"total"`
}

// FloorResult is the respect-floor stage output.
type FloorResult struct {
	Enabled              bool     `json:"enabled"`
	PayoffPlusEssentials float64  `json:"payoff_plus_essentials"`
	Essentials           float64  `json:"essentials"`
	InvestorP20          *float64 `json:"investor_p20"`
	InvestorTypical      *float64 `json:"investor_typical"`
	PerDiemAccrual       *float64 `json:"per_diem_accrual"`
	Operational          *float64 `json:"operational"`
	OperationalSource    string   `json:"operational_source,omitempty"`
	Notes                []string `json:"notes,omitempty"`
}

// CeilingCandidate is one buyer strategy's maximum offer.
type CeilingCandidate struct {
	Label    string   `json:"label"`
	Value    *float64 `json:"value"`
	Eligible bool     `json:"eligible"`
	Reason   string   `json:"reason,omitempty"`
}

// CeilingResult is the buyer-ceiling stage output.
type CeilingResult struct {
	Candidates  []CeilingCandidate `json:"candidates"`
	Chosen      *float64           `json:"chosen"`
	ChosenLabel string             `json:"chosen_label,omitempty"`
	Notes       []string           `json:"notes,omitempty"`
}

// Headlines are the caller-facing offer numbers.
type Headlines struct {
	InstantCashOffer *float64 `json:"instant_cash_offer"`
	NetToSeller      *float64 `json:"net_to_seller"`
	Notes            []string `json:"notes,omitempty"`
}

// Result is the complete pipeline output.
type Result struct {
	DTM        DTMResult       `json:"dtm"`
	Carry      CarryResult     `json:"carry"`
	Floor      FloorResult     `json:"floor"`
	Ceiling    CeilingResult   `json:"ceiling"`
	Headlines  Headlines       `json:"headlines"`
	Notes      []string        `json:"notes"`
	PolicyEcho policy.Resolved `json:"policy"`
}

// Run executes every stage in order against deal and the resolved tokens.
func Run(deal model.Deal, tokens policy.Tokens) Result {
	pol := policy.Resolve(tokens)

	dtm := ComputeDTM(deal, pol)
	carry := ComputeCarry(deal, dtm, pol)
	floor := ComputeRespectFloor(deal, dtm, pol)
	ceiling := ComputeBuyerCeiling(deal, pol)
	headlines := ComputeHeadlines(floor, ceiling)

	notes := make([]string, 0)
	notes = append(notes, floor.Notes...)
	notes = append(notes, ceiling.Notes...)
	notes = append(notes, headlines.Notes...)

	return Result{
		DTM:        dtm,
		Carry:      carry,
		Floor:      floor,
		Ceiling:    ceiling,
		Headlines:  headlines,
		Notes:      notes,
		PolicyEcho: pol,
	}
}

// ComputeDTM picks the days-to-money estimate. A valid manual count wins
// when it is no later than the DOM-based count, ties included.
func ComputeDTM(deal model.Deal, pol policy.Resolved) DTMResult {
	var domBased *float64
	if dom := numeric.Opt(deal.Market.DOMZip); dom != nil {
		domBased = numeric.Ptr(math.Round(*dom + pol.DefaultCashCloseAddDays))
	}
	manual := numeric.Positive(deal.Timeline.DaysToSaleManual)

	res := DTMResult{
		Candidates: DTMCandidates{DOMBased: domBased, Manual: manual},
	}

	switch {
	case manual != nil && (domBased == nil || *manual <= *domBased):
		res.Days = *manual
		res.Method = DTMMethodManual
	case domBased != nil:
		res.Days = *domBased
		res.Method = DTMMethodDOMAdd
	default:
		res.Days = 0
		res.Method = DTMMethodUnknown
	}
	return res
}

// ComputeCarry prices monthly holding costs over the capped DTM horizon.
func ComputeCarry(deal model.Deal, dtm DTMResult, pol policy.Resolved) CarryResult {
	m := deal.Costs.Monthly

	taxes := numeric.Num(m.Taxes)
	if pol.TaxesAnnual {
		taxes /= 12
	}
	insurance := numeric.Num(m.Insurance)
	if pol.InsuranceAnnual {
		insurance /= 12
	}
	monthly := numeric.Num(m.Utilities) + numeric.Num(m.HOA) + taxes + insurance

	monthsRaw := math.Max(dtm.Days, 0) / 30
	capped := math.Min(monthsRaw, pol.CarryMonthCap)

	return CarryResult{
		AmountMonthly: numeric.RoundCents(monthly),
		MonthsRaw:     monthsRaw,
		MonthCap:      pol.CarryMonthCap,
		CappedMonths:  capped,
		Total:         numeric.RoundCents(monthly * capped),
	}
}

// Respect-floor notes.
const (
	NoteInvestorDiscountsMissing = "investor floor discounts not configured; operational floor uses payoff + essentials only"
	NoteFloorDisabled            = "respect floor disabled by policy"
	NoteAIVMissingForFloor       = "AIV unavailable; investor floors skipped"
)

// ComputeRespectFloor derives the minimum price that still satisfies the
// seller's obligations.
func ComputeRespectFloor(deal model.Deal, dtm DTMResult, pol policy.Resolved) FloorResult {
	d := deal.Debt

	juniors := 0.0
	for _, j := range d.Juniors {
		juniors += numeric.Num(j.Amount)
	}
	essentials := numeric.Num(d.TaxArrears) + numeric.Num(d.HOAArrears) +
		numeric.Num(d.MunicipalFines) + numeric.Num(d.OtherEssentials)
	payoff := numeric.Num(d.SeniorPrincipal) + juniors + essentials

	res := FloorResult{
		Enabled:              pol.RespectFloorEnabled,
		PayoffPlusEssentials: numeric.RoundCents(payoff),
		Essentials:           numeric.RoundCents(essentials),
	}
	if perDiem := numeric.Positive(d.SeniorPerDiem); perDiem != nil {
		res.PerDiemAccrual = numeric.Ptr(numeric.RoundCents(*perDiem * dtm.Days))
	}

	if !pol.RespectFloorEnabled {
		res.Notes = append(res.Notes, NoteFloorDisabled)
		return res
	}

	aiv := numeric.Positive(deal.Market.AIV)
	switch {
	case pol.FloorInvestorAIVDiscountP20 == nil && pol.FloorInvestorAIVDiscountTypical == nil:
		res.Notes = append(res.Notes, NoteInvestorDiscountsMissing)
	case aiv == nil:
		res.Notes = append(res.Notes, NoteAIVMissingForFloor)
	default:
		if pct := pol.FloorInvestorAIVDiscountP20; pct != nil {
			res.InvestorP20 = numeric.Ptr(numeric.RoundCents(*aiv * (1 - *pct)))
		}
		if pct := pol.FloorInvestorAIVDiscountTypical; pct != nil {
			res.InvestorTypical = numeric.Ptr(numeric.RoundCents(*aiv * (1 - *pct)))
		}
	}

	payoffPtr := numeric.Ptr(res.PayoffPlusEssentials)
	if op, ok := numeric.MaxOf(payoffPtr, res.InvestorP20, res.InvestorTypical); ok {
		res.Operational = numeric.Ptr(op)
		switch {
		case res.InvestorTypical != nil && op == *res.InvestorTypical:
			res.OperationalSource = "investor_typical"
		case res.InvestorP20 != nil && op == *res.InvestorP20:
			res.OperationalSource = "investor_p20"
		default:
			res.OperationalSource = "payoff_plus_essentials"
		}
	}
	return res
}

// Buyer-ceiling candidate labels.
const (
	CeilingAIVCap    = "aiv_cap"
	CeilingFlip      = "flip"
	CeilingWholetail = "wholetail"
	CeilingBRRRR     = "brrrr"
)

// NoteAIVMissingForCeiling is emitted when no candidate could be priced.
const NoteAIVMissingForCeiling = "AIV unavailable; buyer ceiling unresolved"

// ComputeBuyerCeiling evaluates each buyer strategy and picks the highest
// eligible maximum offer. Only the AIV cap is priced today; the remaining
// strategies are listed as ineligible so the candidate shape stays stable.
func ComputeBuyerCeiling(deal model.Deal, pol policy.Resolved) CeilingResult {
	aivCap := CeilingCandidate{Label: CeilingAIVCap}
	if aiv := numeric.Positive(deal.Market.AIV); aiv != nil {
		aivCap.Value = numeric.Ptr(numeric.RoundCents(*aiv * pol.MAOAIVCapPct))
		aivCap.Eligible = true
	} else {
		aivCap.Reason = "aiv_missing"
	}

	res := CeilingResult{
		Candidates: []CeilingCandidate{
			aivCap,
			{Label: CeilingFlip, Reason: "strategy_not_configured"},
			{Label: CeilingWholetail, Reason: "strategy_not_configured"},
			{Label: CeilingBRRRR, Reason: "strategy_not_configured"},
		},
	}

	for _, c := range res.Candidates {
		if !c.Eligible || c.Value == nil {
			continue
		}
		if res.Chosen == nil || *c.Value > *res.Chosen {
			res.Chosen = numeric.Ptr(*c.Value)
			res.ChosenLabel = c.Label
		}
	}
	if res.Chosen == nil {
		res.Notes = append(res.Notes, NoteAIVMissingForCeiling)
	}
	return res
}

// NoteNetToSellerPlaceholder explains that net-to-seller mirrors the
// operational floor until a full net sheet is wired in.
const NoteNetToSellerPlaceholder = "net_to_seller mirrors the respect-floor operational value pending full net-sheet wiring"

// ComputeHeadlines surfaces the offer numbers shown to callers.
func ComputeHeadlines(floor FloorResult, ceiling CeilingResult) Headlines {
	h := Headlines{
		Notes: []string{NoteNetToSellerPlaceholder},
	}
	if ceiling.Chosen != nil {
		h.InstantCashOffer = numeric.Ptr(*ceiling.Chosen)
	}
	if floor.Operational != nil {
		h.NetToSeller = numeric.Ptr(*floor.Operational)
	}
	return h
}
