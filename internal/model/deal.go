package model

// Deal describes a property acquisition opportunity. It is policy
// independent and never mutated by the engine. Numeric fields are pointers
// so that "not supplied" stays distinguishable from zero.
type Deal struct {
	ID         string         `json:"id,omitempty" yaml:"id"`
	Market     Market         `json:"market" yaml:"market"`
	Costs      Costs          `json:"costs" yaml:"costs"`
	Debt       Debt           `json:"debt" yaml:"debt"`
	Timeline   Timeline       `json:"timeline" yaml:"timeline"`
	Property   Property       `json:"property" yaml:"property"`
	Status     DealStatus     `json:"status" yaml:"status"`
	Confidence DealConfidence `json:"confidence" yaml:"confidence"`
}

// Market holds valuation and absorption inputs.
type Market struct {
	AIV              *float64 `json:"aiv,omitempty" yaml:"aiv"`
	ARV              *float64 `json:"arv,omitempty" yaml:"arv"`
	DOMZip           *float64 `json:"dom_zip,omitempty" yaml:"dom_zip"`
	ListToPriceRatio *float64 `json:"list_to_price_ratio,omitempty" yaml:"list_to_price_ratio"`
}

// Costs holds repair, carry, and selling cost inputs.
type Costs struct {
	RepairsBase    *float64     `json:"repairs_base,omitempty" yaml:"repairs_base"`
	ContingencyPct *float64     `json:"contingency_pct,omitempty" yaml:"contingency_pct"`
	Monthly        MonthlyCosts `json:"monthly" yaml:"monthly"`
	SellClosePct   *float64     `json:"sell_close_pct,omitempty" yaml:"sell_close_pct"`
	ConcessionsPct *float64     `json:"concessions_pct,omitempty" yaml:"concessions_pct"`
}

// MonthlyCosts are the carry components. Taxes and insurance may be
// annual amounts; the policy decides how they are read.
type MonthlyCosts struct {
	Taxes     *float64 `json:"taxes,omitempty" yaml:"taxes"`
	Insurance *float64 `json:"insurance,omitempty" yaml:"insurance"`
	HOA       *float64 `json:"hoa,omitempty" yaml:"hoa"`
	Utilities *float64 `json:"utilities,omitempty" yaml:"utilities"`
}

// Debt holds lien and arrears inputs.
type Debt struct {
	SeniorPrincipal *float64     `json:"senior_principal,omitempty" yaml:"senior_principal"`
	SeniorPerDiem   *float64     `json:"senior_per_diem,omitempty" yaml:"senior_per_diem"`
	Juniors         []JuniorLien `json:"juniors,omitempty" yaml:"juniors"`
	TaxArrears      *float64     `json:"tax_arrears,omitempty" yaml:"tax_arrears"`
	HOAArrears      *float64     `json:"hoa_arrears,omitempty" yaml:"hoa_arrears"`
	MunicipalFines  *float64     `json:"municipal_fines,omitempty" yaml:"municipal_fines"`
	OtherEssentials *float64     `json:"other_essentials,omitempty" yaml:"other_essentials"`
}

// JuniorLien is a subordinate lien balance.
type JuniorLien struct {
	Label  string   `json:"label,omitempty" yaml:"label"`
	Amount *float64 `json:"amount,omitempty" yaml:"amount"`
}

// Timeline holds scheduling inputs.
type Timeline struct {
	DaysToSaleManual *float64 `json:"days_to_sale_manual,omitempty" yaml:"days_to_sale_manual"`
	AuctionDate      string   `json:"auction_date,omitempty" yaml:"auction_date"`
}

// Property describes the physical asset.
type Property struct {
	Type   string   `json:"type,omitempty" yaml:"type"`
	County string   `json:"county,omitempty" yaml:"county"`
	State  string   `json:"state,omitempty" yaml:"state"`
	Zip    string   `json:"zip,omitempty" yaml:"zip"`
	Beds   *int     `json:"beds,omitempty" yaml:"beds"`
	Baths  *float64 `json:"baths,omitempty" yaml:"baths"`
	SqFt   *float64 `json:"sqft,omitempty" yaml:"sqft"`
}

// DealStatus holds boolean condition flags.
type DealStatus struct {
	InsuranceBindable *bool `json:"insurance_bindable,omitempty" yaml:"insurance_bindable"`
	Occupied          *bool `json:"occupied,omitempty" yaml:"occupied"`
	MajorSystemFail   *bool `json:"major_system_failure,omitempty" yaml:"major_system_failure"`
	FloodZone         *bool `json:"flood_zone,omitempty" yaml:"flood_zone"`
}

// DealConfidence holds analyst-assigned confidence flags.
type DealConfidence struct {
	Motivation   string `json:"motivation,omitempty" yaml:"motivation"`
	Title        string `json:"title,omitempty" yaml:"title"`
	PayoffLetter bool   `json:"payoff_letter,omitempty" yaml:"payoff_letter"`
}
