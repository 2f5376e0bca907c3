package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Document is a versioned policy file holding one Policy per posture.
type Document struct {
	Version        string            `yaml:"version"`
	DefaultPosture string            `yaml:"default_posture"`
	Postures       map[string]Policy `yaml:"postures"`
}

// LoadFile reads a policy document from a YAML file.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "policy: read %s", path)
	}
	return Parse(data)
}

// Parse decodes a YAML policy document. The document version and posture
// name are copied into each Policy so snapshots are self-describing.
func Parse(data []byte) (*Document, error) {
	// The YAML has a top-level "policy" key
	var wrapper struct {
		Policy Document `yaml:"policy"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "policy: parse document")
	}

	doc := &wrapper.Policy
	if len(doc.Postures) == 0 {
		return nil, eris.New("policy: document has no postures")
	}
	for name, p := range doc.Postures {
		if p.Version == "" {
			p.Version = doc.Version
		}
		p.Posture = name
		doc.Postures[name] = p
	}
	if doc.DefaultPosture == "" {
		doc.DefaultPosture = "base"
	}
	return doc, nil
}

// Select returns the named posture, or the default posture when name is
// empty.
func (d *Document) Select(name string) (Policy, error) {
	if name == "" {
		name = d.DefaultPosture
	}
	p, ok := d.Postures[name]
	if !ok {
		return Policy{}, eris.Errorf("policy: unknown posture %q (have %s)", name, strings.Join(d.PostureNames(), ", "))
	}
	return p, nil
}

// PostureNames returns the available posture names, sorted.
func (d *Document) PostureNames() []string {
	names := make([]string, 0, len(d.Postures))
	for name := range d.Postures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that a Policy is internally consistent. The engine
// itself tolerates any policy; this is for operators editing documents.
func Validate(p Policy) error {
	var errs []string

	nonNeg := map[string]*float64{
		"default_cash_close_add_days": p.Tokens.DefaultCashCloseAddDays,
		"carry_month_cap":             p.Tokens.CarryMonthCap,
		"mao_aiv_cap_pct":             p.Tokens.MAOAIVCapPct,
		"commission_pct":              p.Tokens.CommissionPct,
	}
	for name, v := range nonNeg {
		if v != nil && *v < 0 {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", name))
		}
	}

	unit := map[string]*float64{
		"floor_investor_aiv_discount_p20":     p.Tokens.FloorInvestorAIVDiscountP20,
		"floor_investor_aiv_discount_typical": p.Tokens.FloorInvestorAIVDiscountTypical,
		"ensemble.max_avm_weight":             p.Valuation.Ensemble.MaxAVMWeight,
		"uncertainty.p_low":                   p.Valuation.Uncertainty.PLow,
		"uncertainty.p_high":                  p.Valuation.Uncertainty.PHigh,
		"uncertainty.floor_pct":               p.Valuation.Uncertainty.FloorPct,
	}
	for name, v := range unit {
		if v != nil && (*v < 0 || *v > 1) {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 1", name))
		}
	}

	u := p.Valuation.Uncertainty
	if u.PLow != nil && u.PHigh != nil && *u.PLow > *u.PHigh {
		errs = append(errs, "uncertainty.p_low must be <= p_high")
	}

	w := p.Valuation.Ensemble.Weights
	if w.Comps != nil && *w.Comps < 0 {
		errs = append(errs, "ensemble.weights.comps must be >= 0")
	}
	if w.AVM != nil && *w.AVM < 0 {
		errs = append(errs, "ensemble.weights.avm must be >= 0")
	}

	if c := p.Valuation.Ensemble.Ceiling; c.Enabled && c.Method != "" && c.Method != CeilingMethodP75ActiveListings {
		errs = append(errs, fmt.Sprintf("ensemble.ceiling.method %q is not supported", c.Method))
	}

	for grade := range p.Valuation.Confidence.Rubric {
		if grade != "A" && grade != "B" && grade != "C" {
			errs = append(errs, fmt.Sprintf("confidence.rubric grade %q must be A, B, or C", grade))
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return eris.Errorf("policy: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CeilingMethodP75ActiveListings caps the ensemble value at a premium over
// the 75th percentile of active listing prices.
const CeilingMethodP75ActiveListings = "p75_active_listings"
