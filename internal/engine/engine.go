// Package engine runs one deal through underwriting, valuation, and the
// optional double-close comparison, then records the run. Identical
// requests are computed at most once per fingerprint.
package engine

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/underwrite-cli/internal/config"
	"github.com/sells-group/underwrite-cli/internal/cost"
	"github.com/sells-group/underwrite-cli/internal/model"
	"github.com/sells-group/underwrite-cli/internal/policy"
	"github.com/sells-group/underwrite-cli/internal/runrecord"
	"github.com/sells-group/underwrite-cli/internal/store"
	"github.com/sells-group/underwrite-cli/internal/underwrite"
	"github.com/sells-group/underwrite-cli/internal/valuation"
)

// Request is one evaluation. Only Deal is required.
type Request struct {
	OrgID       string                 `json:"org_id,omitempty"`
	Posture     string                 `json:"posture,omitempty"`
	Deal        model.Deal             `json:"deal"`
	Sandbox     *policy.Tokens         `json:"sandbox,omitempty"`
	Valuation   *ValuationRequest      `json:"valuation,omitempty"`
	DoubleClose *cost.DoubleCloseInput `json:"double_close,omitempty"`
	Meta        map[string]any         `json:"meta,omitempty"`
}

// ValuationRequest carries the comp, listing, and AVM inputs for the
// valuation stages. CompEstimate and CompCount are derived from Comps when
// omitted.
type ValuationRequest struct {
	Comps           []model.Comp       `json:"comps,omitempty"`
	Listings        []model.Comp       `json:"active_listings,omitempty"`
	CompEstimate    *float64           `json:"comp_estimate,omitempty"`
	CompCount       *int               `json:"comp_count,omitempty"`
	ClosedCompCount *int               `json:"closed_comp_count,omitempty"`
	CompKindUsed    string             `json:"comp_kind_used,omitempty"`
	AVMEstimate     *float64           `json:"avm_estimate,omitempty"`
	AVMRange        *valuation.Range   `json:"avm_range,omitempty"`
	AsOfPeriod      string             `json:"as_of_period,omitempty"`
	MarketIndex     map[string]float64 `json:"market_index,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
}

// Outputs is everything a run computed.
type Outputs struct {
	Underwrite  underwrite.Result       `json:"underwrite"`
	Valuation   *ValuationOutputs       `json:"valuation,omitempty"`
	DoubleClose *cost.DoubleCloseResult `json:"double_close,omitempty"`
}

// ValuationOutputs groups the three valuation stage results.
type ValuationOutputs struct {
	Ensemble    valuation.EnsembleResult    `json:"ensemble"`
	Uncertainty valuation.UncertaintyResult `json:"uncertainty"`
	Confidence  valuation.ConfidenceResult  `json:"confidence"`
}

// TraceEntry records one executed stage and the notes it raised.
type TraceEntry struct {
	Stage string   `json:"stage"`
	Notes []string `json:"notes,omitempty"`
}

// Evaluation is the result of Evaluate.
type Evaluation struct {
	RunID   string                 `json:"run_id,omitempty"`
	Created bool                   `json:"created"`
	Cached  bool                   `json:"cached"`
	Outputs Outputs                `json:"outputs"`
	Trace   []TraceEntry           `json:"trace"`
	Row     runrecord.RunRowInsert `json:"run"`
}

// DefaultMemoSize bounds the evaluation memo when engine.memo_size is 0.
const DefaultMemoSize = 1024

// Engine evaluates deals against a policy document. It is safe for
// concurrent use.
type Engine struct {
	orgID   string
	posture string
	persist bool
	alg     runrecord.Algorithm
	doc     *policy.Document
	store   store.Store
	calc    *cost.Calculator

	group singleflight.Group
	memo  *lru.Cache[string, *Evaluation] // nil when disabled
}

// New creates an Engine. doc and st may be nil: without a document every
// token falls back to its default, and without a store runs are not
// persisted.
func New(cfg *config.Config, doc *policy.Document, st store.Store) (*Engine, error) {
	alg, err := runrecord.ParseAlgorithm(cfg.Engine.HashAlgorithm)
	if err != nil {
		return nil, eris.Wrap(err, "engine: hash algorithm")
	}
	if doc != nil {
		for _, name := range doc.PostureNames() {
			if err := policy.Validate(doc.Postures[name]); err != nil {
				return nil, eris.Wrapf(err, "engine: posture %s", name)
			}
		}
	}
	e := &Engine{
		orgID:   cfg.Engine.OrgID,
		posture: cfg.Policy.Posture,
		persist: cfg.Engine.Persist && st != nil,
		alg:     alg,
		doc:     doc,
		store:   st,
		calc:    cost.NewCalculator(cfg.Closing.Rates),
	}

	// A negative size disables the memo; singleflight and the store's
	// fingerprint dedupe still apply.
	size := cfg.Engine.MemoSize
	if size == 0 {
		size = DefaultMemoSize
	}
	if size > 0 {
		memo, err := lru.New[string, *Evaluation](size)
		if err != nil {
			return nil, eris.Wrap(err, "engine: memo")
		}
		e.memo = memo
	}
	return e, nil
}

// Calculator returns the engine's closing-cost calculator.
func (e *Engine) Calculator() *cost.Calculator {
	return e.calc
}

// Policy returns the named posture, or the configured default when name is
// empty. Without a document it returns an empty policy for that posture.
func (e *Engine) Policy(name string) (policy.Policy, bool, error) {
	if name == "" {
		name = e.posture
	}
	if e.doc == nil {
		if name == "" {
			name = "base"
		}
		return policy.Policy{Posture: name}, false, nil
	}
	if name == "" {
		name = e.doc.DefaultPosture
	}
	p, err := e.doc.Select(name)
	if err != nil {
		return policy.Policy{}, false, err
	}
	return p, true, nil
}

// Evaluate runs every requested stage for req, records the run, and
// returns it. A request whose fingerprint was already evaluated returns
// the earlier evaluation with Cached set.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Evaluation, error) {
	pol, fromDoc, err := e.Policy(req.Posture)
	if err != nil {
		return nil, eris.Wrap(err, "engine: select policy")
	}
	orgID := req.OrgID
	if orgID == "" {
		orgID = e.orgID
	}

	in := runrecord.RunInput{
		OrgID:     orgID,
		DealID:    req.Deal.ID,
		Posture:   pol.Posture,
		Deal:      req.Deal,
		InputMeta: e.inputMeta(req),
		Algorithm: e.alg,
	}
	if req.Sandbox != nil && !req.Sandbox.IsZero() {
		in.Sandbox = req.Sandbox
	}
	if fromDoc {
		in.PolicySnapshot = pol
	}

	fp, err := runrecord.InputFingerprint(in)
	if err != nil {
		return nil, eris.Wrap(err, "engine: fingerprint")
	}
	key := orgID + "|" + pol.Posture + "|" + fp

	if cached := e.lookup(key); cached != nil {
		return cached, nil
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		if cached := e.lookup(key); cached != nil {
			return cached, nil
		}
		ev, err := e.evaluate(ctx, req, pol, in)
		if err != nil {
			return nil, err
		}
		if e.memo != nil {
			e.memo.Add(key, ev)
		}
		return ev, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Evaluation), nil
}

// inputMeta folds the valuation and double-close inputs into the envelope
// meta so they are part of the input hash. A double close also carries the
// rate schedule it is priced with.
func (e *Engine) inputMeta(req Request) map[string]any {
	meta := make(map[string]any, len(req.Meta)+3)
	for k, v := range req.Meta {
		meta[k] = v
	}
	if req.Valuation != nil {
		meta["valuation"] = req.Valuation
	}
	if req.DoubleClose != nil {
		meta["double_close"] = req.DoubleClose
		meta["closing_rates"] = e.calc.Rates()
	}
	return meta
}

func (e *Engine) lookup(key string) *Evaluation {
	if e.memo == nil {
		return nil
	}
	ev, ok := e.memo.Get(key)
	if !ok {
		return nil
	}
	hit := *ev
	hit.Cached = true
	hit.Created = false
	return &hit
}

func (e *Engine) evaluate(ctx context.Context, req Request, pol policy.Policy, in runrecord.RunInput) (*Evaluation, error) {
	log := zap.L().With(
		zap.String("deal_id", req.Deal.ID),
		zap.String("org_id", in.OrgID),
		zap.String("posture", pol.Posture),
	)

	outputs, trace := e.Compute(req, pol)

	in.Outputs = outputs
	in.Trace = trace
	row, err := runrecord.BuildRunRow(in)
	if err != nil {
		return nil, eris.Wrap(err, "engine: build run row")
	}

	ev := &Evaluation{Outputs: outputs, Trace: trace, Row: row}

	if e.persist {
		run, created, err := e.store.SaveRun(ctx, row)
		if err != nil {
			return nil, eris.Wrapf(err, "engine: save run for deal %s", req.Deal.ID)
		}
		ev.RunID = run.ID
		ev.Created = created
	}

	log.Info("engine: evaluated deal",
		zap.String("input_hash", row.InputHash),
		zap.String("output_hash", row.OutputHash),
		zap.String("run_id", ev.RunID),
		zap.Bool("created", ev.Created),
	)
	return ev, nil
}

// Compute runs the stages without hashing or persisting. Sandbox tokens
// overlay the posture's tokens.
func (e *Engine) Compute(req Request, pol policy.Policy) (Outputs, []TraceEntry) {
	tokens := pol.Tokens
	if req.Sandbox != nil {
		tokens = policy.Merge(tokens, *req.Sandbox)
	}

	var out Outputs
	var trace []TraceEntry

	out.Underwrite = underwrite.Run(req.Deal, tokens)
	trace = append(trace,
		TraceEntry{Stage: "dtm"},
		TraceEntry{Stage: "carry"},
		TraceEntry{Stage: "respect_floor", Notes: out.Underwrite.Floor.Notes},
		TraceEntry{Stage: "buyer_ceiling", Notes: out.Underwrite.Ceiling.Notes},
		TraceEntry{Stage: "headlines", Notes: out.Underwrite.Headlines.Notes},
	)

	if req.Valuation != nil {
		v := Valuate(*req.Valuation, pol.Valuation)
		out.Valuation = &v
		trace = append(trace,
			TraceEntry{Stage: "ensemble", Notes: v.Ensemble.Notes},
			TraceEntry{Stage: "uncertainty", Notes: v.Uncertainty.Notes},
			TraceEntry{Stage: "confidence", Notes: v.Confidence.Reasons},
		)
	}

	if req.DoubleClose != nil {
		dc := e.calc.DoubleClose(*req.DoubleClose)
		out.DoubleClose = &dc
		trace = append(trace, TraceEntry{Stage: "double_close", Notes: []string{dc.Comparison}})
	}

	return out, trace
}
