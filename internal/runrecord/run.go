package runrecord

import (
	"encoding/json"
)

// InputEnvelope is everything that determined a run's outputs.
type InputEnvelope struct {
	DealID  string         `json:"dealId"`
	Posture string         `json:"posture"`
	Deal    any            `json:"deal"`
	Sandbox any            `json:"sandbox"`
	Meta    map[string]any `json:"meta"`
}

// OutputEnvelope is what a run produced.
type OutputEnvelope struct {
	Trace   any            `json:"trace"`
	Outputs any            `json:"outputs"`
	Meta    map[string]any `json:"meta"`
}

// RunInput is the raw material for BuildRunRow.
type RunInput struct {
	OrgID          string
	DealID         string
	Posture        string
	Deal           any
	Sandbox        any
	InputMeta      map[string]any
	Outputs        any
	Trace          any
	OutputMeta     map[string]any
	PolicySnapshot any
	Algorithm      Algorithm
}

// RunRowInsert is the persistence-ready run record. Its column set is the
// stable contract with the run store.
type RunRowInsert struct {
	OrgID          string          `json:"org_id"`
	Posture        string          `json:"posture"`
	DealID         string          `json:"deal_id"`
	Input          json.RawMessage `json:"input"`
	Output         json.RawMessage `json:"output"`
	Trace          json.RawMessage `json:"trace"`
	PolicySnapshot json.RawMessage `json:"policy_snapshot"`
	InputHash      string          `json:"input_hash"`
	OutputHash     string          `json:"output_hash"`
	PolicyHash     *string         `json:"policy_hash"`
}

// Fingerprint identifies a run for at-most-once caching: the input hash
// joined with the policy hash.
func (r RunRowInsert) Fingerprint() string {
	if r.PolicyHash == nil {
		return r.InputHash + ":"
	}
	return r.InputHash + ":" + *r.PolicyHash
}

// BuildRunRow assembles the input and output envelopes, canonicalizes them
// and the policy snapshot, and hashes each. policy_hash is nil when there is
// no snapshot.
func BuildRunRow(in RunInput) (RunRowInsert, error) {
	input, err := canonicalInput(in)
	if err != nil {
		return RunRowInsert{}, err
	}
	output, err := CanonicalJSON(OutputEnvelope{
		Trace:   in.Trace,
		Outputs: in.Outputs,
		Meta:    orEmpty(in.OutputMeta),
	})
	if err != nil {
		return RunRowInsert{}, err
	}
	trace, err := CanonicalJSON(in.Trace)
	if err != nil {
		return RunRowInsert{}, err
	}
	snapshot, err := canonicalSnapshot(in)
	if err != nil {
		return RunRowInsert{}, err
	}

	row := RunRowInsert{
		OrgID:      in.OrgID,
		Posture:    in.Posture,
		DealID:     in.DealID,
		Input:      input,
		Output:     output,
		Trace:      trace,
		InputHash:  hashBytes(in.Algorithm, input),
		OutputHash: hashBytes(in.Algorithm, output),
	}
	if snapshot != nil {
		row.PolicySnapshot = snapshot
		h := hashBytes(in.Algorithm, snapshot)
		row.PolicyHash = &h
	}
	return row, nil
}

// InputFingerprint returns the fingerprint BuildRunRow would produce for in
// without touching its outputs, so callers can look up a cached run before
// computing one.
func InputFingerprint(in RunInput) (string, error) {
	input, err := canonicalInput(in)
	if err != nil {
		return "", err
	}
	snapshot, err := canonicalSnapshot(in)
	if err != nil {
		return "", err
	}
	fp := hashBytes(in.Algorithm, input) + ":"
	if snapshot != nil {
		fp += hashBytes(in.Algorithm, snapshot)
	}
	return fp, nil
}

func canonicalInput(in RunInput) ([]byte, error) {
	return CanonicalJSON(InputEnvelope{
		DealID:  in.DealID,
		Posture: in.Posture,
		Deal:    in.Deal,
		Sandbox: in.Sandbox,
		Meta:    orEmpty(in.InputMeta),
	})
}

// canonicalSnapshot returns nil when there is no snapshot.
func canonicalSnapshot(in RunInput) ([]byte, error) {
	if in.PolicySnapshot == nil {
		return nil, nil
	}
	snapshot, err := CanonicalJSON(in.PolicySnapshot)
	if err != nil {
		return nil, err
	}
	if string(snapshot) == "null" {
		return nil, nil
	}
	return snapshot, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
