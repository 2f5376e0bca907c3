package model

import (
	"encoding/json"
	"time"
)

// Run is a persisted computation run record.
type Run struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"org_id"`
	Posture        string          `json:"posture"`
	DealID         string          `json:"deal_id"`
	Input          json.RawMessage `json:"input"`
	Output         json.RawMessage `json:"output"`
	Trace          json.RawMessage `json:"trace,omitempty"`
	PolicySnapshot json.RawMessage `json:"policy_snapshot,omitempty"`
	InputHash      string          `json:"input_hash"`
	OutputHash     string          `json:"output_hash"`
	PolicyHash     *string         `json:"policy_hash"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Fingerprint is the dedupe key of the run: input hash joined with policy
// hash.
func (r Run) Fingerprint() string {
	if r.PolicyHash == nil {
		return r.InputHash + ":"
	}
	return r.InputHash + ":" + *r.PolicyHash
}
