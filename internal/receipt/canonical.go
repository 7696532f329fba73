package receipt

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
)

// canonicalForm is the signing projection of a Receipt: every field except
// `signatures`, with JSON keys emitted in lexicographic order (spec.md
// §4.1's canonicalize contract). encoding/json already sorts map keys when
// marshaling a Go map, which is how `metadata`'s nested keys get their
// deterministic order for free; the top-level field order below is fixed
// by struct declaration order, chosen to already be lexicographic so no
// post-processing is needed.
type canonicalForm struct {
	ClientAddr   string                 `json:"client_addr"`
	CompletedAt  int64                  `json:"completed_at"`
	ComputeUnits uint64                 `json:"compute_units"`
	JobID        string                 `json:"job_id"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	MinerAddr    string                 `json:"miner_addr"`
	OutputHash   string                 `json:"output_hash"`
	Price        uint64                 `json:"price"`
	ReceiptID    string                 `json:"receipt_id"`
	StartedAt    int64                  `json:"started_at"`
	Threshold    int                    `json:"threshold,omitempty"`
	Version      string                 `json:"version"`
}

func toCanonicalForm(r *Receipt) canonicalForm {
	return canonicalForm{
		ClientAddr:   r.ClientAddr,
		CompletedAt:  r.CompletedAt,
		ComputeUnits: r.ComputeUnits,
		JobID:        r.JobID,
		Metadata:     r.Metadata,
		MinerAddr:    r.MinerAddr,
		OutputHash:   r.OutputHash,
		Price:        r.Price,
		ReceiptID:    r.ReceiptID,
		StartedAt:    r.StartedAt,
		Threshold:    r.Threshold,
		Version:      r.Version,
	}
}

// Canonicalize produces the deterministic, compact (no insignificant
// whitespace) byte representation of r used both as the SDK-portable wire
// contract and as input to the signing hash.
func Canonicalize(r *Receipt) ([]byte, error) {
	cf := toCanonicalForm(r)
	buf, err := json.Marshal(cf)
	if err != nil {
		return nil, err
	}
	// json.Marshal already emits compact output with sorted map keys; the
	// Compact pass below is defensive against any future encoder that adds
	// indentation by default.
	var out bytes.Buffer
	if err := json.Compact(&out, buf); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// SignBytes returns sha256(canonical(r)), the digest that gets Ed25519-signed.
func SignBytes(r *Receipt) ([]byte, error) {
	c, err := Canonicalize(r)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(c)
	return h[:], nil
}
