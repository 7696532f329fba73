// Package receipt implements C1: canonical serialization, Ed25519
// sign/verify, and the optional ZK-proof attestation hook for
// ComputeReceipts (spec.md §3.1, §4.1).
package receipt

// Version is the only receipt schema version this implementation emits.
const Version = "1.0"

// Signature is one entry in a (possibly multi-sig) receipt's signature list.
type Signature struct {
	SignerAddr string `json:"signer_addr"`
	Alg        string `json:"alg"`
	KeyID      string `json:"key_id"`
	Sig        string `json:"sig"` // hex-encoded
}

// ZKProof is the optional metadata.zk_proof attestation payload.
type ZKProof struct {
	System        string `json:"system"` // groth16 | plonk | stark
	VerifyingKey  string `json:"verifying_key"`
	Proof         string `json:"proof"`
	PublicInputs  string `json:"public_inputs,omitempty"`
	MerkleAnchor  string `json:"merkle_anchor,omitempty"`
}

// Receipt is the canonical, signed attestation that a miner delivered a
// job (spec.md §3.1). Field order here is the wire order; canonical.go
// re-derives a lexicographically-ordered projection for signing.
type Receipt struct {
	Version      string                 `json:"version"`
	ReceiptID    string                 `json:"receipt_id"`
	JobID        string                 `json:"job_id"`
	ClientAddr   string                 `json:"client_addr"`
	MinerAddr    string                 `json:"miner_addr"`
	ComputeUnits uint64                 `json:"compute_units"`
	Price        uint64                 `json:"price"`
	OutputHash   string                 `json:"output_hash"` // hex sha256
	StartedAt    int64                  `json:"started_at"`  // unix seconds
	CompletedAt  int64                  `json:"completed_at"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Threshold    int                    `json:"threshold,omitempty"`
	Signatures   []Signature            `json:"signatures,omitempty"`
}

// ErrKind enumerates verify() failure categories (spec.md §4.1).
type ErrKind string

const (
	ErrNone          ErrKind = ""
	ErrBadJSON       ErrKind = "BAD_JSON"
	ErrBadAlg        ErrKind = "BAD_ALG"
	ErrBadSig        ErrKind = "BAD_SIG"
	ErrUnderThresh   ErrKind = "UNDER_THRESHOLD"
	ErrKeyUnknown    ErrKind = "KEY_UNKNOWN"
)

// KeyResolver maps a (signer_addr, key_id) pair to the public key bytes
// that should verify its signature. The chain node, coordinator and SDKs
// each supply their own resolver (e.g. backed by the Account store).
type KeyResolver interface {
	ResolveKey(signerAddr, keyID string) (pubKey []byte, ok bool)
}
