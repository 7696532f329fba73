package receipt

import (
	"encoding/json"
	"fmt"
)

// ZKVerifier runs the declared proof system against a stated verifying key.
// Concrete Groth16/PLONK/STARK backends are registered at startup (spec.md
// §4.1, §9's "strategy interfaces registered at startup; no runtime code
// load") through RegisterZKVerifier; StubZKVerifier is the devnet stub.
type ZKVerifier interface {
	System() string
	Verify(proof ZKProof, signBytes []byte) error
}

var registry = map[string]ZKVerifier{}

// RegisterZKVerifier installs a verifier under its System() name. None of
// the shipped binaries calls it, so in them VerifyZKProof rejects every
// receipt that carries a zk_proof with an unknown proof system error.
func RegisterZKVerifier(v ZKVerifier) {
	registry[v.System()] = v
}

// VerifyZKProof runs the proof declared in r.Metadata["zk_proof"], if any.
// Absence of a zk_proof is not an error — it simply means the job did not
// request privacy (spec.md §4.3's submit_result note).
func VerifyZKProof(r *Receipt) error {
	raw, ok := r.Metadata["zk_proof"]
	if !ok || raw == nil {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("zk_proof metadata not serializable: %w", err)
	}
	var proof ZKProof
	if err := json.Unmarshal(buf, &proof); err != nil {
		return fmt.Errorf("zk_proof metadata malformed: %w", err)
	}
	v, ok := registry[proof.System]
	if !ok {
		return fmt.Errorf("zk_proof: unknown proof system %q", proof.System)
	}
	digest, err := SignBytes(r)
	if err != nil {
		return err
	}
	if err := v.Verify(proof, digest); err != nil {
		return fmt.Errorf("zk_proof: verification failed: %w", err)
	}
	return nil
}

// StubZKVerifier is the devnet-only verifier: it accepts any proof whose
// bytes are non-empty. Production deployments register a real Groth16 /
// PLONK / STARK backend instead; spec.md §9 open question 3 leaves the
// real backend's semantics to an external bridge.
type StubZKVerifier struct{ SystemName string }

func (s StubZKVerifier) System() string { return s.SystemName }

func (s StubZKVerifier) Verify(proof ZKProof, _ []byte) error {
	if proof.Proof == "" || proof.VerifyingKey == "" {
		return fmt.Errorf("empty proof or verifying key")
	}
	return nil
}
