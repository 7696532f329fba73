package receipt

import (
	"crypto/ed25519"
	"encoding/hex"
)

// VerifyResult is the outcome of Verify: Ok is true iff the receipt's
// signatures satisfy its threshold; otherwise Kind explains why not.
type VerifyResult struct {
	Ok             bool
	Kind           ErrKind
	ValidSignerSet []string // signer_addr of each signature that verified
}

// Verify validates every signature on r against resolver, enforcing the
// multi-sig threshold (default 1) per spec.md §4.1. It never mutates r.
func Verify(r *Receipt, resolver KeyResolver) VerifyResult {
	if r.ReceiptID == "" || r.Version == "" {
		return VerifyResult{Ok: false, Kind: ErrBadJSON}
	}
	digest, err := SignBytes(r)
	if err != nil {
		return VerifyResult{Ok: false, Kind: ErrBadJSON}
	}

	threshold := r.Threshold
	if threshold <= 0 {
		threshold = 1
	}

	seen := map[string]bool{}
	var valid []string
	for _, sig := range r.Signatures {
		if sig.Alg != AlgEd25519 {
			return VerifyResult{Ok: false, Kind: ErrBadAlg}
		}
		pub, ok := resolver.ResolveKey(sig.SignerAddr, sig.KeyID)
		if !ok {
			return VerifyResult{Ok: false, Kind: ErrKeyUnknown}
		}
		raw, err := hex.DecodeString(sig.Sig)
		if err != nil {
			return VerifyResult{Ok: false, Kind: ErrBadSig}
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), digest, raw) {
			continue // a bad signature among several is tolerated below threshold
		}
		if !seen[sig.SignerAddr] {
			seen[sig.SignerAddr] = true
			valid = append(valid, sig.SignerAddr)
		}
	}

	if len(valid) < threshold {
		return VerifyResult{Ok: false, Kind: ErrUnderThresh, ValidSignerSet: valid}
	}
	return VerifyResult{Ok: true, Kind: ErrNone, ValidSignerSet: valid}
}
