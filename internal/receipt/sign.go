package receipt

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/pkg/errors"
)

const AlgEd25519 = "ed25519"

// Sign produces an Ed25519 signature over SignBytes(r) and appends it to
// r.Signatures in place, returning the new Signature entry as well.
func Sign(r *Receipt, signerAddr, keyID string, priv ed25519.PrivateKey) (Signature, error) {
	digest, err := SignBytes(r)
	if err != nil {
		return Signature{}, errors.Wrap(err, "sign: canonicalize")
	}
	sig := ed25519.Sign(priv, digest)
	entry := Signature{
		SignerAddr: signerAddr,
		Alg:        AlgEd25519,
		KeyID:      keyID,
		Sig:        hex.EncodeToString(sig),
	}
	r.Signatures = append(r.Signatures, entry)
	return entry, nil
}

// GenerateKey is a thin wrapper kept alongside Sign so callers never reach
// for crypto/ed25519 directly and risk mismatched key/seed handling.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}
