package receipt

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type mapResolver map[string]ed25519.PublicKey

func (m mapResolver) ResolveKey(signerAddr, keyID string) ([]byte, bool) {
	k, ok := m[signerAddr+"/"+keyID]
	return k, ok
}

func freshReceipt() *Receipt {
	return &Receipt{
		Version:      Version,
		ReceiptID:    "r-1",
		JobID:        "j-1",
		ClientAddr:   "client-a",
		MinerAddr:    "miner-b",
		ComputeUnits: 1000,
		Price:        80,
		OutputHash:   "deadbeef",
		StartedAt:    100,
		CompletedAt:  200,
		Metadata:     map[string]interface{}{"model": "llama3", "tokens": float64(1000)},
	}
}

func TestCanonicalizeRoundTrip(t *testing.T) {
	r := freshReceipt()
	c1, err := Canonicalize(r)
	require.NoError(t, err)

	var decoded canonicalForm
	require.NoError(t, json.Unmarshal(c1, &decoded))

	r2 := &Receipt{
		Version: decoded.Version, ReceiptID: decoded.ReceiptID, JobID: decoded.JobID,
		ClientAddr: decoded.ClientAddr, MinerAddr: decoded.MinerAddr,
		ComputeUnits: decoded.ComputeUnits, Price: decoded.Price, OutputHash: decoded.OutputHash,
		StartedAt: decoded.StartedAt, CompletedAt: decoded.CompletedAt, Metadata: decoded.Metadata,
		Threshold: decoded.Threshold,
	}
	c2, err := Canonicalize(r2)
	require.NoError(t, err)
	require.Equal(t, c1, c2, "canonicalize . parse . canonicalize must be a fixed point")
}

func TestSignVerifySingleSig(t *testing.T) {
	pub, priv, err := GenerateKey()
	require.NoError(t, err)

	r := freshReceipt()
	_, err = Sign(r, "miner-b", "k1", priv)
	require.NoError(t, err)

	res := Verify(r, mapResolver{"miner-b/k1": pub})
	require.True(t, res.Ok)
	require.Equal(t, ErrNone, res.Kind)
}

func TestVerifyRejectsUnknownAlg(t *testing.T) {
	r := freshReceipt()
	r.Signatures = append(r.Signatures, Signature{SignerAddr: "m", Alg: "secp256k1", KeyID: "k", Sig: "00"})
	res := Verify(r, mapResolver{})
	require.False(t, res.Ok)
	require.Equal(t, ErrBadAlg, res.Kind)
}

func TestMultiSigThreshold(t *testing.T) {
	pubA, privA, _ := GenerateKey()
	pubB, privB, _ := GenerateKey()
	_, privC, _ := GenerateKey() // C's pubkey deliberately wrong below -> invalid sig

	r := freshReceipt()
	r.Threshold = 2
	_, err := Sign(r, "signer-a", "k1", privA)
	require.NoError(t, err)
	_, err = Sign(r, "signer-b", "k1", privB)
	require.NoError(t, err)
	_, err = Sign(r, "signer-c", "k1", privC)
	require.NoError(t, err)

	resolver := mapResolver{
		"signer-a/k1": pubA,
		"signer-b/k1": pubB,
		// signer-c resolves to a key that will never match privC's signature,
		// simulating the "one signature invalid" case from spec.md scenario E6.
		"signer-c/k1": pubA,
	}
	res := Verify(r, resolver)
	require.True(t, res.Ok, "two valid signatures should satisfy threshold=2")

	r2 := freshReceipt()
	r2.Threshold = 2
	_, _ = Sign(r2, "signer-a", "k1", privA)
	res2 := Verify(r2, resolver)
	require.False(t, res2.Ok)
	require.Equal(t, ErrUnderThresh, res2.Kind)
}

func TestVerifyUnknownKey(t *testing.T) {
	_, priv, _ := GenerateKey()
	r := freshReceipt()
	_, _ = Sign(r, "miner-b", "k1", priv)
	res := Verify(r, mapResolver{})
	require.False(t, res.Ok)
	require.Equal(t, ErrKeyUnknown, res.Kind)
}
