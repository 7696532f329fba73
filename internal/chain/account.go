package chain

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/oib/aitbc/internal/storage"
)

func decodeHexPubKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(b), nil
}

func encodeHexPubKey(pub ed25519.PublicKey) string { return hex.EncodeToString(pub) }

// RegisterAccount seeds or updates an account's public key (used by
// `chain make-genesis`; `chain keygen` only prints a new keypair).
func RegisterAccount(store storage.Store, address string, pub ed25519.PublicKey, initialBalance uint64) error {
	acct, err := store.GetAccount(address)
	if err != nil {
		return err
	}
	acct.Address = address
	acct.PubKey = encodeHexPubKey(pub)
	if acct.Balance == 0 {
		acct.Balance = initialBalance
	}
	return store.UpsertAccount(acct)
}

// AccountKeyResolver resolves signer addresses against the account store's
// registered public key, ignoring keyID (accounts here have exactly one
// active key; multi-key rotation is out of scope).
type AccountKeyResolver struct{ Store storage.Store }

func (r AccountKeyResolver) ResolveKey(signerAddr, keyID string) ([]byte, bool) {
	acct, err := r.Store.GetAccount(signerAddr)
	if err != nil || acct == nil || acct.PubKey == "" {
		return nil, false
	}
	pub, err := decodeHexPubKey(acct.PubKey)
	if err != nil {
		return nil, false
	}
	return pub, true
}
