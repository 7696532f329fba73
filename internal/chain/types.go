// Package chain is C5: the minimal PoA blockchain node — mempool, block
// production, transaction validation and receipt-gated minting (spec.md
// §4.5).
package chain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/oib/aitbc/internal/receipt"
)

// TxKind distinguishes the two transaction shapes spec.md §3.1 defines.
type TxKind string

const (
	TxTransfer     TxKind = "TRANSFER"
	TxReceiptClaim TxKind = "RECEIPT_CLAIM"
)

// Tx is the union type of TRANSFER and RECEIPT_CLAIM transactions.
type Tx struct {
	Sender    string  `json:"sender"`
	Nonce     uint64  `json:"nonce"`
	Fee       uint64  `json:"fee"`
	Kind      TxKind  `json:"kind"`
	To        string  `json:"to,omitempty"`     // TRANSFER
	Amount    uint64  `json:"amount,omitempty"` // TRANSFER
	Receipt   *receipt.Receipt `json:"receipt,omitempty"` // RECEIPT_CLAIM
	Signature string  `json:"signature"` // hex, sender's account signature
	arrival   int64   // monotonic arrival sequence, not part of the wire hash
}

// Hash computes the transaction hash over its signable fields: sender,
// nonce, fee, kind, to and amount, plus only the ReceiptID of an attached
// receipt (the receipt's other fields are not covered).
func (t *Tx) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%s|%s|%d", t.Sender, t.Nonce, t.Fee, t.Kind, t.To, t.Amount)
	if t.Receipt != nil {
		h.Write([]byte(t.Receipt.ReceiptID))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SignBytes is the digest Sign/Verify operate over.
func (t *Tx) SignBytes() []byte {
	h := sha256.Sum256([]byte(t.Hash()))
	return h[:]
}

// Sign signs t with priv and sets t.Signature.
func (t *Tx) Sign(priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, t.SignBytes())
	t.Signature = hex.EncodeToString(sig)
}

// VerifySignature checks t.Signature against pub.
func (t *Tx) VerifySignature(pub ed25519.PublicKey) bool {
	raw, err := hex.DecodeString(t.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, t.SignBytes(), raw)
}

// Account mirrors spec.md §3.1's Account entity.
type Account struct {
	Address string
	Balance uint64
	Nonce   uint64
	PubKey  ed25519.PublicKey
}

// Block is a PoA-authored header plus its transaction set (spec.md §3.1).
type Block struct {
	Parent     string `json:"parent"`
	Height     uint64 `json:"height"`
	Timestamp  int64  `json:"timestamp"`
	Proposer   string `json:"proposer"`
	Txs        []*Tx  `json:"txs"`
	StateRoot  string `json:"state_root"`
	Signature  string `json:"sig"`
}

// HeaderHash computes sha256(parent | height | timestamp | proposer |
// state_root), the header hash spec.md §3.1 defines.
func (b *Block) HeaderHash() string {
	h := sha256.New()
	h.Write([]byte(b.Parent))
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], b.Height)
	h.Write(heightBuf[:])
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(b.Timestamp))
	h.Write(tsBuf[:])
	h.Write([]byte(b.Proposer))
	h.Write([]byte(b.StateRoot))
	return hex.EncodeToString(h.Sum(nil))
}

// Sign signs the block header with the proposer's key.
func (b *Block) Sign(priv ed25519.PrivateKey) {
	digest, _ := hex.DecodeString(b.HeaderHash())
	b.Signature = hex.EncodeToString(ed25519.Sign(priv, digest))
}

// VerifySignature checks the block's signature against a proposer pubkey.
func (b *Block) VerifySignature(pub ed25519.PublicKey) bool {
	digest, _ := hex.DecodeString(b.HeaderHash())
	raw, err := hex.DecodeString(b.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, digest, raw)
}

// Params are the chain-parameter config values of spec.md §6.
type Params struct {
	ChainID            string
	MintPerUnit        uint64
	CoordinatorRatio   float64 // COORDINATOR_RATIO, [0,1]
	CoordinatorCut     float64 // coordinator_cut applied to job price at settlement
	BlockIntervalSec   int
	MaxTxsPerBlock     int
	MaxBlockSizeBytes  int
	MinFee             uint64
	ReorgDepthLimit    uint64
	TrustedProposers   map[string]bool
}

// DefaultParams mirrors spec.md §6's stated devnet defaults.
func DefaultParams() Params {
	return Params{
		ChainID:           "devnet",
		MintPerUnit:       10,
		CoordinatorRatio:  0.1,
		CoordinatorCut:    0.1,
		BlockIntervalSec:  2,
		MaxTxsPerBlock:    500,
		MaxBlockSizeBytes: 1 << 20,
		MinFee:            1,
		ReorgDepthLimit:   64,
		TrustedProposers:  map[string]bool{},
	}
}
