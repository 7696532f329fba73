package chain

import (
	"context"

	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/receipt"
	"github.com/oib/aitbc/internal/storage"
)

// Validator re-validates transactions both on mempool admission
// (optimistic) and at block-build time (authoritative), per spec.md §4.5.
type Validator struct {
	store    storage.Store
	params   Params
	resolver receipt.KeyResolver
	attestor Attestor
}

func NewValidator(store storage.Store, params Params, resolver receipt.KeyResolver, attestor Attestor) *Validator {
	return &Validator{store: store, params: params, resolver: resolver, attestor: attestor}
}

// ValidateCommon checks the fields every transaction kind shares: a valid
// signature, strictly-next nonce, minimum fee, and sufficient balance.
func (v *Validator) ValidateCommon(tx *Tx) error {
	acct, err := v.store.GetAccount(tx.Sender)
	if err != nil {
		return err
	}
	if acct.PubKey == "" {
		return errs.New(errs.Auth, "UNKNOWN_ACCOUNT", "sender account has no registered public key")
	}
	pub, err := decodeHexPubKey(acct.PubKey)
	if err != nil || !tx.VerifySignature(pub) {
		return errs.New(errs.Auth, "BAD_SIGNATURE", "transaction signature invalid")
	}
	if tx.Nonce != acct.Nonce+1 {
		return errs.New(errs.Conflict, "BAD_NONCE", "nonce must be account.nonce + 1")
	}
	if tx.Fee < v.params.MinFee {
		return errs.New(errs.Validation, "FEE_TOO_LOW", "fee below MIN_FEE")
	}
	need := tx.Fee
	if tx.Kind == TxTransfer {
		need += tx.Amount
	}
	if acct.Balance < need {
		return errs.New(errs.Escrow, "INSUFFICIENT_FUNDS", "balance does not cover fee (+amount)")
	}
	return nil
}

// ValidateReceiptClaim applies the RECEIPT_CLAIM-specific checks of
// spec.md §4.5: receipt signature/ZK validity, uniqueness, coordinator
// attestation, and economic bounds.
func (v *Validator) ValidateReceiptClaim(ctx context.Context, tx *Tx) error {
	if tx.Receipt == nil {
		return errs.New(errs.Validation, "MISSING_RECEIPT", "RECEIPT_CLAIM without a receipt payload")
	}
	r := tx.Receipt
	res := receipt.Verify(r, v.resolver)
	if !res.Ok {
		return errs.New(errs.Integrity, "BAD_RECEIPT_SIG", string(res.Kind))
	}
	if err := receipt.VerifyZKProof(r); err != nil {
		return errs.Wrap(err, errs.Integrity, "BAD_ZK_PROOF", "zk proof verification failed")
	}
	if existing, err := v.store.GetReceipt(r.ReceiptID); err == nil && existing != nil {
		return errs.ErrReplay
	}
	ok, err := v.attestor.Attest(ctx, r.JobID, r.MinerAddr, r.Price)
	if err != nil {
		return errs.Wrap(err, errs.Dependency, "ATTESTATION_UNAVAILABLE", "coordinator attestation failed")
	}
	if !ok {
		return errs.New(errs.Validation, "ATTESTATION_REJECTED", "coordinator did not confirm job/escrow")
	}
	if r.Price == 0 || r.ComputeUnits == 0 {
		return errs.New(errs.Validation, "BAD_ECONOMICS", "price and compute_units must be positive")
	}
	if r.CompletedAt < r.StartedAt {
		return errs.New(errs.Validation, "BAD_TIMESTAMPS", "completed_at must be >= started_at")
	}
	return nil
}

// Validate dispatches to the kind-specific checks after the common ones.
func (v *Validator) Validate(ctx context.Context, tx *Tx) error {
	if err := v.ValidateCommon(tx); err != nil {
		return err
	}
	if tx.Kind == TxReceiptClaim {
		return v.ValidateReceiptClaim(ctx, tx)
	}
	return nil
}
