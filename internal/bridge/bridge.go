// Package bridge defines the narrow external-settlement hook spec.md §9
// open question 3 leaves unresolved: whether a completed receipt should
// ever settle against an external chain. No cross-chain semantics are
// pinned here; only the seam a future adapter would implement.
package bridge

import (
	"context"

	"github.com/oib/aitbc/internal/logging"
	"github.com/oib/aitbc/internal/receipt"
)

var log = logging.NewModuleLogger(logging.ModuleBridge)

// ExternalRef is whatever an Adapter's external system uses to identify a
// settled claim (a tx hash, a batch id, ...).
type ExternalRef struct {
	System string `json:"system"`
	Ref    string `json:"ref"`
}

// Adapter is the seam a real cross-chain settlement backend would
// implement, for a deployment that wants to mirror receipts out to
// another ledger. The coordinator's Engine calls SettleExternal at the end
// of SubmitResult, after local settlement has committed.
type Adapter interface {
	Name() string
	SettleExternal(ctx context.Context, r *receipt.Receipt) (ExternalRef, error)
}

// NoopAdapter is the devnet default: it acknowledges every receipt without
// touching any external system.
type NoopAdapter struct{}

func (NoopAdapter) Name() string { return "noop" }

func (NoopAdapter) SettleExternal(ctx context.Context, r *receipt.Receipt) (ExternalRef, error) {
	log.Debug("noop bridge settle", "receipt_id", r.ReceiptID)
	return ExternalRef{System: "noop", Ref: r.ReceiptID}, nil
}
