package coordinator

import (
	"context"
	"crypto/ed25519"

	"github.com/oib/aitbc/internal/chain"
	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/receipt"
	"github.com/oib/aitbc/internal/storage"
)

// ChainClient is the coordinator's narrow view of the chain node: submit
// a RECEIPT_CLAIM transaction (spec.md §4.3's submit_result: "enqueues
// RECEIPT_CLAIM to the chain via C5"). DirectChainClient below, an
// in-process implementation, is the only one; there is no HTTP-backed
// implementation.
type ChainClient interface {
	SubmitReceiptClaim(ctx context.Context, r *receipt.Receipt) error
}

// DirectChainClient signs and admits a RECEIPT_CLAIM straight into a
// local mempool, for deployments that run the coordinator and chain node
// in the same process.
type DirectChainClient struct {
	Store   storage.Store
	Mempool *chain.Mempool
	Signer  string // the account address the coordinator transacts as
	Priv    ed25519.PrivateKey
	Fee     uint64
}

func (c *DirectChainClient) SubmitReceiptClaim(ctx context.Context, r *receipt.Receipt) error {
	acct, err := c.Store.GetAccount(c.Signer)
	if err != nil {
		return err
	}
	tx := &chain.Tx{
		Sender: c.Signer, Nonce: acct.Nonce + 1, Fee: c.Fee,
		Kind: chain.TxReceiptClaim, Receipt: r,
	}
	tx.Sign(c.Priv)
	if err := c.Mempool.Add(tx); err != nil {
		return errs.Wrap(err, errs.Dependency, "MEMPOOL_SUBMIT_FAILED", "failed to enqueue receipt claim")
	}
	return nil
}

// ChainAttestor is the coordinator's side of spec.md §4.5's "coordinator
// attestation: remote RPC call confirms job existed and escrow covered
// price." It is registered as the chain.Attestor a Validator uses when
// the coordinator and chain node share a process. This logic is not
// exposed over RPC.
type ChainAttestor struct {
	Store storage.Store
}

func (a *ChainAttestor) Attest(ctx context.Context, jobID, minerAddr string, price uint64) (bool, error) {
	job, err := a.Store.GetJob(jobID)
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			return false, nil
		}
		return false, err
	}
	if job.AssignedMiner != minerAddr {
		return false, nil
	}
	esc, err := a.Store.GetEscrow(jobID)
	if err != nil {
		return false, err
	}
	return esc.Amount >= price, nil
}
