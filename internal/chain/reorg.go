package chain

import (
	"context"
	"crypto/ed25519"

	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/storage"
)

// ImportResult reports what ImportRange did with a pulled block range, for
// the sync worker's metrics and logging.
type ImportResult struct {
	Applied      int
	ReorgApplied bool
	AncestorAt   uint64
}

// ImportRange validates and applies a contiguous, height-ordered range of
// blocks pulled from a remote peer (spec.md §4.5's cross-site sync). Every
// block's proposer signature must belong to trustedProposers or the whole
// range is rejected — imported blocks bypass neither that check nor
// per-tx validation.
//
// If blocks[0] extends the local head directly, this is a plain append.
// Otherwise it is a candidate fork: the common ancestor is located by
// walking the local chain back by height, the reorg depth is checked
// against params.ReorgDepthLimit, and on acceptance the full ledger is
// rebuilt by replaying every block from genesis through the new tip. Full
// replay (rather than replay from just the common ancestor) trades some
// extra work for not needing a snapshot of account state at each height,
// which the chain does not otherwise keep.
func (c *Chain) ImportRange(ctx context.Context, blocks []*Block, v *Validator, trustedProposers map[string]bool) (ImportResult, error) {
	if len(blocks) == 0 {
		return ImportResult{}, nil
	}
	if err := verifyProposerChain(blocks, trustedProposers); err != nil {
		return ImportResult{}, err
	}
	resolver := AccountKeyResolver{Store: c.store}
	for _, b := range blocks {
		pub, ok := resolver.ResolveKey(b.Proposer, "")
		if !ok || len(pub) != ed25519.PublicKeySize || !b.VerifySignature(ed25519.PublicKey(pub)) {
			return ImportResult{}, errs.New(errs.Consensus, "BAD_PROPOSER_SIG", "imported block signature does not verify against its proposer's registered key")
		}
	}

	head, err := c.GetHead()
	if err != nil {
		return ImportResult{}, err
	}

	first := blocks[0]
	if first.Height == head.Height+1 && first.Parent == head.Hash {
		n, err := c.applyAndStoreRange(ctx, blocks, v)
		return ImportResult{Applied: n}, err
	}

	tip := blocks[len(blocks)-1]
	if tip.Height <= head.Height {
		log.Debug("ignoring shorter or equal-height import", "tip", tip.Height, "head", head.Height)
		return ImportResult{}, nil
	}

	ancestorHeight, err := c.findCommonAncestor(first)
	if err != nil {
		return ImportResult{}, err
	}
	depth := head.Height - ancestorHeight
	if c.params.ReorgDepthLimit > 0 && depth > c.params.ReorgDepthLimit {
		return ImportResult{}, errs.New(errs.Consensus, "REORG_TOO_DEEP", "fork exceeds reorg_depth_limit; retaining local chain")
	}

	if err := c.store.ResetLedger(); err != nil {
		return ImportResult{}, err
	}
	var replayed []*Block
	for h := uint64(1); h < first.Height; h++ {
		b, err := c.GetBlockByHeight(h)
		if err != nil {
			return ImportResult{}, err
		}
		replayed = append(replayed, b)
	}
	replayed = append(replayed, blocks...)

	n, err := c.applyAndStoreRange(ctx, replayed, v)
	if err != nil {
		return ImportResult{}, err
	}
	log.Info("reorg applied", "ancestor", ancestorHeight, "new_tip", tip.Height, "depth", depth)
	return ImportResult{Applied: n, ReorgApplied: true, AncestorAt: ancestorHeight}, nil
}

func verifyProposerChain(blocks []*Block, trustedProposers map[string]bool) error {
	for i, b := range blocks {
		if !trustedProposers[b.Proposer] {
			return errs.New(errs.Consensus, "UNTRUSTED_PROPOSER", "imported block signed by an unrecognized proposer")
		}
		if i > 0 && (b.Height != blocks[i-1].Height+1 || b.Parent != blocks[i-1].HeaderHash()) {
			return errs.New(errs.Consensus, "DISCONTIGUOUS_RANGE", "imported block range is not contiguous")
		}
	}
	return nil
}

// findCommonAncestor walks the local chain back from b.Height-1 looking
// for the height whose stored block hash equals b.Parent.
func (c *Chain) findCommonAncestor(b *Block) (uint64, error) {
	for h := b.Height - 1; ; h-- {
		if h == 0 {
			if b.Parent == "" {
				return 0, nil // shares the implicit genesis
			}
			break
		}
		local, err := c.GetBlockByHeight(h)
		if err == nil && local.HeaderHash() == b.Parent {
			return h, nil
		}
	}
	return 0, errs.New(errs.Consensus, "NO_COMMON_ANCESTOR", "imported fork shares no ancestor with local chain")
}

// applyAndStoreRange re-validates and applies every tx of every block in
// order inside one storage transaction, then persists the blocks. A
// single invalid block aborts the whole range without partial writes.
func (c *Chain) applyAndStoreRange(ctx context.Context, blocks []*Block, v *Validator) (int, error) {
	applied := 0
	err := c.store.Tx(func(s storage.Store) error {
		scoped := NewValidator(s, c.params, v.resolver, v.attestor)
		for _, b := range blocks {
			for _, tx := range b.Txs {
				if err := scoped.Validate(ctx, tx); err != nil {
					return errs.Wrap(err, errs.Consensus, "IMPORTED_TX_INVALID", "imported block contains an invalid transaction")
				}
				if err := Apply(s, c.params, tx); err != nil {
					return errs.Wrap(err, errs.Consensus, "IMPORTED_TX_APPLY_FAILED", "failed to apply imported transaction")
				}
				if err := indexTx(s, b.Height, tx); err != nil {
					log.Warn("tx index write failed", "hash", tx.Hash(), "err", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, b := range blocks {
		if err := c.storeBlock(b); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}
