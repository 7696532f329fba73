package chain

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oib/aitbc/internal/storage"
)

// Broadcaster publishes newly-produced blocks to the gossip layer (C6).
// The chain package depends only on this narrow interface so it never
// imports the gossip package directly.
type Broadcaster interface {
	BroadcastBlock(b *Block) error
}

// noopBroadcaster is used when a node runs without gossip wired in (a
// single-node devnet).
type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastBlock(*Block) error { return nil }

// Proposer runs the PoA block-production loop of spec.md §4.5. Only one
// Proposer should run per chain instance; spec.md §6's TrustedProposers
// set names which account is authorized to sign blocks.
type Proposer struct {
	chain     *Chain
	mempool   *Mempool
	validator *Validator
	priv      ed25519.PrivateKey
	address   string
	broadcast Broadcaster
	interval  time.Duration
}

func NewProposer(c *Chain, mp *Mempool, v *Validator, priv ed25519.PrivateKey, address string, b Broadcaster) *Proposer {
	if b == nil {
		b = noopBroadcaster{}
	}
	return &Proposer{
		chain: c, mempool: mp, validator: v, priv: priv, address: address,
		broadcast: b,
		interval:  time.Duration(c.params.BlockIntervalSec) * time.Second,
	}
}

// Run drives the loop until ctx is cancelled. Each tick either produces
// exactly one block or produces nothing — spec.md §4.5 step 2 forbids
// empty blocks outright.
func (p *Proposer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			if err := p.tick(ctx); err != nil {
				log.Error("proposer tick failed", "err", err)
			}
			ticker.Reset(p.sleepFor(time.Since(start)))
		}
	}
}

func (p *Proposer) tickInterval() time.Duration {
	if p.interval <= 0 {
		return 2 * time.Second
	}
	return p.interval
}

func (p *Proposer) sleepFor(buildDuration time.Duration) time.Duration {
	remaining := p.tickInterval() - buildDuration
	if remaining <= 0 {
		return time.Millisecond
	}
	return remaining
}

// tick performs steps 1-5 of the proposer loop once. It returns nil
// (producing no block) when the mempool is empty, which is the expected,
// common outcome on a quiet chain.
func (p *Proposer) tick(ctx context.Context) error {
	if p.mempool.Empty() {
		return nil
	}
	params := p.chain.params
	candidates := p.mempool.Drain(params.MaxTxsPerBlock, params.MaxBlockSizeBytes)
	if len(candidates) == 0 {
		return nil
	}

	head, err := p.chain.GetHead()
	if err != nil {
		return err
	}

	var included []*Tx
	err = p.chain.store.Tx(func(s storage.Store) error {
		scoped := NewValidator(s, params, p.validator.resolver, p.validator.attestor)
		for _, tx := range candidates {
			if err := scoped.Validate(ctx, tx); err != nil {
				log.Warn("dropping tx at block build", "hash", tx.Hash(), "err", err)
				continue
			}
			if err := Apply(s, params, tx); err != nil {
				log.Warn("dropping tx on apply failure", "hash", tx.Hash(), "err", err)
				continue
			}
			if err := indexTx(s, head.Height+1, tx); err != nil {
				log.Warn("tx index write failed", "hash", tx.Hash(), "err", err)
			}
			included = append(included, tx)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(included) == 0 {
		// Every candidate failed re-validation: nothing to include, so no
		// block is produced this tick (§4.5 step 2's invariant still
		// holds — we never sign an empty block).
		return nil
	}

	block := &Block{
		Parent:    head.Hash,
		Height:    head.Height + 1,
		Timestamp: time.Now().Unix(),
		Proposer:  p.address,
		Txs:       included,
		StateRoot: txSetRoot(included),
	}
	block.Sign(p.priv)

	if err := p.chain.storeBlock(block); err != nil {
		return err
	}
	if err := p.broadcast.BroadcastBlock(block); err != nil {
		log.Warn("gossip broadcast failed", "height", block.Height, "err", err)
	}
	log.Info("produced block", "height", block.Height, "txs", len(included))
	return nil
}

// txSetRoot commits to the ordered set of included transaction hashes.
// The chain has no per-account Merkle state tree (out of scope per
// spec.md's data-model); this root is a transaction-set commitment, which
// is sufficient for the header-hash chaining spec.md §3.1 requires.
func txSetRoot(txs []*Tx) string {
	h := sha256.New()
	for _, tx := range txs {
		h.Write([]byte(tx.Hash()))
	}
	return hex.EncodeToString(h.Sum(nil))
}
