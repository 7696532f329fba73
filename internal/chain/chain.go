package chain

import (
	"encoding/binary"
	"encoding/json"

	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/logging"
	"github.com/oib/aitbc/internal/storage"
)

var log = logging.NewModuleLogger(logging.ModuleChain)

const (
	keyHead        = "head"
	blockByHeightPfx = "blk:h:"
	blockByHashPfx   = "blk:x:"
)

// Chain owns the KV-backed block store and the relational Account/Receipt
// ledger (spec.md §4.5). It is the single writer of both during block
// application (spec.md §5's "single writer — the block applier").
type Chain struct {
	kv     storage.KV
	store  storage.Store
	params Params
}

func NewChain(kv storage.KV, store storage.Store, params Params) *Chain {
	return &Chain{kv: kv, store: store, params: params}
}

func heightKey(h uint64) []byte {
	buf := make([]byte, len(blockByHeightPfx)+8)
	copy(buf, blockByHeightPfx)
	binary.BigEndian.PutUint64(buf[len(blockByHeightPfx):], h)
	return buf
}

func hashKey(hash string) []byte { return append([]byte(blockByHashPfx), []byte(hash)...) }

// Head is the current chain tip.
type Head struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// GetHead returns the current tip, or height 0 / empty hash for a fresh chain.
func (c *Chain) GetHead() (Head, error) {
	raw, err := c.kv.Get([]byte(keyHead))
	if err != nil {
		if e, ok := errs.As(err); ok && e.Kind == errs.NotFound {
			return Head{}, nil
		}
		return Head{}, err
	}
	var h Head
	if err := json.Unmarshal(raw, &h); err != nil {
		return Head{}, errs.Wrap(err, errs.Dependency, "HEAD_DECODE", "corrupt head record")
	}
	return h, nil
}

func (c *Chain) setHead(h Head) error {
	buf, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return c.kv.Put([]byte(keyHead), buf)
}

// GetBlockByHeight reads a block by height.
func (c *Chain) GetBlockByHeight(height uint64) (*Block, error) {
	raw, err := c.kv.Get(heightKey(height))
	if err != nil {
		return nil, err
	}
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, errs.Wrap(err, errs.Dependency, "BLOCK_DECODE", "corrupt block record")
	}
	return &b, nil
}

// GetBlockByHash reads a block by its header hash.
func (c *Chain) GetBlockByHash(hash string) (*Block, error) {
	raw, err := c.kv.Get(hashKey(hash))
	if err != nil {
		return nil, err
	}
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, errs.Wrap(err, errs.Dependency, "BLOCK_DECODE", "corrupt block record")
	}
	return &b, nil
}

// storeBlock persists b under both its height and hash keys and advances
// the head. It does not apply transaction effects; callers (BuildBlock,
// ImportRange) apply effects first via Apply, within the same logical
// commit, then call storeBlock.
func (c *Chain) storeBlock(b *Block) error {
	buf, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := c.kv.Put(heightKey(b.Height), buf); err != nil {
		return err
	}
	if err := c.kv.Put(hashKey(b.HeaderHash()), buf); err != nil {
		return err
	}
	return c.setHead(Head{Height: b.Height, Hash: b.HeaderHash()})
}

// Params exposes the chain's configured parameters.
func (c *Chain) Params() Params { return c.params }

// indexTx records tx in the relational transaction index and, for
// RECEIPT_CLAIM transactions, stamps the owning receipt's included_in_block
// column — the read path getTx relies on (spec.md §4.7) instead of
// scanning the KV block store on every lookup. A failure here never rolls
// back the block's already-applied state effects; it only means that
// getTx reports that transaction as not found, since there is no KV
// fallback.
func indexTx(store storage.Store, height uint64, tx *Tx) error {
	if err := store.InsertTxIndex(&storage.TxIndexRow{
		Hash: tx.Hash(), Sender: tx.Sender, Nonce: tx.Nonce,
		Kind: string(tx.Kind), BlockHeight: height, Status: "applied",
	}); err != nil {
		return err
	}
	if tx.Kind == TxReceiptClaim && tx.Receipt != nil {
		return store.MarkReceiptIncluded(tx.Receipt.ReceiptID, height)
	}
	return nil
}
