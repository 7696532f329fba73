package chain

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/storage"
)

func testParams() Params {
	return Params{
		ChainID: "devnet", MintPerUnit: 10, CoordinatorRatio: 0.1,
		BlockIntervalSec: 2, MaxTxsPerBlock: 100, MaxBlockSizeBytes: 1 << 20,
		MinFee: 1, ReorgDepthLimit: 10,
	}
}

type memResolver struct{}

func (memResolver) ResolveKey(signerAddr, keyID string) ([]byte, bool) { return nil, false }

func newTestChain(t *testing.T) (*Chain, storage.Store, *Mempool, *Validator, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	kv, err := storage.OpenKV("")
	require.NoError(t, err)
	store := storage.NewMemStore()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, RegisterAccount(store, "alice", pub, 1000))
	c := NewChain(kv, store, testParams())
	mp := NewMempool(1000)
	v := NewValidator(store, testParams(), memResolver{}, DevnetAttestor{})
	return c, store, mp, v, pub, priv
}

func signedTransfer(priv ed25519.PrivateKey, nonce, fee, amount uint64, to string) *Tx {
	tx := &Tx{Sender: "alice", Nonce: nonce, Fee: fee, Kind: TxTransfer, To: to, Amount: amount}
	tx.Sign(priv)
	return tx
}

func TestProposerSkipsEmptyMempool(t *testing.T) {
	c, _, mp, v, _, priv := newTestChain(t)
	p := NewProposer(c, mp, v, priv, "alice", nil)
	require.NoError(t, p.tick(context.Background()))
	head, err := c.GetHead()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head.Height, "no block should be produced from an empty mempool")
}

func TestProposerProducesBlockFromMempool(t *testing.T) {
	c, store, mp, v, _, priv := newTestChain(t)
	p := NewProposer(c, mp, v, priv, "alice", nil)

	require.NoError(t, mp.Add(signedTransfer(priv, 1, 2, 100, "bob")))
	require.NoError(t, p.tick(context.Background()))

	head, err := c.GetHead()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Height)

	blk, err := c.GetBlockByHeight(1)
	require.NoError(t, err)
	assert.Len(t, blk.Txs, 1)
	assert.NotEmpty(t, blk.Signature)

	bob, err := store.GetAccount("bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bob.Balance)

	treasury, err := store.GetAccount(TreasuryAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), treasury.Balance)
}

func TestMempoolOrdersByFeeThenArrival(t *testing.T) {
	mp := NewMempool(10)
	_, priv, _ := ed25519.GenerateKey(nil)
	low := signedTransfer(priv, 1, 1, 1, "x")
	high := signedTransfer(priv, 2, 5, 1, "x")
	mid := signedTransfer(priv, 3, 1, 1, "x")

	require.NoError(t, mp.Add(low))
	require.NoError(t, mp.Add(high))
	require.NoError(t, mp.Add(mid))

	drained := mp.Drain(10, 0)
	require.Len(t, drained, 3)
	assert.Equal(t, high.Hash(), drained[0].Hash(), "higher fee drains first")
	assert.Equal(t, low.Hash(), drained[1].Hash(), "equal fee: earlier arrival drains first")
	assert.Equal(t, mid.Hash(), drained[2].Hash())
}

func TestMempoolRejectsDuplicateTx(t *testing.T) {
	mp := NewMempool(10)
	_, priv, _ := ed25519.GenerateKey(nil)
	tx := signedTransfer(priv, 1, 1, 1, "x")
	require.NoError(t, mp.Add(tx))
	err := mp.Add(tx)
	assert.Equal(t, errs.ErrReplay, err)
}

func TestValidateCommonRejectsBadNonce(t *testing.T) {
	_, _, _, v, _, priv := newTestChain(t)
	tx := signedTransfer(priv, 5, 1, 1, "bob")
	err := v.ValidateCommon(tx)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "BAD_NONCE", e.Code)
}

func TestValidateCommonRejectsFeeBelowMinimum(t *testing.T) {
	_, _, _, v, _, priv := newTestChain(t)
	tx := signedTransfer(priv, 1, 0, 1, "bob")
	err := v.ValidateCommon(tx)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "FEE_TOO_LOW", e.Code)
}

func TestSplitMintAbsorbsRemainderInMinerShare(t *testing.T) {
	minerShare, coordShare := SplitMint(100, 0.33)
	assert.Equal(t, uint64(100), minerShare+coordShare, "mint must be fully accounted for")
	assert.Equal(t, uint64(33), coordShare)
	assert.Equal(t, uint64(67), minerShare)
}

func TestImportRangeExtendsHeadDirectly(t *testing.T) {
	c, _, _, v, _, priv := newTestChain(t)
	head, err := c.GetHead()
	require.NoError(t, err)
	blk := &Block{Parent: head.Hash, Height: head.Height + 1, Proposer: "alice", Txs: []*Tx{signedTransfer(priv, 1, 1, 1, "bob")}}
	blk.Sign(priv)
	res, err := c.ImportRange(context.Background(), []*Block{blk}, v, map[string]bool{"alice": true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.False(t, res.ReorgApplied)

	head, err = c.GetHead()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Height)
}

func TestImportRangeRejectsUntrustedProposer(t *testing.T) {
	c, _, _, v, _, priv := newTestChain(t)
	blk := &Block{Parent: "", Height: 1, Proposer: "mallory", Txs: nil, StateRoot: "x"}
	blk.Sign(priv)
	_, err := c.ImportRange(context.Background(), []*Block{blk}, v, map[string]bool{"alice": true})
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Consensus, e.Kind)
}
