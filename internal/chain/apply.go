package chain

import (
	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/storage"
)

// TreasuryAddress is the protocol account that accrues fees and the
// coordinator's minting cut (spec.md §4.5).
const TreasuryAddress = "treasury"

// Apply mutates account balances/nonces for every tx in order (spec.md
// §5's "within a single block, transactions are applied in inclusion
// order; state writes are atomic per block"). Callers wrap Apply in a
// single storage.Tx so a mid-block failure rolls back cleanly.
func Apply(store storage.Store, params Params, tx *Tx) error {
	sender, err := store.GetAccount(tx.Sender)
	if err != nil {
		return err
	}
	sender.Nonce++

	switch tx.Kind {
	case TxTransfer:
		if sender.Balance < tx.Amount+tx.Fee {
			return errs.New(errs.Escrow, "INSUFFICIENT_FUNDS", "balance covers neither amount nor fee")
		}
		sender.Balance -= tx.Amount + tx.Fee
		if err := store.UpsertAccount(sender); err != nil {
			return err
		}
		recv, err := store.GetAccount(tx.To)
		if err != nil {
			return err
		}
		recv.Balance += tx.Amount
		if err := store.UpsertAccount(recv); err != nil {
			return err
		}
		return creditTreasury(store, tx.Fee)

	case TxReceiptClaim:
		if sender.Balance < tx.Fee {
			return errs.New(errs.Escrow, "INSUFFICIENT_FUNDS", "balance does not cover fee")
		}
		sender.Balance -= tx.Fee
		if err := store.UpsertAccount(sender); err != nil {
			return err
		}
		mint := MintAmount(tx.Receipt.ComputeUnits, params.MintPerUnit)
		minerShare, coordShare := SplitMint(mint, params.CoordinatorRatio)

		miner, err := store.GetAccount(tx.Receipt.MinerAddr)
		if err != nil {
			return err
		}
		miner.Balance += minerShare
		if err := store.UpsertAccount(miner); err != nil {
			return err
		}
		if err := creditTreasury(store, tx.Fee+coordShare); err != nil {
			return err
		}
		row := &storage.ReceiptRow{
			ReceiptID: tx.Receipt.ReceiptID, JobID: tx.Receipt.JobID,
			ClientAddr: tx.Receipt.ClientAddr, MinerAddr: tx.Receipt.MinerAddr,
			ComputeUnits: tx.Receipt.ComputeUnits, Price: tx.Receipt.Price,
			OutputHash: tx.Receipt.OutputHash, StartedAt: tx.Receipt.StartedAt,
			CompletedAt: tx.Receipt.CompletedAt, Threshold: tx.Receipt.Threshold,
		}
		return store.InsertReceipt(row)

	default:
		return errs.New(errs.Validation, "BAD_TX_KIND", "unknown transaction kind")
	}
}

func creditTreasury(store storage.Store, amount uint64) error {
	if amount == 0 {
		return nil
	}
	t, err := store.GetAccount(TreasuryAddress)
	if err != nil {
		return err
	}
	t.Balance += amount
	return store.UpsertAccount(t)
}
