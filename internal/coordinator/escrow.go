package coordinator

import (
	"github.com/oib/aitbc/internal/chain"
	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/storage"
)

// holdEscrow debits client.balance by price+fee and opens an Escrow entry
// in the `held` state (spec.md §4.3's escrow discipline, submit_job edge).
func holdEscrow(store storage.Store, clientAddr, jobID string, price, fee uint64) error {
	acct, err := store.GetAccount(clientAddr)
	if err != nil {
		return err
	}
	need := price + fee
	if acct.Balance < need {
		return errs.New(errs.Escrow, "INSUFFICIENT_FUNDS", "client balance below max_price + protocol_fee")
	}
	acct.Balance -= need
	if err := store.UpsertAccount(acct); err != nil {
		return err
	}
	if err := creditTreasury(store, fee); err != nil {
		return err
	}
	return store.UpsertEscrow(&storage.EscrowRow{
		JobID: jobID, ClientAddr: clientAddr, Amount: price, State: storage.EscrowHeld,
	})
}

// releaseEscrow settles a completed job's held escrow between the miner
// and the treasury, using the same remainder-absorption split the chain
// node uses for minting (spec.md §4.3: "atomic escrow -> miner.balance
// (price x (1 - coordinator_cut)) and escrow -> treasury.balance
// (coordinator_cut x price)").
func releaseEscrow(store storage.Store, jobID, minerAddr string, coordinatorCut float64) error {
	esc, err := store.GetEscrow(jobID)
	if err != nil {
		return err
	}
	if esc.State != storage.EscrowHeld {
		return errs.New(errs.Conflict, "ESCROW_NOT_HELD", "escrow already settled")
	}
	minerPayout, treasuryCut := chain.SettleEscrow(esc.Amount, coordinatorCut)

	miner, err := store.GetAccount(minerAddr)
	if err != nil {
		return err
	}
	miner.Balance += minerPayout
	if err := store.UpsertAccount(miner); err != nil {
		return err
	}
	if err := creditTreasury(store, treasuryCut); err != nil {
		return err
	}
	esc.State = storage.EscrowReleased
	return store.UpsertEscrow(esc)
}

// refundEscrow returns the full held price to the client on any
// terminal-failure edge (cancel, permanent failure, expiry). The
// protocol fee charged at submit_job is never refunded.
func refundEscrow(store storage.Store, jobID string) error {
	esc, err := store.GetEscrow(jobID)
	if err != nil {
		return err
	}
	if esc.State != storage.EscrowHeld {
		return nil // already settled or refunded; idempotent no-op
	}
	client, err := store.GetAccount(esc.ClientAddr)
	if err != nil {
		return err
	}
	client.Balance += esc.Amount
	if err := store.UpsertAccount(client); err != nil {
		return err
	}
	esc.State = storage.EscrowRefunded
	return store.UpsertEscrow(esc)
}

func creditTreasury(store storage.Store, amount uint64) error {
	if amount == 0 {
		return nil
	}
	t, err := store.GetAccount(chain.TreasuryAddress)
	if err != nil {
		return err
	}
	t.Balance += amount
	return store.UpsertAccount(t)
}
