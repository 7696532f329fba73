package chain

import "context"

// Attestor confirms, on behalf of the coordinator, that a job existed and
// its escrow covered price — the "coordinator attestation" remote check
// of spec.md §4.5. The implementations are coordinator.ChainAttestor,
// which reads the coordinator's store in-process, and the DevnetAttestor
// stub below; none calls the coordinator over RPC.
type Attestor interface {
	Attest(ctx context.Context, jobID, minerAddr string, price uint64) (bool, error)
}

// DevnetAttestor always confirms, for local/devnet chains that run without
// a live coordinator process.
type DevnetAttestor struct{}

func (DevnetAttestor) Attest(ctx context.Context, jobID, minerAddr string, price uint64) (bool, error) {
	return true, nil
}
