package coordinator

import "context"

// MinerAcceptor asks a matched miner whether it accepts an assignment
// (spec.md §4.3's assign: "picks first candidate that accepts"). A real
// deployment calls the miner's session endpoint; devnet auto-accepts.
type MinerAcceptor interface {
	Accept(ctx context.Context, jobID, minerID string) (bool, error)
}

// DevnetAcceptor accepts every offer, for single-process devnet runs
// where miners have no independent accept/decline channel.
type DevnetAcceptor struct{}

func (DevnetAcceptor) Accept(ctx context.Context, jobID, minerID string) (bool, error) {
	return true, nil
}
