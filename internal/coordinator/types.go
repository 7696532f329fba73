// Package coordinator is C3: the job lifecycle engine — submission,
// matchmaking handoff, escrow discipline, retries, and receipt
// generation (spec.md §4.3).
package coordinator

import (
	"time"

	"github.com/oib/aitbc/internal/logging"
	"github.com/oib/aitbc/internal/poolhub"
)

var log = logging.NewModuleLogger(logging.ModuleCoordinator)

// Policy collects the coordinator's tunable economics and retry knobs
// (spec.md §6's configuration table).
type Policy struct {
	ProtocolFee      uint64        // flat fee added on top of max_price at submit_job
	CoordinatorCut   float64       // fraction of price retained by the treasury on settlement
	MaxRetries       int           // default 3
	RetryBaseDelay   time.Duration // base x 2^k backoff
	RetryMaxDelay    time.Duration
	DefaultDeadline  time.Duration
	WatchdogInterval time.Duration
}

// DefaultPolicy mirrors spec.md §4.3's stated defaults.
func DefaultPolicy() Policy {
	return Policy{
		ProtocolFee:      1,
		CoordinatorCut:   0.1,
		MaxRetries:       3,
		RetryBaseDelay:   2 * time.Second,
		RetryMaxDelay:    60 * time.Second,
		DefaultDeadline:  10 * time.Minute,
		WatchdogInterval: 30 * time.Second,
	}
}

// FailureOutcome classifies why a job failed, which in turn selects the
// Pool Hub feedback outcome and retryability (spec.md §4.3's failure
// semantics table).
type FailureOutcome string

const (
	FailureNetwork          FailureOutcome = "network"          // retryable, poolhub outcome "rejected"
	FailureInvalidResult    FailureOutcome = "invalid_result"    // not retried: the job fails permanently, poolhub outcome "failed"
	FailureMinerReported    FailureOutcome = "miner_reported"    // retryable, poolhub outcome "failed"
	FailureDeadlineExceeded FailureOutcome = "deadline_exceeded" // EXPIRED, poolhub outcome "timeout"
)

// poolHubOutcome maps a coordinator-side failure class onto the four
// canonical Pool Hub feedback outcomes and their normative trust deltas
// (spec.md §4.4). §4.3's prose lists its own per-class trust magnitudes
// (-0.1/-0.02/-0.05) that don't line up with §4.4's table; §4.4 is marked
// normative, so its four-outcome vocabulary and deltas win here.
func (f FailureOutcome) poolHubOutcome() poolhub.Outcome {
	switch f {
	case FailureInvalidResult, FailureMinerReported:
		return poolhub.OutcomeFailed
	case FailureDeadlineExceeded:
		return poolhub.OutcomeTimeout
	default:
		return poolhub.OutcomeRejected
	}
}

// retryable reports whether a failure of this kind re-enters QUEUED
// (subject to MaxRetries) or goes straight to permanent FAILED/EXPIRED.
func (f FailureOutcome) retryable() bool {
	switch f {
	case FailureNetwork, FailureMinerReported:
		return true
	default:
		return false
	}
}
