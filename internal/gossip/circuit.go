package gossip

import (
	"sync"
	"time"
)

// circuitState is the breaker's current disposition toward a remote peer.
type circuitState int

const (
	stateClosed circuitState = iota
	stateOpen
	stateHalfOpen
)

// circuitBreaker opens after a run of consecutive failures and closes
// again after a cooldown, per spec.md §4.6's failure semantics: "circuit
// breaker opens after `threshold` consecutive failures, closes after
// cooldown; polling pauses while open." No third-party breaker
// implementation appears anywhere in the retrieved examples, so this is a
// small hand-rolled state machine rather than an invented dependency.
type circuitBreaker struct {
	mu          sync.Mutex
	state       circuitState
	failures    int
	threshold   int
	cooldown    time.Duration
	openedAt    time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed, transitioning Open -> HalfOpen
// once the cooldown has elapsed.
func (c *circuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(c.openedAt) >= c.cooldown {
			c.state = stateHalfOpen
			return true
		}
		return false
	default: // half-open: allow one probe through
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (c *circuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.state = stateClosed
}

// RecordFailure increments the failure count and opens the breaker once
// threshold consecutive failures have been observed.
func (c *circuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.state == stateHalfOpen || c.failures >= c.threshold {
		c.state = stateOpen
		c.openedAt = time.Now()
	}
}

func (c *circuitBreaker) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}
