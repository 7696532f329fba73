package coordinator

import (
	"math/rand"
	"time"
)

// backoffDelay computes base*2^attempt capped at maxDelay, with up to
// +/-10% jitter (spec.md §4.3's retry policy: "exponential backoff base x
// 2^k, capped, with jitter").
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > maxDelay { // overflow or cap
		d = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}
