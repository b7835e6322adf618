package connection

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: Base*2^attempt capped at Max, plus a
// jitter in [0, Base/2).
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Jitter returns a value in [0, n). Nil uses math/rand.
	Jitter func(n int64) int64
}

// NextDelay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) NextDelay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	maxDelay := b.Max
	if maxDelay < base {
		maxDelay = base
	}
	if attempt < 0 {
		attempt = 0
	}

	d := maxDelay
	if attempt < 32 {
		if exp := base << uint(attempt); exp > 0 && exp < maxDelay {
			d = exp
		}
	}

	if half := int64(base / 2); half > 0 {
		jitter := b.Jitter
		if jitter == nil {
			jitter = rand.Int63n
		}
		d += time.Duration(jitter(half))
	}
	return d
}
