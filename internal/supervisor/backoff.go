package supervisor

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: exponential growth with full jitter on
// the upper half, capped at Cap.
type Backoff struct {
	Initial    time.Duration
	Cap        time.Duration
	Multiplier float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Cap <= 0 {
		b.Cap = 30 * time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2.0
	}
	return b
}

// Delay returns the delay before retry number attempt (0-based). The result
// is uniformly drawn from [base/2, base] so simultaneous reconnects spread
// out.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()

	base := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		base *= b.Multiplier
		if base >= float64(b.Cap) {
			base = float64(b.Cap)
			break
		}
	}

	half := base / 2
	return time.Duration(half + rand.Float64()*half)
}
