package relay

import (
	"math/rand"
	"time"
)

// nextBackoff returns the delay before the next publish attempt given the
// number of attempts already made. Exponential base 2 over base, capped at
// max, with up to 20% subtractive jitter so parked retries don't stampede.
// Jitter stops at the cap, so successive delays never shrink.
func nextBackoff(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if max < base {
		max = base
	}

	shift := attempts
	if shift > 20 {
		shift = 20
	}

	d := base << uint(shift)
	if d <= 0 || d >= max {
		return max
	}

	jitter := time.Duration(rand.Float64() * 0.2 * float64(d))
	return d - jitter
}
