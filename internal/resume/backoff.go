package resume

import (
	"math/rand/v2"
	"time"
)

// backoff returns the wait before the next attempt after the given number of
// failures: exponential growth from base with up to 50% jitter, capped at ceiling.
func backoff(failures int, base, ceiling time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < failures && (ceiling <= 0 || d < ceiling); i++ {
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	jitter := time.Duration(rand.Int64N(int64(d/2 + 1)))
	d += jitter
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}
