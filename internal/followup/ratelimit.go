package followup

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket that paces sends on one delivery channel so
// a backlog of due follow-ups does not trip the provider's API limits.
type RateLimiter struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64 // tokens per second
	last   time.Time
	now    func() time.Time
}

func NewRateLimiter(burst int, perMinute float64) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	if perMinute <= 0 {
		perMinute = 20
	}
	return &RateLimiter{
		tokens: float64(burst),
		burst:  float64(burst),
		rate:   perMinute / 60.0,
		last:   time.Now(),
		now:    time.Now,
	}
}

// reserve takes a token if one is available, otherwise it reports how long
// until the next one.
func (rl *RateLimiter) reserve() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.tokens += now.Sub(rl.last).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.last = now

	if rl.tokens >= 1.0 {
		rl.tokens--
		return 0, true
	}
	return time.Duration((1.0 - rl.tokens) / rl.rate * float64(time.Second)), false
}

// Wait blocks until a send may proceed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait, ok := rl.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
