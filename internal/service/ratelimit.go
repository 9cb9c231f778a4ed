package service

import (
	zlog "github.com/rs/zerolog/log"
)

// RateCounter is the storage primitive the limiter needs: one atomic
// check-and-increment per identity and window.
type RateCounter interface {
	RateCheckAndIncr(identity string, limit, windowSeconds int) (bool, error)
}

// RateLimiter counts requests per client identity in fixed,
// non-overlapping windows. The window boundary allows up to a 2x burst;
// that approximation is accepted since the goal is coarse abuse
// mitigation, not quota enforcement.
type RateLimiter struct {
	counter RateCounter
}

func NewRateLimiter(counter RateCounter) *RateLimiter {
	return &RateLimiter{counter: counter}
}

// OverLimit records one observation of identity and reports whether it
// exceeded limit within the current window. Storage errors fail open: a
// broken counter must not turn into a block decision.
func (rl *RateLimiter) OverLimit(identity string, limit, windowSeconds int) bool {
	over, err := rl.counter.RateCheckAndIncr(identity, limit, windowSeconds)
	if err != nil {
		zlog.Error().Err(err).Str("identity", identity).Msg("Rate counter unavailable, failing open")
		return false
	}
	return over
}
