package service

import (
	"errors"
	"testing"
)

type stubCounter struct {
	over bool
	err  error
}

func (s *stubCounter) RateCheckAndIncr(identity string, limit, windowSeconds int) (bool, error) {
	return s.over, s.err
}

func TestRateLimiter_OverLimit(t *testing.T) {
	t.Run("UnderLimit", func(t *testing.T) {
		rl := NewRateLimiter(&stubCounter{over: false})
		if rl.OverLimit("1.2.3.4", 60, 60) {
			t.Error("expected under limit")
		}
	})

	t.Run("OverLimit", func(t *testing.T) {
		rl := NewRateLimiter(&stubCounter{over: true})
		if !rl.OverLimit("1.2.3.4", 60, 60) {
			t.Error("expected over limit")
		}
	})

	t.Run("StorageErrorFailsOpen", func(t *testing.T) {
		rl := NewRateLimiter(&stubCounter{over: true, err: errors.New("connection refused")})
		if rl.OverLimit("1.2.3.4", 60, 60) {
			t.Error("a broken counter must not block requests")
		}
	})
}
