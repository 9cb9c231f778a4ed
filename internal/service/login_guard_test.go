package service

import (
	"strconv"
	"testing"
	"time"

	"webshield/internal/config"
	"webshield/internal/repository"

	"github.com/alicebob/miniredis/v2"
)

func newTestGuard(t *testing.T, cfg *config.Config) (*LoginGuard, *ReputationGate, *repository.RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	port, _ := strconv.Atoi(mr.Port())
	rRepo := repository.NewRedisRepository(mr.Host(), port, "", 0)

	audit := NewAuditService(nil, nil)
	notifier := NewNotifier(nil)
	gate := NewReputationGate(cfg, rRepo, NewGeoIPResolver(), notifier)
	return NewLoginGuard(cfg, rRepo, gate, audit, notifier), gate, rRepo, mr
}

func guardConfig() *config.Config {
	return &config.Config{
		LoginAttemptsLimit:     5,
		LockoutDurationMinutes: 30,
		AttemptWindowSeconds:   3600,
	}
}

func TestLoginGuard_LockoutAtLimit(t *testing.T) {
	guard, _, rRepo, _ := newTestGuard(t, guardConfig())

	for i := 0; i < 4; i++ {
		if guard.RecordFailure("1.2.3.4", "admin") {
			t.Fatalf("attempt %d must not lock out yet", i+1)
		}
		if status := guard.Check("1.2.3.4"); status.Locked {
			t.Fatalf("locked out after %d attempts", i+1)
		}
	}

	if !guard.RecordFailure("1.2.3.4", "admin") {
		t.Fatal("fifth failure must trigger the lockout")
	}

	status := guard.Check("1.2.3.4")
	if !status.Locked {
		t.Fatal("expected lockout after limit")
	}
	if status.RemainingSeconds <= 0 || status.RemainingSeconds > 30*60 {
		t.Errorf("unexpected remaining: %d", status.RemainingSeconds)
	}

	// The IP is promoted to the permanent blacklist.
	banned, err := rRepo.IsBlacklisted("1.2.3.4")
	if err != nil || !banned {
		t.Errorf("expected 1.2.3.4 blacklisted, got %v err=%v", banned, err)
	}
}

func TestLoginGuard_PromotionIsIdempotent(t *testing.T) {
	guard, _, rRepo, _ := newTestGuard(t, guardConfig())

	for i := 0; i < 5; i++ {
		guard.RecordFailure("1.2.3.4", "admin")
	}
	list, _ := rRepo.GetBlacklist()
	firstEntry := list["1.2.3.4"]

	// Further failures re-arm the lockout but never rewrite the entry.
	guard.RecordFailure("1.2.3.4", "admin")
	guard.RecordFailure("1.2.3.4", "admin")

	list, _ = rRepo.GetBlacklist()
	if list["1.2.3.4"] != firstEntry {
		t.Errorf("blacklist entry rewritten: %+v != %+v", list["1.2.3.4"], firstEntry)
	}
}

func TestLoginGuard_PairsAreIndependent(t *testing.T) {
	guard, _, _, _ := newTestGuard(t, guardConfig())

	for i := 0; i < 4; i++ {
		guard.RecordFailure("1.2.3.4", "admin")
	}
	// Different username, same IP: its own counter.
	if guard.RecordFailure("1.2.3.4", "operator") {
		t.Error("independent pair must not inherit the count")
	}
	// Different IP, same username.
	if guard.RecordFailure("5.6.7.8", "admin") {
		t.Error("independent pair must not inherit the count")
	}
}

func TestLoginGuard_LockoutExpires(t *testing.T) {
	guard, _, _, mr := newTestGuard(t, guardConfig())

	for i := 0; i < 5; i++ {
		guard.RecordFailure("1.2.3.4", "admin")
	}
	if !guard.Check("1.2.3.4").Locked {
		t.Fatal("expected lockout")
	}

	mr.FastForward(31 * time.Minute)
	if guard.Check("1.2.3.4").Locked {
		t.Error("lockout should expire on its own")
	}
}

func TestLoginGuard_SuccessKeepsCounterByDefault(t *testing.T) {
	guard, _, _, _ := newTestGuard(t, guardConfig())

	for i := 0; i < 4; i++ {
		guard.RecordFailure("1.2.3.4", "admin")
	}
	guard.RecordSuccess("1.2.3.4", "admin")

	// Counter survives the success: the next failure locks out.
	if !guard.RecordFailure("1.2.3.4", "admin") {
		t.Error("counter must survive a successful login by default")
	}
}

func TestLoginGuard_SuccessResetsCounterWhenConfigured(t *testing.T) {
	cfg := guardConfig()
	cfg.ResetAttemptsOnSuccess = true
	guard, _, _, _ := newTestGuard(t, cfg)

	for i := 0; i < 4; i++ {
		guard.RecordFailure("1.2.3.4", "admin")
	}
	guard.RecordSuccess("1.2.3.4", "admin")

	if guard.RecordFailure("1.2.3.4", "admin") {
		t.Error("counter should have been reset on success")
	}
}

func TestLoginGuard_ResetLockout(t *testing.T) {
	guard, _, _, _ := newTestGuard(t, guardConfig())

	for i := 0; i < 5; i++ {
		guard.RecordFailure("1.2.3.4", "admin")
	}
	if !guard.Check("1.2.3.4").Locked {
		t.Fatal("expected lockout")
	}

	if err := guard.ResetLockout("1.2.3.4", "operator"); err != nil {
		t.Fatalf("ResetLockout failed: %v", err)
	}
	if guard.Check("1.2.3.4").Locked {
		t.Error("expected lockout lifted")
	}
}
