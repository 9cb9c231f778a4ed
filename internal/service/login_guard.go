package service

import (
	"fmt"
	"time"

	"webshield/internal/config"
	"webshield/internal/metrics"
	"webshield/internal/models"
	"webshield/internal/repository"

	zlog "github.com/rs/zerolog/log"
)

// LoginGuard tracks failed authentication attempts per (IP, username)
// pair and locks out the source IP once the configured limit is reached.
// An IP that triggers a lockout is also promoted to the permanent
// blacklist, exactly once.
type LoginGuard struct {
	cfg       *config.Config
	redisRepo *repository.RedisRepository
	gate      *ReputationGate
	audit     *AuditService
	notifier  *Notifier
}

func NewLoginGuard(cfg *config.Config, rRepo *repository.RedisRepository, gate *ReputationGate, audit *AuditService, notifier *Notifier) *LoginGuard {
	return &LoginGuard{
		cfg:       cfg,
		redisRepo: rRepo,
		gate:      gate,
		audit:     audit,
		notifier:  notifier,
	}
}

// Check reports whether ip may attempt a login right now. A locked-out
// IP gets the remaining lockout duration. Storage errors fail open so a
// Redis outage cannot lock every operator out of the console.
func (g *LoginGuard) Check(ip string) models.LockoutStatus {
	remaining, err := g.redisRepo.LockoutRemaining(ip)
	if err != nil {
		zlog.Error().Err(err).Str("ip", ip).Msg("Lockout lookup failed, failing open")
		return models.LockoutStatus{}
	}
	if remaining <= 0 {
		return models.LockoutStatus{}
	}
	return models.LockoutStatus{Locked: true, RemainingSeconds: int64(remaining.Seconds())}
}

// RecordFailure registers one failed attempt for (ip, username) and
// returns true when the attempt crossed the lockout threshold. The
// attempt window starts at the first failure; crossing the limit locks
// the IP for the configured duration and promotes it to the blacklist.
func (g *LoginGuard) RecordFailure(ip, username string) bool {
	metrics.MetricFailedLogins.Inc()

	count, err := g.redisRepo.IncrLoginAttempts(ip, username, g.cfg.AttemptWindowSeconds)
	if err != nil {
		zlog.Error().Err(err).Str("ip", ip).Msg("Failed to record login attempt")
		return false
	}

	g.audit.Log("failed_login", "medium",
		fmt.Sprintf("Failed login for %q (attempt %d/%d)", username, count, g.cfg.LoginAttemptsLimit),
		ip, username, nil)

	if count < g.cfg.LoginAttemptsLimit {
		return false
	}

	g.lockout(ip, username, count)
	return true
}

func (g *LoginGuard) lockout(ip, username string, count int) {
	duration := time.Duration(g.cfg.LockoutDurationMinutes) * time.Minute
	if err := g.redisRepo.SetLockout(ip, duration); err != nil {
		zlog.Error().Err(err).Str("ip", ip).Msg("Failed to set lockout")
	}
	metrics.MetricLockoutsTotal.Inc()

	entry := models.ListEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Reason:    fmt.Sprintf("%d failed login attempts", count),
		AddedBy:   "login_guard",
	}
	added, err := g.redisRepo.AddToBlacklist(ip, entry)
	if err != nil {
		zlog.Error().Err(err).Str("ip", ip).Msg("Blacklist promotion failed")
		return
	}
	if !added {
		// Already promoted by an earlier lockout; the one-time side
		// effects have fired.
		return
	}
	g.gate.NoteBlacklisted(ip)

	g.audit.Log("brute_force_lockout", "critical",
		fmt.Sprintf("Locked out %s for %d minutes and blacklisted it after %d failed logins for %q",
			ip, g.cfg.LockoutDurationMinutes, count, username),
		ip, username, nil)

	g.notifier.Notify("critical", "Brute Force Lockout",
		fmt.Sprintf("%d failed login attempts for user %q. The IP was locked out for %d minutes and permanently blacklisted.",
			count, username, g.cfg.LockoutDurationMinutes), ip)
}

// RecordSuccess notes a successful login. The failure counter is kept
// unless the deployment opts into clearing it, so a slow trickle of
// failures cannot be reset by an attacker who knows one valid password.
func (g *LoginGuard) RecordSuccess(ip, username string) {
	g.audit.Log("successful_login", "low",
		fmt.Sprintf("Successful login for %q", username), ip, username, nil)

	if g.cfg.ResetAttemptsOnSuccess {
		if err := g.redisRepo.ResetLoginAttempts(ip, username); err != nil {
			zlog.Error().Err(err).Str("ip", ip).Msg("Failed to reset login attempts")
		}
	}
}

// ResetLockout lifts the lockout for ip. Used by operators; the
// blacklist entry, if any, must be removed separately.
func (g *LoginGuard) ResetLockout(ip, actor string) error {
	if err := g.redisRepo.ClearLockout(ip); err != nil {
		return err
	}
	g.audit.Log("lockout_reset", "low",
		fmt.Sprintf("Lockout for %s reset by %s", ip, actor), ip, actor, nil)
	return nil
}
