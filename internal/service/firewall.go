package service

import (
	"fmt"

	"webshield/internal/config"
	"webshield/internal/metrics"
	"webshield/internal/models"
)

// Alerter delivers out-of-band alerts. Implementations must not block
// the request path.
type Alerter interface {
	Notify(severity, title, message, ip string)
}

// Inspector runs one request through the firewall pipeline. Checks run
// in a fixed order and the first verdict wins:
//
//	whitelist, geo, rate limit, bad bot, SQL injection, XSS, blacklist
//
// A whitelisted client skips everything else, including the rate
// limiter, so trusted monitors cannot be throttled into outages.
type Inspector struct {
	cfg      *config.Config
	patterns *PatternMatcher
	gate     *ReputationGate
	limiter  *RateLimiter
	audit    *AuditService
	notifier Alerter
}

func NewInspector(cfg *config.Config, pm *PatternMatcher, gate *ReputationGate, rl *RateLimiter, audit *AuditService, notifier Alerter) *Inspector {
	return &Inspector{
		cfg:      cfg,
		patterns: pm,
		gate:     gate,
		limiter:  rl,
		audit:    audit,
		notifier: notifier,
	}
}

// Inspect renders the verdict for one request. Block verdicts are
// audited and counted before they are returned; allow verdicts leave no
// per-request trace beyond the inspected counter.
func (ins *Inspector) Inspect(req models.RequestInfo) models.Decision {
	metrics.MetricRequestsInspected.Inc()

	if ins.gate.IsWhitelisted(req.ClientIP) {
		return models.Allow()
	}

	if ins.cfg.GeoBlockingEnabled {
		if blocked, country := ins.gate.CountryBlocked(req.ClientIP); blocked {
			return ins.block(req, models.ReasonGeoBlocked,
				fmt.Sprintf("Access from %s is not allowed", country), country)
		}
	}

	if ins.cfg.RateLimitingEnabled {
		if ins.limiter.OverLimit(req.ClientIP, ins.cfg.RateLimitRequests, ins.cfg.RateWindowSeconds) {
			return ins.block(req, models.ReasonRateLimit, "Too many requests", "")
		}
	}

	if ins.cfg.BlockBadBots {
		if ins.patterns.IsBadBot(req.UserAgent) {
			return ins.block(req, models.ReasonBadBot, "Automated clients are not allowed", req.UserAgent)
		}
	}

	if ins.cfg.SQLInjectionProtection {
		if matched, pattern := ins.scanSQL(req); matched {
			return ins.block(req, models.ReasonSQLInjection, "Malicious request blocked", pattern)
		}
	}

	if ins.cfg.XSSProtection {
		if matched, marker := ins.scanXSS(req); matched {
			return ins.block(req, models.ReasonXSSAttack, "Malicious request blocked", marker)
		}
	}

	if ins.gate.IsBlacklisted(req.ClientIP) {
		return ins.block(req, models.ReasonIPBlacklisted, "Access denied", "")
	}

	return models.Allow()
}

// scanSQL checks query values, form values, and the raw path.
func (ins *Inspector) scanSQL(req models.RequestInfo) (bool, string) {
	for _, values := range req.Query {
		for _, v := range values {
			if ok, pattern := ins.patterns.MatchSQLInjection(v); ok {
				return true, pattern
			}
		}
	}
	for _, values := range req.Form {
		for _, v := range values {
			if ok, pattern := ins.patterns.MatchSQLInjection(v); ok {
				return true, pattern
			}
		}
	}
	return ins.patterns.MatchSQLInjection(req.Path)
}

func (ins *Inspector) scanXSS(req models.RequestInfo) (bool, string) {
	for _, values := range req.Query {
		for _, v := range values {
			if ok, marker := ins.patterns.MatchXSS(v); ok {
				return true, marker
			}
		}
	}
	for _, values := range req.Form {
		for _, v := range values {
			if ok, marker := ins.patterns.MatchXSS(v); ok {
				return true, marker
			}
		}
	}
	return false, ""
}

func (ins *Inspector) block(req models.RequestInfo, reason models.BlockReason, message, matched string) models.Decision {
	metrics.MetricBlocksTotal.WithLabelValues(string(reason)).Inc()

	ins.audit.Log(string(reason), "high",
		fmt.Sprintf("Blocked %s %s (%s)", req.Method, req.Path, reason),
		req.ClientIP, "", map[string]interface{}{
			"method":     req.Method,
			"path":       req.Path,
			"user_agent": req.UserAgent,
			"matched":    matched,
		})

	ins.notifier.Notify("high", "Firewall Block",
		fmt.Sprintf("Blocked %s %s from %s (%s)", req.Method, req.Path, req.ClientIP, reason),
		req.ClientIP)

	// An attack signature is a strong signal; feed it to the
	// reputation oracle.
	if reason == models.ReasonSQLInjection || reason == models.ReasonXSSAttack {
		ins.gate.ObserveThreat(req.ClientIP)
	}

	return models.Block(reason, message, matched)
}
