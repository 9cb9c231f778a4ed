package service

import (
	"strconv"
	"testing"

	"webshield/internal/config"
	"webshield/internal/models"
	"webshield/internal/repository"

	"github.com/alicebob/miniredis/v2"
)

func newTestInspector(t *testing.T, cfg *config.Config) (*Inspector, *ReputationGate, *repository.RedisRepository) {
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
	inspector := NewInspector(cfg, NewPatternMatcher(), gate, NewRateLimiter(rRepo), audit, notifier)
	return inspector, gate, rRepo
}

func blacklist(t *testing.T, rRepo *repository.RedisRepository, gate *ReputationGate, ip string) {
	t.Helper()
	if _, err := rRepo.AddToBlacklist(ip, models.ListEntry{Reason: "abuse"}); err != nil {
		t.Fatalf("AddToBlacklist failed: %v", err)
	}
	gate.NoteBlacklisted(ip)
}

func testConfig() *config.Config {
	return &config.Config{
		SQLInjectionProtection: true,
		XSSProtection:          true,
		BlockBadBots:           true,
		RateLimitingEnabled:    true,
		RateLimitRequests:      100,
		RateWindowSeconds:      60,
	}
}

func browserRequest(ip string) models.RequestInfo {
	return models.RequestInfo{
		ClientIP:  ip,
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0",
		Method:    "GET",
		Path:      "/",
	}
}

func TestInspector_AllowsCleanRequest(t *testing.T) {
	ins, _, _ := newTestInspector(t, testConfig())

	req := browserRequest("1.2.3.4")
	req.Query = map[string][]string{"q": {"golang tutorials"}}

	if d := ins.Inspect(req); !d.Allowed {
		t.Errorf("clean request should pass, got blocked: %+v", d)
	}
}

func TestInspector_WhitelistBypassesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRequests = 1
	ins, gate, rRepo := newTestInspector(t, cfg)

	_ = rRepo.AddToWhitelist("1.2.3.4", models.ListEntry{Reason: "monitor"})
	// The same IP on both lists: the whitelist wins.
	blacklist(t, rRepo, gate, "1.2.3.4")

	// A whitelisted client with a scanner user-agent and an attack
	// payload still passes, repeatedly.
	req := models.RequestInfo{
		ClientIP:  "1.2.3.4",
		UserAgent: "curl/8.4.0",
		Method:    "GET",
		Path:      "/?id=1+UNION+SELECT+1",
		Query:     map[string][]string{"id": {"1 UNION SELECT 1"}},
	}
	for i := 0; i < 5; i++ {
		if d := ins.Inspect(req); !d.Allowed {
			t.Fatalf("whitelisted request %d blocked: %+v", i+1, d)
		}
	}
}

func TestInspector_BadBot(t *testing.T) {
	ins, _, _ := newTestInspector(t, testConfig())

	req := browserRequest("1.2.3.4")
	req.UserAgent = "sqlmap/1.7"

	d := ins.Inspect(req)
	if d.Allowed || d.Reason != models.ReasonBadBot {
		t.Errorf("expected bad_bot block, got %+v", d)
	}
}

func TestInspector_BadBotFlagOff(t *testing.T) {
	cfg := testConfig()
	cfg.BlockBadBots = false
	ins, _, _ := newTestInspector(t, cfg)

	req := browserRequest("1.2.3.4")
	req.UserAgent = "curl/8.4.0"

	if d := ins.Inspect(req); !d.Allowed {
		t.Errorf("disabled check should not block, got %+v", d)
	}
}

func TestInspector_SQLInjection(t *testing.T) {
	ins, _, _ := newTestInspector(t, testConfig())

	t.Run("Query", func(t *testing.T) {
		req := browserRequest("1.2.3.4")
		req.Query = map[string][]string{"id": {"1 UNION SELECT password FROM users"}}
		d := ins.Inspect(req)
		if d.Allowed || d.Reason != models.ReasonSQLInjection {
			t.Errorf("expected sql_injection block, got %+v", d)
		}
		if d.MatchedValue == "" {
			t.Error("expected the matched pattern in the decision")
		}
	})

	t.Run("Form", func(t *testing.T) {
		req := browserRequest("1.2.3.4")
		req.Method = "POST"
		req.Form = map[string][]string{"comment": {"x'; WAITFOR DELAY '0:0:5'--"}}
		d := ins.Inspect(req)
		if d.Allowed || d.Reason != models.ReasonSQLInjection {
			t.Errorf("expected sql_injection block, got %+v", d)
		}
	})

	t.Run("Path", func(t *testing.T) {
		req := browserRequest("1.2.3.4")
		req.Path = "/products/1%20UNION%20SELECT%201"
		d := ins.Inspect(req)
		if d.Allowed || d.Reason != models.ReasonSQLInjection {
			t.Errorf("expected sql_injection block, got %+v", d)
		}
	})
}

func TestInspector_XSS(t *testing.T) {
	ins, _, _ := newTestInspector(t, testConfig())

	req := browserRequest("1.2.3.4")
	req.Method = "POST"
	req.Form = map[string][]string{"bio": {"<script>document.location='//evil'</script>"}}

	d := ins.Inspect(req)
	if d.Allowed || d.Reason != models.ReasonXSSAttack {
		t.Errorf("expected xss_attack block, got %+v", d)
	}
}

func TestInspector_Blacklist(t *testing.T) {
	ins, gate, rRepo := newTestInspector(t, testConfig())

	blacklist(t, rRepo, gate, "6.6.6.6")

	d := ins.Inspect(browserRequest("6.6.6.6"))
	if d.Allowed || d.Reason != models.ReasonIPBlacklisted {
		t.Errorf("expected ip_blacklisted block, got %+v", d)
	}

	// Other IPs are untouched.
	if d := ins.Inspect(browserRequest("7.7.7.7")); !d.Allowed {
		t.Errorf("unrelated IP blocked: %+v", d)
	}
}

// The signature checks outrank the blacklist: an attack from a
// blacklisted IP reports the attack, not the listing.
func TestInspector_CheckOrder(t *testing.T) {
	ins, gate, rRepo := newTestInspector(t, testConfig())

	blacklist(t, rRepo, gate, "6.6.6.6")

	req := browserRequest("6.6.6.6")
	req.Query = map[string][]string{"id": {"1 UNION SELECT 1"}}
	d := ins.Inspect(req)
	if d.Reason != models.ReasonSQLInjection {
		t.Errorf("expected sql_injection to win, got %+v", d)
	}

	req = browserRequest("6.6.6.6")
	req.UserAgent = "nikto/2.5"
	d = ins.Inspect(req)
	if d.Reason != models.ReasonBadBot {
		t.Errorf("expected bad_bot to win over blacklist, got %+v", d)
	}
}

func TestInspector_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRequests = 3
	ins, _, _ := newTestInspector(t, cfg)

	req := browserRequest("9.9.9.9")
	for i := 0; i < 3; i++ {
		if d := ins.Inspect(req); !d.Allowed {
			t.Fatalf("request %d should pass, got %+v", i+1, d)
		}
	}

	d := ins.Inspect(req)
	if d.Allowed || d.Reason != models.ReasonRateLimit {
		t.Errorf("expected rate_limit block, got %+v", d)
	}

	// The rate limiter runs before the signature checks.
	req.UserAgent = "curl/8.4.0"
	d = ins.Inspect(req)
	if d.Reason != models.ReasonRateLimit {
		t.Errorf("expected rate_limit to win, got %+v", d)
	}
}

type recordedAlert struct {
	severity string
	title    string
	ip       string
}

type stubAlerter struct {
	alerts []recordedAlert
}

func (s *stubAlerter) Notify(severity, title, message, ip string) {
	s.alerts = append(s.alerts, recordedAlert{severity, title, ip})
}

type recordingFeed struct {
	events []models.SecurityEvent
}

func (r *recordingFeed) BroadcastEvent(action string, data interface{}) {
	if ev, ok := data.(models.SecurityEvent); ok {
		r.events = append(r.events, ev)
	}
}

func TestInspector_BlockSendsAlert(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	port, _ := strconv.Atoi(mr.Port())
	rRepo := repository.NewRedisRepository(mr.Host(), port, "", 0)

	cfg := testConfig()
	alerter := &stubAlerter{}
	gate := NewReputationGate(cfg, rRepo, NewGeoIPResolver(), NewNotifier(nil))
	ins := NewInspector(cfg, NewPatternMatcher(), gate, NewRateLimiter(rRepo), NewAuditService(nil, nil), alerter)

	req := browserRequest("1.2.3.4")
	req.Query = map[string][]string{"id": {"1 UNION SELECT 1"}}
	if d := ins.Inspect(req); d.Allowed {
		t.Fatalf("expected block, got %+v", d)
	}

	if len(alerter.alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerter.alerts))
	}
	a := alerter.alerts[0]
	if a.severity != "high" || a.ip != "1.2.3.4" {
		t.Errorf("unexpected alert: %+v", a)
	}

	// Allowed requests stay silent.
	if d := ins.Inspect(browserRequest("7.7.7.7")); !d.Allowed {
		t.Fatalf("clean request blocked: %+v", d)
	}
	if len(alerter.alerts) != 1 {
		t.Error("allowed request must not alert")
	}
}

// The audit record's event type is the block reason itself.
func TestInspector_AuditEventType(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	port, _ := strconv.Atoi(mr.Port())
	rRepo := repository.NewRedisRepository(mr.Host(), port, "", 0)

	cfg := testConfig()
	feed := &recordingFeed{}
	gate := NewReputationGate(cfg, rRepo, NewGeoIPResolver(), NewNotifier(nil))
	ins := NewInspector(cfg, NewPatternMatcher(), gate, NewRateLimiter(rRepo), NewAuditService(nil, feed), NewNotifier(nil))

	req := browserRequest("1.2.3.4")
	req.Query = map[string][]string{"id": {"1 UNION SELECT 1"}}
	ins.Inspect(req)

	req = browserRequest("5.6.7.8")
	req.UserAgent = "sqlmap/1.7"
	ins.Inspect(req)

	if len(feed.events) != 2 {
		t.Fatalf("expected two audit events, got %d", len(feed.events))
	}
	if feed.events[0].EventType != string(models.ReasonSQLInjection) {
		t.Errorf("expected sql_injection event type, got %q", feed.events[0].EventType)
	}
	if feed.events[1].EventType != string(models.ReasonBadBot) {
		t.Errorf("expected bad_bot event type, got %q", feed.events[1].EventType)
	}
}

func TestInspector_RateLimitFlagOff(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitingEnabled = false
	cfg.RateLimitRequests = 1
	ins, _, _ := newTestInspector(t, cfg)

	req := browserRequest("9.9.9.9")
	for i := 0; i < 10; i++ {
		if d := ins.Inspect(req); !d.Allowed {
			t.Fatalf("disabled limiter blocked request %d: %+v", i+1, d)
		}
	}
}
