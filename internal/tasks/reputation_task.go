package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"webshield/internal/config"
	"webshield/internal/models"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

const (
	TypeReputationCheck = "reputation:check"

	// Verdicts are cached this long; within the window repeat sightings
	// of an IP cost no API calls.
	threatCacheTTL = 24 * time.Hour
)

type ReputationPayload struct {
	IP string `json:"ip"`
}

func NewReputationCheckTask(ip string) (*asynq.Task, error) {
	payload, err := json.Marshal(ReputationPayload{IP: ip})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReputationCheck, payload, asynq.MaxRetry(2), asynq.Queue("low"), asynq.Timeout(30*time.Second)), nil
}

// ThreatStore persists oracle verdicts.
type ThreatStore interface {
	UpsertThreatReport(t models.ThreatReport) error
}

// ThreatCache holds the short-term verdict cache and the blacklist.
type ThreatCache interface {
	SetCache(key string, val interface{}, expiration time.Duration) error
	AddToBlacklist(ip string, entry models.ListEntry) (bool, error)
}

// EventLogger records audit events; implementations must never block
// enforcement on sink failures.
type EventLogger interface {
	Log(eventType, severity, message, ip, username string, detail interface{})
}

type ReputationTaskHandler struct {
	cfg    *config.Config
	store  ThreatStore
	cache  ThreatCache
	audit  EventLogger
	asynqC *asynq.Client
	client *http.Client
}

func NewReputationTaskHandler(cfg *config.Config, store ThreatStore, cache ThreatCache, audit EventLogger, asynqClient *asynq.Client) *ReputationTaskHandler {
	return &ReputationTaskHandler{
		cfg:    cfg,
		store:  store,
		cache:  cache,
		audit:  audit,
		asynqC: asynqClient,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type abuseIPDBResponse struct {
	Data struct {
		IPAddress            string `json:"ipAddress"`
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		CountryCode          string `json:"countryCode"`
		ISP                  string `json:"isp"`
		TotalReports         int    `json:"totalReports"`
	} `json:"data"`
}

// threatLevel buckets an abuse confidence score.
func threatLevel(score int) string {
	switch {
	case score >= 75:
		return "critical"
	case score >= 50:
		return "high"
	case score >= 25:
		return "medium"
	default:
		return "low"
	}
}

func (h *ReputationTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p ReputationPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	if h.cfg.AbuseIPDBAPIKey == "" {
		return fmt.Errorf("AbuseIPDB API key not configured: %w", asynq.SkipRetry)
	}

	report, err := h.lookup(ctx, p.IP)
	if err != nil {
		return err
	}

	if err := h.store.UpsertThreatReport(*report); err != nil {
		zlog.Error().Err(err).Str("ip", p.IP).Msg("Failed to persist threat report")
	}
	if err := h.cache.SetCache("threat:"+p.IP, report, threatCacheTTL); err != nil {
		zlog.Error().Err(err).Str("ip", p.IP).Msg("Failed to cache threat report")
	}

	if report.IsMalicious {
		h.audit.Log("threat_detected", threatLevel(report.AbuseScore),
			fmt.Sprintf("Threat intelligence flagged %s (score %d)", p.IP, report.AbuseScore),
			p.IP, "", report)
	}

	if h.cfg.AutoBlacklistThreats && report.AbuseScore >= h.cfg.AutoBlacklistScore {
		h.autoBlacklist(p.IP, report)
	}

	return nil
}

func (h *ReputationTaskHandler) lookup(ctx context.Context, ip string) (*models.ThreatReport, error) {
	endpoint := fmt.Sprintf("https://api.abuseipdb.com/api/v2/check?ipAddress=%s&maxAgeInDays=90", ip)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Key", h.cfg.AbuseIPDBAPIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		// Daily quota exhausted; retrying today will not help.
		return nil, fmt.Errorf("AbuseIPDB quota exhausted: %w", asynq.SkipRetry)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("AbuseIPDB returned %s", resp.Status)
	}

	var body abuseIPDBResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	score := body.Data.AbuseConfidenceScore
	return &models.ThreatReport{
		IPAddress:    ip,
		AbuseScore:   score,
		ThreatLevel:  threatLevel(score),
		CountryCode:  body.Data.CountryCode,
		ISP:          body.Data.ISP,
		TotalReports: body.Data.TotalReports,
		IsMalicious:  score >= 50,
	}, nil
}

func (h *ReputationTaskHandler) autoBlacklist(ip string, report *models.ThreatReport) {
	entry := models.ListEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Reason:    fmt.Sprintf("threat intelligence score %d", report.AbuseScore),
		AddedBy:   "threat_intel",
	}
	added, err := h.cache.AddToBlacklist(ip, entry)
	if err != nil {
		zlog.Error().Err(err).Str("ip", ip).Msg("Auto-blacklist failed")
		return
	}
	if !added {
		return
	}

	h.audit.Log("auto_blacklist", "critical",
		fmt.Sprintf("Auto-blacklisted %s after threat score %d", ip, report.AbuseScore),
		ip, "", report)

	if task, err := NewNotifyTask("critical", "IP Auto-Blacklisted",
		fmt.Sprintf("Threat intelligence reported score %d (%s, %s). The IP was added to the blacklist.",
			report.AbuseScore, report.CountryCode, report.ISP), ip); err == nil {
		if _, err := h.asynqC.Enqueue(task); err != nil {
			zlog.Error().Err(err).Msg("Failed to enqueue notification")
		}
	}
}
