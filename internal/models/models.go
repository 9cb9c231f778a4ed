package models

import "time"

// BlockReason is the closed set of reasons the firewall can report.
type BlockReason string

const (
	ReasonGeoBlocked    BlockReason = "geo_blocked"
	ReasonRateLimit     BlockReason = "rate_limit"
	ReasonBadBot        BlockReason = "bad_bot"
	ReasonSQLInjection  BlockReason = "sql_injection"
	ReasonXSSAttack     BlockReason = "xss_attack"
	ReasonIPBlacklisted BlockReason = "ip_blacklisted"
)

// RequestInfo is an immutable snapshot of one inbound request, captured
// before inspection starts.
type RequestInfo struct {
	ClientIP  string
	UserAgent string
	Method    string
	Path      string // raw path + query string
	Query     map[string][]string
	Form      map[string][]string
}

// Decision is the single outcome of inspecting one request. It is never
// persisted by the firewall itself.
type Decision struct {
	Allowed bool
	Reason  BlockReason
	Message string
	// MatchedValue carries the offending input for the audit record,
	// empty when not applicable.
	MatchedValue string
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func Block(reason BlockReason, message, matched string) Decision {
	return Decision{Reason: reason, Message: message, MatchedValue: matched}
}

// ListEntry describes one whitelist or blacklist member.
type ListEntry struct {
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
	AddedBy   string `json:"added_by"`
}

// SecurityEvent is one audit record. Detail is free-form JSON.
type SecurityEvent struct {
	ID        int    `json:"id" db:"id"`
	Timestamp string `json:"timestamp" db:"timestamp"`
	EventType string `json:"event_type" db:"event_type"`
	Severity  string `json:"severity" db:"severity"`
	Message   string `json:"message" db:"message"`
	IPAddress string `json:"ip_address" db:"ip_address"`
	Username  string `json:"username,omitempty" db:"username"`
	Detail    []byte `json:"detail,omitempty" db:"detail"`
}

// ThreatReport is the cached verdict of the reputation oracle for one IP.
type ThreatReport struct {
	IPAddress    string `json:"ip_address" db:"ip_address"`
	AbuseScore   int    `json:"abuse_score" db:"abuse_score"`
	ThreatLevel  string `json:"threat_level" db:"threat_level"`
	CountryCode  string `json:"country_code" db:"country_code"`
	ISP          string `json:"isp" db:"isp"`
	TotalReports int    `json:"total_reports" db:"total_reports"`
	IsMalicious  bool   `json:"is_malicious" db:"is_malicious"`
	LastChecked  string `json:"last_checked" db:"last_checked"`
}

// AdminAccount is a GUI/API account protected by LoginGuard and 2FA.
type AdminAccount struct {
	Username     string `json:"username" db:"username"`
	PasswordHash string `json:"password_hash" db:"password_hash"`
	Role         string `json:"role" db:"role"`
}

// MFASettings holds a committed TOTP enrollment for one account.
type MFASettings struct {
	Username   string    `json:"username" db:"username"`
	Secret     string    `json:"-" db:"secret"`
	EnrolledAt time.Time `json:"enrolled_at" db:"enrolled_at"`
}

// EnrollmentSession is a provisional secret waiting for its first
// successful verification. It lives in Redis with a short TTL.
type EnrollmentSession struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// LockoutStatus reports whether an IP is currently locked out.
type LockoutStatus struct {
	Locked           bool  `json:"locked"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}
