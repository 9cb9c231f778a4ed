package service

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

// PatternMatcher holds the compiled signature sets for SQL injection,
// XSS, and bad-bot detection. All methods are pure functions of their
// input and safe for concurrent use.
type PatternMatcher struct {
	sqlPatterns []*regexp.Regexp
}

// Ordered list of SQL injection signatures. Order determines which
// pattern gets reported, not the boolean outcome.
var sqlPatternSources = []string{
	`union.*select`,
	`select.*from.*information_schema`,
	`select.*from.*mysql`,
	`extractvalue\s*\(`,
	`updatexml\s*\(`,
	`benchmark\s*\(`,
	`sleep\s*\(\s*\d+\s*\)`,
	`concat\s*\(.*char\(`,
	`group_concat\s*\(`,
	`load_file\s*\(`,
	`outfile\s*["']`,
	`dumpfile\s*["']`,
	`into.*outfile`,
	`procedure.*analyse`,
	`waitfor.*delay`,
	`pg_sleep\s*\(`,
	`dbms_pipe\.receive_message`,
	`declare.*@`,
	`exec\s*\(`,
	`execute\s*\(`,
	`0x[0-9a-f]+`,
	`char\(\d+\)`,
	`--\s*$`,
	`#\s*$`,
	`/\*.*\*/`,
}

// XSS markers are matched as plain substrings after entity decoding.
var xssMarkers = []string{
	"<script",
	"javascript:",
	"onerror=",
	"onload=",
	"onclick=",
	"onmouseover=",
	"onfocus=",
	"<iframe",
	"<embed",
	"<object",
	"<applet",
	"<svg",
	"document.cookie",
	"document.write",
	"window.location",
	"eval(",
	"expression(",
	"vbscript:",
	"data:text/html",
	"&#x",
	"&#",
}

// Known scraper and pentest tool tokens, matched case-insensitively
// against the user-agent.
var badBotTokens = []string{
	"semrush",
	"mj12bot",
	"ahrefsbot",
	"dotbot",
	"rogerbot",
	"exabot",
	"facebot",
	"ia_archiver",
	"scrapy",
	"curl",
	"wget",
	"python",
	"nikto",
	"sqlmap",
	"nmap",
	"masscan",
	"zmeu",
	"webshag",
}

func NewPatternMatcher() *PatternMatcher {
	pm := &PatternMatcher{
		sqlPatterns: make([]*regexp.Regexp, 0, len(sqlPatternSources)),
	}
	for _, src := range sqlPatternSources {
		pm.sqlPatterns = append(pm.sqlPatterns, regexp.MustCompile(`(?i)`+src))
	}
	return pm
}

// MatchSQLInjection URL-decodes and lowercases input, then tests the
// ordered signature list. Returns the first matching pattern source.
func (pm *PatternMatcher) MatchSQLInjection(input string) (bool, string) {
	s := strings.ToLower(urlDecode(input))
	for i, re := range pm.sqlPatterns {
		if re.MatchString(s) {
			return true, sqlPatternSources[i]
		}
	}
	return false, ""
}

// MatchXSS entity-decodes and lowercases input, then checks for any of
// the literal markers.
func (pm *PatternMatcher) MatchXSS(input string) (bool, string) {
	s := strings.ToLower(html.UnescapeString(input))
	for _, marker := range xssMarkers {
		if strings.Contains(s, marker) {
			return true, marker
		}
	}
	return false, ""
}

// IsBadBot reports whether userAgent belongs to a known scraper or
// scanning tool. An empty user-agent is itself suspicious.
func (pm *PatternMatcher) IsBadBot(userAgent string) bool {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return true
	}
	for _, token := range badBotTokens {
		if strings.Contains(ua, token) {
			return true
		}
	}
	return false
}

// urlDecode is forgiving: input that fails to decode is inspected
// verbatim, matching the treatment of malformed client data as opaque
// strings.
func urlDecode(s string) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return s
}
