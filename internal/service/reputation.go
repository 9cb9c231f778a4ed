package service

import (
	"sync"
	"time"

	"webshield/internal/config"
	"webshield/internal/models"
	"webshield/internal/repository"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

const geoCacheTTL = 24 * time.Hour

// ReputationGate answers the identity questions of the firewall: is this
// IP trusted, banned, from a blocked country, or a known threat. All
// lookups fail open except the whitelist, where an error simply means
// "not trusted" and inspection continues.
type ReputationGate struct {
	cfg       *config.Config
	redisRepo *repository.RedisRepository
	geo       *GeoIPResolver
	notifier  *Notifier

	blocked map[string]bool // upper-cased ISO codes

	// Negative cache in front of the blacklist hash. A miss here means
	// the IP is definitely not blacklisted; a hit still needs Redis
	// confirmation.
	bloomFilter *bloom.BloomFilter
	bloomMu     sync.RWMutex
}

func NewReputationGate(cfg *config.Config, rRepo *repository.RedisRepository, geo *GeoIPResolver, notifier *Notifier) *ReputationGate {
	g := &ReputationGate{
		cfg:         cfg,
		redisRepo:   rRepo,
		geo:         geo,
		notifier:    notifier,
		blocked:     cfg.BlockedCountrySet(),
		bloomFilter: bloom.NewWithEstimates(1000000, 0.01),
	}
	g.syncBloomFilter()
	return g
}

func (g *ReputationGate) syncBloomFilter() {
	g.bloomMu.Lock()
	defer g.bloomMu.Unlock()

	ips, err := g.redisRepo.GetBlacklist()
	if err != nil {
		zlog.Error().Err(err).Msg("ReputationGate: failed to fetch blacklist for Bloom filter sync")
		return
	}
	for ip := range ips {
		g.bloomFilter.AddString(ip)
	}
	zlog.Info().Int("count", len(ips)).Msg("ReputationGate: synchronized Bloom filter")
}

func (g *ReputationGate) IsWhitelisted(ip string) bool {
	ok, err := g.redisRepo.IsWhitelisted(ip)
	if err != nil {
		zlog.Error().Err(err).Str("ip", ip).Msg("Whitelist lookup failed")
		return false
	}
	return ok
}

func (g *ReputationGate) IsBlacklisted(ip string) bool {
	g.bloomMu.RLock()
	miss := !g.bloomFilter.TestString(ip)
	g.bloomMu.RUnlock()
	if miss {
		return false
	}

	ok, err := g.redisRepo.IsBlacklisted(ip)
	if err != nil {
		zlog.Error().Err(err).Str("ip", ip).Msg("Blacklist lookup failed")
		return false
	}
	return ok
}

// NoteBlacklisted keeps the Bloom filter current after an insertion.
func (g *ReputationGate) NoteBlacklisted(ip string) {
	g.bloomMu.Lock()
	g.bloomFilter.AddString(ip)
	g.bloomMu.Unlock()
}

// Resync rebuilds the Bloom filter from Redis. The filter cannot forget
// members, so removals require a full rebuild.
func (g *ReputationGate) Resync() {
	g.bloomMu.Lock()
	g.bloomFilter = bloom.NewWithEstimates(1000000, 0.01)
	g.bloomMu.Unlock()
	g.syncBloomFilter()
}

type geoVerdict struct {
	CountryCode string `json:"country_code"`
}

// CountryBlocked reports whether ip resolves to a configured blocked
// country, returning the country code for the audit record. Lookups are
// cached for 24h; a failed or empty resolution allows the request.
func (g *ReputationGate) CountryBlocked(ip string) (bool, string) {
	if len(g.blocked) == 0 {
		return false, ""
	}

	var v geoVerdict
	if err := g.redisRepo.GetCache("geo:"+ip, &v); err != nil {
		if err != redis.Nil {
			zlog.Error().Err(err).Str("ip", ip).Msg("Geo cache read failed")
		}
		code, err := g.geo.CountryCode(ip)
		if err != nil {
			zlog.Debug().Err(err).Str("ip", ip).Msg("Geo resolution unavailable, allowing")
			return false, ""
		}
		v.CountryCode = code
		if err := g.redisRepo.SetCache("geo:"+ip, v, geoCacheTTL); err != nil {
			zlog.Error().Err(err).Str("ip", ip).Msg("Geo cache write failed")
		}
	}

	if v.CountryCode == "" {
		return false, ""
	}
	return g.blocked[v.CountryCode], v.CountryCode
}

// ObserveThreat schedules a background reputation lookup for ip unless a
// fresh verdict is already cached. Detection acts through the blacklist,
// never synchronously in the request path.
func (g *ReputationGate) ObserveThreat(ip string) {
	if g.cfg.AbuseIPDBAPIKey == "" || g.notifier == nil {
		return
	}
	var cached models.ThreatReport
	if err := g.redisRepo.GetCache("threat:"+ip, &cached); err == nil {
		return
	}
	g.notifier.RequestThreatCheck(ip)
}
