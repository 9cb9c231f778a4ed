package service

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/oschwald/geoip2-golang"
	zlog "github.com/rs/zerolog/log"
)

// GeoIPResolver answers country lookups from a local MaxMind database.
// A missing database is not an error: lookups report "no information"
// and the caller fails open.
type GeoIPResolver struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
}

func findGeoIPPath(filename string) string {
	paths := []string{
		filepath.Join("/home/webshield/geoip", filename),
		filepath.Join("/home/webshield", filename),
		filepath.Join("/usr/share/GeoIP", filename),
		filepath.Join("/tmp", filename),
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func NewGeoIPResolver() *GeoIPResolver {
	r := &GeoIPResolver{}
	r.Reload()
	return r
}

// Reload reopens the database, picking up a freshly downloaded file.
func (g *GeoIPResolver) Reload() {
	countryPath := findGeoIPPath("GeoLite2-Country.mmdb")
	if countryPath == "" {
		countryPath = findGeoIPPath("GeoLite2-City.mmdb")
	}
	if countryPath == "" {
		return
	}
	reader, err := geoip2.Open(countryPath)
	if err != nil {
		zlog.Error().Err(err).Str("path", countryPath).Msg("GeoIPResolver: failed to open database")
		return
	}
	g.mu.Lock()
	old := g.reader
	g.reader = reader
	g.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	zlog.Info().Str("path", countryPath).Msg("GeoIPResolver: database loaded")
}

// CountryCode resolves the ISO country code for ip. Returns an error
// when no database is loaded or the IP is unparseable.
func (g *GeoIPResolver) CountryCode(ipStr string) (string, error) {
	g.mu.RLock()
	reader := g.reader
	g.mu.RUnlock()

	if reader == nil {
		return "", fmt.Errorf("geoip database not loaded")
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", fmt.Errorf("invalid IP: %s", ipStr)
	}
	record, err := reader.Country(ip)
	if err != nil {
		return "", err
	}
	return record.Country.IsoCode, nil
}
