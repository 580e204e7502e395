package geo

import (
	"net"

	geoip2 "github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"
)

// Resolver maps source IPs to city/country, best effort. Enrichment never
// fails a write: lookups that cannot be answered yield empty strings.
type Resolver struct {
	db *geoip2.Reader
}

// New opens the GeoIP2 database at path. An empty path yields a resolver
// that returns empty results, so enrichment degrades cleanly when no
// database file is deployed.
func New(path string) (*Resolver, error) {
	if path == "" {
		log.Warn().Msg("no GeoIP database configured, scan events will not be geo-enriched")
		return &Resolver{}, nil
	}

	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &Resolver{db: db}, nil
}

func (r *Resolver) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Lookup returns the city name and ISO country code for an IP, or empty
// strings when they cannot be derived.
func (r *Resolver) Lookup(ipStr string) (city, country string) {
	if r.db == nil {
		return "", ""
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", ""
	}

	record, err := r.db.City(ip)
	if err != nil {
		log.Debug().Err(err).Str("ip", ipStr).Msg("geo lookup failed")
		return "", ""
	}

	return record.City.Names["en"], record.Country.IsoCode
}
