package resolver

import (
	"context"
	"fmt"
	"net"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oschwald/geoip2-golang"
)

// GeoIP resolves addresses against local MaxMind GeoLite2 databases.
// Either database may be absent; the corresponding fields then stay at
// their placeholder values.
type GeoIP struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// ErrNoDatabases is returned by NewGeoIP when neither database could
// be opened. Callers typically fall back to the Mock resolver.
var ErrNoDatabases = fmt.Errorf("resolver: no geoip databases available")

// NewGeoIP opens the city and ASN databases at the given paths. A path
// that cannot be opened is logged and skipped; only the total absence
// of databases is an error.
func NewGeoIP(cityPath, asnPath string, logger log.Logger) (*GeoIP, error) {
	g := &GeoIP{}

	if cityPath != "" {
		reader, err := geoip2.Open(cityPath)
		if err != nil {
			level.Warn(logger).Log("msg", "city database unavailable", "path", cityPath, "err", err)
		} else {
			g.city = reader
		}
	}

	if asnPath != "" {
		reader, err := geoip2.Open(asnPath)
		if err != nil {
			level.Warn(logger).Log("msg", "asn database unavailable", "path", asnPath, "err", err)
		} else {
			g.asn = reader
		}
	}

	if g.city == nil && g.asn == nil {
		return nil, ErrNoDatabases
	}
	return g, nil
}

// Resolve looks up the address in whichever databases are loaded.
func (g *GeoIP) Resolve(_ context.Context, ip string) (Info, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Info{}, fmt.Errorf("resolver: invalid address %q", ip)
	}

	info := Placeholder()

	if g.asn != nil {
		if rec, err := g.asn.ASN(parsed); err == nil && rec.AutonomousSystemOrganization != "" {
			info.ASN = fmt.Sprintf("AS%d", rec.AutonomousSystemNumber)
			info.Organization = rec.AutonomousSystemOrganization
		}
	}

	if g.city != nil {
		if rec, err := g.city.City(parsed); err == nil && rec.Country.IsoCode != "" {
			info.Country = rec.Country.IsoCode
		}
	}

	return info, nil
}

// Close releases the open database readers.
func (g *GeoIP) Close() error {
	var firstErr error
	if g.city != nil {
		if err := g.city.Close(); err != nil {
			firstErr = err
		}
	}
	if g.asn != nil {
		if err := g.asn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
