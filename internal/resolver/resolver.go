// Package resolver maps peer addresses to ownership metadata: the
// autonomous system, the operating organization, and the country.
//
// Three implementations exist: GeoIP reads local MaxMind databases,
// WebAPI queries an ip-api.com style HTTP endpoint, and Mock produces
// deterministic synthetic metadata for demo runs. Callers treat
// per-lookup failure as non-fatal and substitute Placeholder values.
package resolver

import (
	"context"
	"errors"

	"sybilscan/internal/domain"
)

// Info is the resolved ownership metadata for one address.
type Info struct {
	ASN          string
	Organization string
	Country      string
}

// Resolver resolves a single IP address. Implementations must be safe
// for concurrent use; crawl workers share one instance.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (Info, error)
}

// ErrUnresolvable marks an address the backend affirmatively cannot
// resolve (private ranges, bogons). Unlike transient errors, callers
// should not retry these.
var ErrUnresolvable = errors.New("resolver: address not resolvable")

// Placeholder returns the Info recorded when resolution fails. The
// store's conflict policy recognizes these values and lets enrichment
// replace them later.
func Placeholder() Info {
	return Info{
		ASN:          domain.UnknownASN,
		Organization: domain.UnknownOrg,
		Country:      domain.UnknownCountry,
	}
}
