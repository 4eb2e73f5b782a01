package domain

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Defaults for the Monero mainnet P2P surface. Liveness probing never
// performs the protocol handshake, so version and user agent are
// synthesized from these rather than observed.
const (
	DefaultPort            uint16 = 18080
	DefaultProtocolVersion        = 1
	DefaultUserAgent              = "Monero/0.18.0.0"
)

// Placeholder values recorded when metadata could not be resolved.
// Enrichment later replaces them; the store's upsert policy never lets
// a placeholder overwrite a previously resolved value.
const (
	UnknownASN     = "Unknown"
	UnknownOrg     = "Unknown ISP"
	UnknownCountry = "XX"
)

// Target is a candidate address to probe. Targets are ephemeral: they
// are consumed once by a crawl worker and never persisted.
type Target struct {
	Host string
	Port uint16
}

// Addr returns the host:port dial address.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// DiscoveryEvent is the metadata produced by one successful probe. It
// is owned by the probing worker until handed to the store's buffer,
// where it becomes a NodeRecord on the next flush.
type DiscoveryEvent struct {
	IP              string
	Port            uint16
	ProtocolVersion int
	UserAgent       string
	ASN             string
	Organization    string
	CountryCode     string
}

// NodeRecord is the persisted, deduplicated-by-IP representation of a
// discovered peer. Exactly one record exists per distinct IP; LastSeen
// is monotonically non-decreasing across flushes.
type NodeRecord struct {
	IP              string
	Port            uint16
	ProtocolVersion int
	UserAgent       string
	ASN             string
	Organization    string
	CountryCode     string
	FirstSeen       time.Time
	LastSeen        time.Time
}

// ConcentrationGroup is one organization's share of the discovered
// population. Derived fresh on every detector run, never persisted.
type ConcentrationGroup struct {
	Organization   string
	Count          int
	PercentOfTotal float64
}

// IsPlaceholderOrg reports whether an organization value carries no
// real information and may be overwritten by enrichment.
func IsPlaceholderOrg(org string) bool {
	switch org {
	case "", UnknownASN, UnknownOrg:
		return true
	}
	return false
}

// IsPlaceholderCountry reports whether a country code carries no real
// information. "None" appears in data imported from older scans.
func IsPlaceholderCountry(code string) bool {
	switch code {
	case "", UnknownCountry, "Unknown", "None":
		return true
	}
	return false
}

// SubnetKey collapses an IPv4 address to its /16 bucket ("a.b.0.0"),
// used by the report to surface address-space clustering. Returns the
// input unchanged when it does not look like dotted quad.
func SubnetKey(ip string) string {
	parts := strings.Split(strings.TrimSpace(ip), ".")
	if len(parts) != 4 {
		return ip
	}
	return parts[0] + "." + parts[1] + ".0.0"
}
