package resolver

import (
	"context"
	"math/rand"
)

// Profile describes one synthetic attacker: the infrastructure a demo
// Sybil cluster appears to run on.
type Profile struct {
	ASN          string
	Organization string
	Country      string
}

// sybilProfiles are the attacker scenarios a mock session picks from,
// so repeated demo runs do not always blame the same provider.
var sybilProfiles = []Profile{
	{ASN: "AS14061", Organization: "DigitalOcean, LLC", Country: "US"},
	{ASN: "AS24940", Organization: "Hetzner Online GmbH", Country: "DE"},
	{ASN: "AS45102", Organization: "Alibaba Cloud", Country: "CN"},
	{ASN: "AS9009", Organization: "M247 Ltd", Country: "RO"},
}

// Background noise for addresses outside the synthetic cluster.
var (
	mockOrgs = []Profile{
		{ASN: "AS16509", Organization: "Amazon.com"},
		{ASN: "AS13335", Organization: "Cloudflare, Inc."},
		{ASN: "AS7922", Organization: "Comcast Cable"},
		{ASN: "AS20473", Organization: "Choopa, LLC"},
		{ASN: "AS3320", Organization: "Deutsche Telekom AG"},
		{ASN: "AS1239", Organization: "Sprint"},
	}
	mockCountries = []string{"FR", "NL", "RU", "SG", "JP", "GB", "CA", "BR", "AU", "IN"}
)

// Mock is a deterministic offline resolver. Every third address (by a
// stable per-IP hash) resolves to the session's attacker profile so
// that crawls without GeoIP data still produce a visible cluster.
type Mock struct {
	profile Profile
}

// NewMock picks a random attacker profile for this session.
func NewMock() *Mock {
	return NewMockWithProfile(sybilProfiles[rand.Intn(len(sybilProfiles))])
}

// NewMockWithProfile uses a fixed attacker profile, for reproducible runs.
func NewMockWithProfile(p Profile) *Mock {
	return &Mock{profile: p}
}

// Profile returns the attacker profile selected for this session.
func (m *Mock) Profile() Profile {
	return m.profile
}

// Resolve derives metadata from a stable hash of the address, so the
// same IP always maps to the same organization within a session.
func (m *Mock) Resolve(_ context.Context, ip string) (Info, error) {
	seed := charSum(ip)

	if seed%3 == 0 {
		return Info{
			ASN:          m.profile.ASN,
			Organization: m.profile.Organization,
			Country:      m.profile.Country,
		}, nil
	}

	org := mockOrgs[seed%len(mockOrgs)]
	return Info{
		ASN:          org.ASN,
		Organization: org.Organization,
		Country:      mockCountries[seed%len(mockCountries)],
	}, nil
}

func charSum(s string) int {
	sum := 0
	for _, c := range s {
		sum += int(c)
	}
	return sum
}
