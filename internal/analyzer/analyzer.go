// Package analyzer computes population statistics over the committed
// node records: the Sybil concentration detector and the report
// aggregation consumed by external chart renderers.
package analyzer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sybilscan/internal/domain"
	"sybilscan/internal/store"
)

// Detector defaults: an organization controlling more than a fifth of
// the observed population, with a non-trivial absolute footprint, is
// flagged.
const (
	DefaultThresholdPercent = 20.0
	DefaultMinGroupSize     = 5
)

// Report breakdown caps, matching what the renderers display.
const (
	reportMaxCountries = 15
	reportMaxOrgs      = 10
	reportMaxSubnets   = 10
	reportTopProviders = 5
)

// Analyzer runs point-in-time statistics against the store. Every
// call recomputes from committed data; nothing is cached, so repeated
// calls over unchanged data return identical results.
type Analyzer struct {
	store  *store.Store
	logger log.Logger
}

// New creates an analyzer over the given store.
func New(st *store.Store, logger log.Logger) *Analyzer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Analyzer{store: st, logger: logger}
}

// Detect returns the organizations whose share of the population
// exceeds thresholdPercent and whose absolute size exceeds
// minGroupSize, largest share first. An empty population yields an
// empty result.
func (a *Analyzer) Detect(ctx context.Context, thresholdPercent float64, minGroupSize int) ([]domain.ConcentrationGroup, error) {
	groups, err := a.store.OrganizationShares(ctx, minGroupSize)
	if err != nil {
		return nil, fmt.Errorf("detect concentration: %w", err)
	}

	var flagged []domain.ConcentrationGroup
	for _, g := range groups {
		if g.PercentOfTotal > thresholdPercent {
			flagged = append(flagged, g)
		}
	}

	for _, g := range flagged {
		level.Warn(a.logger).Log("msg", "sybil alert",
			"organization", g.Organization,
			"nodes", g.Count,
			"network_percent", fmt.Sprintf("%.2f", g.PercentOfTotal))
	}
	return flagged, nil
}

// Report aggregates the committed records into the breakdowns the
// chart renderers consume: countries, organizations, /16 subnet
// clusters, and the top-provider concentration split.
func (a *Analyzer) Report(ctx context.Context) (*domain.Report, error) {
	nodes, err := a.store.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}

	countries := make(map[string]int)
	orgs := make(map[string]int)
	subnets := make(map[string]int)
	for _, n := range nodes {
		country := n.CountryCode
		if domain.IsPlaceholderCountry(country) {
			country = "Unknown"
		}
		countries[country]++

		org := n.Organization
		if org == "" {
			org = domain.UnknownOrg
		}
		orgs[org]++

		subnets[domain.SubnetKey(n.IP)]++
	}

	orgBuckets := sortBuckets(orgs)

	report := &domain.Report{
		GeneratedAt:   time.Now().UTC(),
		TotalNodes:    len(nodes),
		Countries:     head(sortBuckets(countries), reportMaxCountries),
		Organizations: head(orgBuckets, reportMaxOrgs),
		Subnets:       head(sortBuckets(subnets), reportMaxSubnets),
	}

	// Share of the top providers against everyone else.
	for i, b := range orgBuckets {
		if i >= reportTopProviders {
			break
		}
		report.Concentration.TopProviders += b.Count
	}
	report.Concentration.Others = len(nodes) - report.Concentration.TopProviders

	level.Info(a.logger).Log("msg", "report generated", "nodes", report.TotalNodes)
	return report, nil
}

// sortBuckets orders tallies by count descending, name ascending on
// ties, for stable output.
func sortBuckets(m map[string]int) []domain.CountBucket {
	out := make([]domain.CountBucket, 0, len(m))
	for name, count := range m {
		out = append(out, domain.CountBucket{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func head(buckets []domain.CountBucket, n int) []domain.CountBucket {
	if len(buckets) > n {
		return buckets[:n]
	}
	return buckets
}
