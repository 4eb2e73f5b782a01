package domain

import "time"

// CountBucket is one named tally in a report breakdown.
type CountBucket struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Concentration splits the population between the largest providers
// and everyone else.
type Concentration struct {
	TopProviders int `json:"top_providers"`
	Others       int `json:"others"`
}

// Report is the aggregated view of one crawl, consumed by external
// chart renderers. All breakdowns are sorted by count descending.
type Report struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	TotalNodes    int           `json:"total_nodes"`
	Countries     []CountBucket `json:"countries"`
	Organizations []CountBucket `json:"organizations"`
	Subnets       []CountBucket `json:"subnets"`
	Concentration Concentration `json:"concentration"`
}
