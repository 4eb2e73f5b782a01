package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"sybilscan/internal/domain"
)

// Config is the root configuration structure
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
	Enrich    EnrichConfig    `yaml:"enrich"`
	Detection DetectionConfig `yaml:"detection"`
	Report    ReportConfig    `yaml:"report"`
}

// DatabaseConfig controls the persistent node store
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// FlushThreshold is the buffered-event count that triggers a batch commit
	FlushThreshold int `yaml:"flush_threshold"`
}

// CrawlConfig controls the discovery engine
type CrawlConfig struct {
	Concurrency     int      `yaml:"concurrency"`
	ProbeTimeout    Duration `yaml:"probe_timeout"`
	Duration        Duration `yaml:"duration"`
	TargetsFile     string   `yaml:"targets_file"`
	PublicSources   []string `yaml:"public_sources"`
	DefaultPort     uint16   `yaml:"default_port"`
	ProtocolVersion int      `yaml:"protocol_version"`
	UserAgent       string   `yaml:"user_agent"`
}

// GeoIPConfig points at local MaxMind databases. Either path may be
// empty; with both missing the crawler falls back to the deterministic
// mock resolver.
type GeoIPConfig struct {
	CityDB string `yaml:"city_db"`
	ASNDB  string `yaml:"asn_db"`
}

// EnrichConfig controls the post-crawl resolution pass
type EnrichConfig struct {
	APIURL string `yaml:"api_url"`
	// MinInterval spaces lookups to respect the API's rate limit
	MinInterval Duration `yaml:"min_interval"`
}

// DetectionConfig controls the concentration detector
type DetectionConfig struct {
	ThresholdPercent float64 `yaml:"threshold_percent"`
	MinGroupSize     int     `yaml:"min_group_size"`
}

// ReportConfig controls report output
type ReportConfig struct {
	Path string `yaml:"path"`
}

// Duration wraps time.Duration for YAML parsing ("2s", "1.5s", "30m")
type Duration time.Duration

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// DefaultPublicSources are the node directories scraped when the
// config does not override them.
var DefaultPublicSources = []string{
	"https://raw.githubusercontent.com/monero-project/monero/master/src/p2p/net_node.inl",
	"https://monero.fail/?nettype=mainnet",
}

// DefaultConfig returns sensible defaults for a new installation
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:           "./sybilscan.db",
			FlushThreshold: 50,
		},
		Crawl: CrawlConfig{
			Concurrency:     50,
			ProbeTimeout:    Duration(2 * time.Second),
			Duration:        Duration(30 * time.Second),
			TargetsFile:     "targets.txt",
			PublicSources:   DefaultPublicSources,
			DefaultPort:     domain.DefaultPort,
			ProtocolVersion: domain.DefaultProtocolVersion,
			UserAgent:       domain.DefaultUserAgent,
		},
		GeoIP: GeoIPConfig{
			CityDB: "data/GeoLite2-City.mmdb",
			ASNDB:  "data/GeoLite2-ASN.mmdb",
		},
		Enrich: EnrichConfig{
			APIURL:      "http://ip-api.com",
			MinInterval: Duration(1500 * time.Millisecond),
		},
		Detection: DetectionConfig{
			ThresholdPercent: 20,
			MinGroupSize:     5,
		},
		Report: ReportConfig{
			Path: "reports/report.json",
		},
	}
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.Database.Path == "" {
		c.Database.Path = def.Database.Path
	}
	if c.Database.FlushThreshold == 0 {
		c.Database.FlushThreshold = def.Database.FlushThreshold
	}
	if c.Crawl.Concurrency == 0 {
		c.Crawl.Concurrency = def.Crawl.Concurrency
	}
	if c.Crawl.ProbeTimeout == 0 {
		c.Crawl.ProbeTimeout = def.Crawl.ProbeTimeout
	}
	if c.Crawl.Duration == 0 {
		c.Crawl.Duration = def.Crawl.Duration
	}
	if c.Crawl.PublicSources == nil {
		c.Crawl.PublicSources = def.Crawl.PublicSources
	}
	if c.Crawl.DefaultPort == 0 {
		c.Crawl.DefaultPort = def.Crawl.DefaultPort
	}
	if c.Crawl.ProtocolVersion == 0 {
		c.Crawl.ProtocolVersion = def.Crawl.ProtocolVersion
	}
	if c.Crawl.UserAgent == "" {
		c.Crawl.UserAgent = def.Crawl.UserAgent
	}
	if c.Enrich.APIURL == "" {
		c.Enrich.APIURL = def.Enrich.APIURL
	}
	if c.Enrich.MinInterval == 0 {
		c.Enrich.MinInterval = def.Enrich.MinInterval
	}
	if c.Detection.ThresholdPercent == 0 {
		c.Detection.ThresholdPercent = def.Detection.ThresholdPercent
	}
	if c.Detection.MinGroupSize == 0 {
		c.Detection.MinGroupSize = def.Detection.MinGroupSize
	}
	if c.Report.Path == "" {
		c.Report.Path = def.Report.Path
	}
}

// Validate rejects configurations the pipeline cannot run with. It is
// called before any network or database activity.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.FlushThreshold < 1 {
		return fmt.Errorf("database.flush_threshold must be positive, got %d", c.Database.FlushThreshold)
	}
	if c.Crawl.Concurrency < 1 {
		return fmt.Errorf("crawl.concurrency must be positive, got %d", c.Crawl.Concurrency)
	}
	if c.Crawl.ProbeTimeout <= 0 {
		return fmt.Errorf("crawl.probe_timeout must be positive")
	}
	if c.Crawl.Duration <= 0 {
		return fmt.Errorf("crawl.duration must be positive")
	}
	if c.Enrich.APIURL == "" {
		return fmt.Errorf("enrich.api_url is required")
	}
	if c.Enrich.MinInterval < 0 {
		return fmt.Errorf("enrich.min_interval must not be negative")
	}
	if c.Detection.ThresholdPercent <= 0 || c.Detection.ThresholdPercent > 100 {
		return fmt.Errorf("detection.threshold_percent must be in (0, 100], got %g", c.Detection.ThresholdPercent)
	}
	if c.Detection.MinGroupSize < 0 {
		return fmt.Errorf("detection.min_group_size must not be negative")
	}
	return nil
}
