// Package pipeline wires the crawl, enrichment, detection, and report
// phases together over one shared store. All failure signaling is by
// returned errors: fatal errors abort the pipeline, ErrDegraded marks
// a phase that finished with incomplete data.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sybilscan/internal/analyzer"
	"sybilscan/internal/config"
	"sybilscan/internal/crawler"
	"sybilscan/internal/domain"
	"sybilscan/internal/enricher"
	"sybilscan/internal/resolver"
	"sybilscan/internal/seed"
	"sybilscan/internal/store"
	"sybilscan/internal/targets"
)

// ErrDegraded marks a phase that completed but lost or failed to
// persist some data. The pipeline can continue; the final numbers are
// a lower bound.
var ErrDegraded = errors.New("pipeline: degraded completion")

// Pipeline owns the store and runs the phases against it.
type Pipeline struct {
	cfg    *config.Config
	store  *store.Store
	logger log.Logger
	dial   crawler.DialFunc
}

// New validates the configuration and opens the store. Both failure
// modes are fatal: nothing can run without a valid config and a
// working database.
func New(cfg *config.Config, logger log.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}

	st, err := store.Open(cfg.Database.Path, cfg.Database.FlushThreshold, log.With(logger, "component", "store"))
	if err != nil {
		return nil, err
	}
	level.Info(logger).Log("msg", "database opened", "path", cfg.Database.Path)

	return &Pipeline{cfg: cfg, store: st, logger: logger}, nil
}

// Store exposes the underlying store, mainly for tests.
func (p *Pipeline) Store() *store.Store {
	return p.store
}

// SetDialFunc replaces the crawl dialer. Intended for tests.
func (p *Pipeline) SetDialFunc(dial crawler.DialFunc) {
	p.dial = dial
}

// Close flushes and releases the store.
func (p *Pipeline) Close() error {
	return p.store.Close()
}

// openResolver picks the crawl-time resolver: local GeoIP databases
// when available, otherwise the deterministic mock (matching the
// behavior of running without GeoLite data).
func (p *Pipeline) openResolver() (resolver.Resolver, func() error) {
	geo, err := resolver.NewGeoIP(p.cfg.GeoIP.CityDB, p.cfg.GeoIP.ASNDB, log.With(p.logger, "component", "resolver"))
	if err != nil {
		level.Warn(p.logger).Log("msg", "geoip unavailable, using mock resolver", "err", err)
		return resolver.NewMock(), func() error { return nil }
	}
	return geo, geo.Close
}

// RunCrawl wipes previous results and crawls for up to deadline.
// Returns nil on a clean run, an ErrDegraded-wrapped error when data
// was lost, and a plain error on fatal failures.
func (p *Pipeline) RunCrawl(ctx context.Context, deadline time.Duration) error {
	level.Info(p.logger).Log("msg", "wiping previous scan results")
	if err := p.store.Reset(ctx); err != nil {
		return err
	}

	src := &targets.Source{
		FilePath:      p.cfg.Crawl.TargetsFile,
		PublicSources: p.cfg.Crawl.PublicSources,
		DefaultPort:   p.cfg.Crawl.DefaultPort,
		Logger:        log.With(p.logger, "component", "targets"),
	}
	tgts, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}

	res, closeResolver := p.openResolver()
	defer closeResolver()

	eng := crawler.New(crawler.Config{
		Concurrency:     p.cfg.Crawl.Concurrency,
		ProbeTimeout:    p.cfg.Crawl.ProbeTimeout.Duration(),
		ProtocolVersion: p.cfg.Crawl.ProtocolVersion,
		UserAgent:       p.cfg.Crawl.UserAgent,
	}, res, p.store, log.With(p.logger, "component", "crawler"))
	if p.dial != nil {
		eng.SetDialFunc(p.dial)
	}

	crawlCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	runErr := eng.Run(crawlCtx, tgts)

	// Final flush regardless of how the run ended; workers may have
	// left events in the buffer. The crawl context may already be
	// cancelled (deadline or operator interrupt), so the commit runs on
	// its own context: an interrupted crawl still keeps what it found.
	level.Info(p.logger).Log("msg", "performing final flush")
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	flushErr := p.store.Flush(flushCtx)

	var degraded *crawler.DegradedError
	switch {
	case errors.As(runErr, &degraded):
		return fmt.Errorf("%w: %d discoveries not persisted", ErrDegraded, degraded.SinkFailures)
	case runErr != nil:
		return runErr
	case flushErr != nil:
		return fmt.Errorf("%w: final flush failed: %v", ErrDegraded, flushErr)
	}
	return nil
}

// RunEnrichment backfills metadata for unresolved records through the
// configured lookup API.
func (p *Pipeline) RunEnrichment(ctx context.Context) error {
	e := enricher.New(
		p.store,
		resolver.NewWebAPI(p.cfg.Enrich.APIURL, nil),
		p.cfg.Enrich.MinInterval.Duration(),
		log.With(p.logger, "component", "enricher"),
	)
	return e.Run(ctx)
}

// RunDetection runs the concentration detector with the configured
// thresholds.
func (p *Pipeline) RunDetection(ctx context.Context) ([]domain.ConcentrationGroup, error) {
	a := analyzer.New(p.store, log.With(p.logger, "component", "analyzer"))
	return a.Detect(ctx, p.cfg.Detection.ThresholdPercent, p.cfg.Detection.MinGroupSize)
}

// RunReport writes the aggregated report as JSON and returns its path.
func (p *Pipeline) RunReport(ctx context.Context) (string, error) {
	a := analyzer.New(p.store, log.With(p.logger, "component", "analyzer"))
	report, err := a.Report(ctx)
	if err != nil {
		return "", err
	}

	path := p.cfg.Report.Path
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// InjectSeed loads the synthetic demo population instead of crawling.
func (p *Pipeline) InjectSeed(ctx context.Context) error {
	return seed.New(p.store, log.With(p.logger, "component", "seed")).Inject(ctx)
}
