package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sybilscan/internal/config"
	"sybilscan/internal/pipeline"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "path to config file (overrides search paths)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	crawlTime := flag.Duration("time", 0, "crawl duration (overrides config)")
	mock := flag.Bool("mock", false, "skip crawling and load a synthetic demo population")
	skipScan := flag.Bool("skip-scan", false, "analyze the existing database without crawling")
	skipReport := flag.Bool("skip-report", false, "do not write the JSON report")
	writeConfig := flag.String("write-config", "", "write the effective config to this path and exit")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	if err := run(logger, *configPath, *dbPath, *crawlTime, *writeConfig, *mock, *skipScan, *skipReport); err != nil {
		level.Error(logger).Log("msg", "fatal", "err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, configPath, dbPath string, crawlTime time.Duration, writeConfig string, mock, skipScan, skipReport bool) error {
	var (
		cfg  *config.Config
		from string
		err  error
	)
	if configPath != "" {
		cfg, from, err = config.LoadFromPath(configPath)
	} else {
		cfg, from, err = config.Load()
	}
	if err != nil {
		return err
	}
	if from != "" {
		level.Info(logger).Log("msg", "config loaded", "path", from)
	} else {
		level.Info(logger).Log("msg", "no config file found, using defaults")
	}

	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if crawlTime > 0 {
		cfg.Crawl.Duration = config.Duration(crawlTime)
	}

	if writeConfig != "" {
		if err := cfg.Save(writeConfig); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "config written", "path", writeConfig)
		return nil
	}

	p, err := pipeline.New(cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case mock:
		if err := p.InjectSeed(ctx); err != nil {
			return err
		}
	case skipScan:
		level.Info(logger).Log("msg", "skipping scan, analyzing existing database")
	default:
		err := p.RunCrawl(ctx, cfg.Crawl.Duration.Duration())
		switch {
		case errors.Is(err, pipeline.ErrDegraded):
			level.Warn(logger).Log("msg", "crawl degraded", "err", err)
		case err != nil:
			return err
		}

		if err := p.RunEnrichment(ctx); err != nil {
			if ctx.Err() != nil {
				level.Warn(logger).Log("msg", "enrichment interrupted")
			} else {
				level.Warn(logger).Log("msg", "enrichment incomplete", "err", err)
			}
		}
	}

	// The signal context is spent once the crawl shuts down; analysis
	// and the report run on their own context so an interrupted scan
	// still reports what it found before exiting.
	if ctx.Err() != nil {
		level.Warn(logger).Log("msg", "interrupted, reporting partial results")
	}
	analysisCtx := context.Background()

	groups, err := p.RunDetection(analysisCtx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		level.Info(logger).Log("msg", "no concentration above threshold",
			"threshold_pct", cfg.Detection.ThresholdPercent)
	}
	for _, g := range groups {
		fmt.Printf("SYBIL ALERT: %q controls %d nodes (%.1f%% of network)\n",
			g.Organization, g.Count, g.PercentOfTotal)
	}

	if !skipReport {
		path, err := p.RunReport(analysisCtx)
		if err != nil {
			return err
		}
		level.Info(logger).Log("msg", "report written", "path", path)
	}

	return nil
}
