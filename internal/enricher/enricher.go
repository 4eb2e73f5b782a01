// Package enricher resolves the records a crawl left with placeholder
// metadata. It is a plain sequential pass: one lookup at a time,
// spaced by a rate limiter to respect the lookup API's quota.
package enricher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"

	"sybilscan/internal/resolver"
	"sybilscan/internal/store"
)

// DefaultMinInterval spaces lookups for ip-api.com's free tier.
const DefaultMinInterval = 1500 * time.Millisecond

// Enricher backfills organization and country for unresolved records.
type Enricher struct {
	store    *store.Store
	resolver resolver.Resolver
	limiter  *rate.Limiter
	logger   log.Logger
}

// New creates an enricher. minInterval <= 0 selects the default.
func New(st *store.Store, res resolver.Resolver, minInterval time.Duration, logger log.Logger) *Enricher {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Enricher{
		store:    st,
		resolver: res,
		limiter:  rate.NewLimiter(rate.Every(minInterval), 1),
		logger:   logger,
	}
}

// Run resolves every unresolved record once. Transient lookup
// failures skip the record (a later run retries it); addresses the
// backend affirmatively cannot resolve are marked so they are not
// retried forever. Returns early with ctx.Err() on cancellation.
func (e *Enricher) Run(ctx context.Context) error {
	ips, err := e.store.UnresolvedIPs(ctx)
	if err != nil {
		return fmt.Errorf("enrich: %w", err)
	}
	if len(ips) == 0 {
		level.Info(e.logger).Log("msg", "enrichment: nothing to resolve")
		return nil
	}

	level.Info(e.logger).Log("msg", "enrichment started", "unresolved", len(ips))

	resolved := 0
	for _, ip := range ips {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		info, err := e.resolver.Resolve(ctx, ip)
		switch {
		case err == nil:
			if uerr := e.store.UpdateResolution(ctx, ip, info.Organization, info.Country); uerr != nil {
				level.Warn(e.logger).Log("msg", "enrichment update failed", "ip", ip, "err", uerr)
				continue
			}
			resolved++
			level.Debug(e.logger).Log("msg", "resolved", "ip", ip, "country", info.Country)

		case errors.Is(err, resolver.ErrUnresolvable):
			// Private ranges and bogons. "ZZ" is the user-assigned
			// code for unknown territory; unlike "XX" it is not a
			// placeholder, so the next run skips these.
			if uerr := e.store.UpdateResolution(ctx, ip, "Private", "ZZ"); uerr != nil {
				level.Warn(e.logger).Log("msg", "enrichment update failed", "ip", ip, "err", uerr)
			}

		case ctx.Err() != nil:
			return ctx.Err()

		default:
			level.Warn(e.logger).Log("msg", "lookup failed", "ip", ip, "err", err)
		}
	}

	level.Info(e.logger).Log("msg", "enrichment finished", "resolved", resolved, "total", len(ips))
	return nil
}
