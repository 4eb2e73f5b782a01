// Package crawler implements the discovery engine: a bounded worker
// pool that probes candidate addresses for liveness under a deadline.
//
// A probe is connection establishment only. No protocol handshake is
// performed, so a live node's version and user agent are synthesized
// from configuration rather than observed.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sybilscan/internal/domain"
	"sybilscan/internal/resolver"
)

// State is the engine lifecycle. Once Running, the engine always
// passes through Draining before Terminated, even on immediate
// cancellation, so callers can rely on every worker being observed to
// stop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Sink receives discovery events. The store's buffered Add satisfies
// this; tests substitute an in-memory recorder. Add reports an error
// only when the event was rejected outright; acceptance into a buffer
// that commits later counts as success.
type Sink interface {
	Add(ctx context.Context, ev domain.DiscoveryEvent) error
}

// DialFunc establishes the probe connection. Production uses
// net.Dialer.DialContext; tests inject fakes.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config holds the engine's tunables.
type Config struct {
	// Concurrency is the fixed worker pool size.
	Concurrency int
	// ProbeTimeout bounds a single connection attempt.
	ProbeTimeout time.Duration
	// ProtocolVersion and UserAgent are stamped onto every discovery
	// event; liveness probing cannot observe the real values.
	ProtocolVersion int
	UserAgent       string
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 50
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = domain.DefaultProtocolVersion
	}
	if c.UserAgent == "" {
		c.UserAgent = domain.DefaultUserAgent
	}
}

// ErrNotIdle is returned when Run is called on an engine that already
// ran. Engines are single-use; construct a new one per crawl.
var ErrNotIdle = errors.New("crawler: engine is not idle")

// DegradedError reports a run that finished but failed to hand some
// discoveries to the sink. The crawl result is usable but incomplete.
type DegradedError struct {
	SinkFailures int64
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("crawler: completed with %d unsaved discoveries", e.SinkFailures)
}

// Engine drives one crawl run.
type Engine struct {
	cfg      Config
	resolver resolver.Resolver
	sink     Sink
	logger   log.Logger
	dial     DialFunc

	state atomic.Int32

	mu   sync.Mutex
	seen map[string]struct{}

	probed       atomic.Int64
	alive        atomic.Int64
	sinkFailures atomic.Int64
}

// New creates an engine. The resolver and sink are shared by all
// workers and must be safe for concurrent use.
func New(cfg Config, res resolver.Resolver, sink Sink, logger log.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	dialer := &net.Dialer{}
	return &Engine{
		cfg:      cfg,
		resolver: res,
		sink:     sink,
		logger:   logger,
		dial:     dialer.DialContext,
		seen:     make(map[string]struct{}),
	}
}

// SetDialFunc replaces the connection dialer. Intended for tests.
func (e *Engine) SetDialFunc(dial DialFunc) {
	e.dial = dial
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Stats returns the number of hosts probed and found alive so far.
func (e *Engine) Stats() (probed, alive int64) {
	return e.probed.Load(), e.alive.Load()
}

// Run probes every distinct host in targets and returns when the
// target supply is exhausted and all in-flight probes completed, or
// when ctx is cancelled (deadline or interrupt). Cancellation stops
// the feed immediately and waits for workers to finish their current
// probe, so Run always returns within one probe timeout of ctx ending.
//
// Individual probe failures are expected and silent. Run returns a
// *DegradedError when some discoveries could not be handed to the
// sink, and nil otherwise; cancellation is a normal outcome, not an
// error.
func (e *Engine) Run(ctx context.Context, targets []domain.Target) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrNotIdle
	}

	level.Info(e.logger).Log("msg", "crawl started",
		"targets", len(targets), "concurrency", e.cfg.Concurrency)

	queue := make(chan domain.Target)
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx, queue)
		}()
	}

	// Feed until the supply is exhausted or the run is cancelled.
	// Workers acknowledge a target by returning to the queue receive,
	// so an empty closed queue means every target was handled.
feed:
	for _, tgt := range targets {
		if ctx.Err() != nil {
			break
		}
		select {
		case queue <- tgt:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)

	e.state.Store(int32(StateDraining))
	wg.Wait()
	e.state.Store(int32(StateTerminated))

	probed, alive := e.Stats()
	level.Info(e.logger).Log("msg", "crawl finished",
		"probed", probed, "alive", alive, "cancelled", ctx.Err() != nil)

	if n := e.sinkFailures.Load(); n > 0 {
		return &DegradedError{SinkFailures: n}
	}
	return nil
}

func (e *Engine) worker(ctx context.Context, queue <-chan domain.Target) {
	for {
		select {
		case <-ctx.Done():
			return
		case tgt, ok := <-queue:
			if !ok {
				return
			}
			// The select can race a cancellation that arrived while
			// this target was being handed over.
			if ctx.Err() != nil {
				return
			}
			e.probe(ctx, tgt)
		}
	}
}

// claim marks a host as dispatched. Check and mark are one atomic
// step so two workers never probe the same host.
func (e *Engine) claim(host string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.seen[host]; dup {
		return false
	}
	e.seen[host] = struct{}{}
	return true
}

func (e *Engine) probe(ctx context.Context, tgt domain.Target) {
	if !e.claim(tgt.Host) {
		return
	}
	e.probed.Add(1)

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	conn, err := e.dial(dialCtx, "tcp", tgt.Addr())
	cancel()
	if err != nil {
		// Timeout, refusal, reset: the normal fate of most targets.
		return
	}
	conn.Close()

	info, err := e.resolver.Resolve(ctx, tgt.Host)
	if err != nil {
		info = resolver.Placeholder()
	}

	ev := domain.DiscoveryEvent{
		IP:              tgt.Host,
		Port:            tgt.Port,
		ProtocolVersion: e.cfg.ProtocolVersion,
		UserAgent:       e.cfg.UserAgent,
		ASN:             info.ASN,
		Organization:    info.Organization,
		CountryCode:     info.Country,
	}
	if err := e.sink.Add(ctx, ev); err != nil {
		e.sinkFailures.Add(1)
		level.Warn(e.logger).Log("msg", "discovery not persisted", "ip", tgt.Host, "err", err)
		return
	}

	e.alive.Add(1)
	level.Debug(e.logger).Log("msg", "verified node", "ip", tgt.Host, "country", info.Country)
}
