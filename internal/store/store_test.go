package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sybilscan/internal/domain"
)

// newTestStore creates an in-memory store with a small flush threshold.
func newTestStore(t *testing.T, threshold int) *Store {
	t.Helper()
	s, err := Open(":memory:", threshold, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func event(ip string) domain.DiscoveryEvent {
	return domain.DiscoveryEvent{
		IP:              ip,
		Port:            18080,
		ProtocolVersion: 1,
		UserAgent:       "Monero/0.18.0.0",
		ASN:             domain.UnknownASN,
		Organization:    domain.UnknownOrg,
		CountryCode:     domain.UnknownCountry,
	}
}

func TestAddBuffersUntilFlush(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 10)

	require.NoError(t, s.Add(ctx, event("198.51.100.1")))
	require.NoError(t, s.Add(ctx, event("198.51.100.2")))

	// Readers must not see uncommitted events.
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, s.PendingLen())

	require.NoError(t, s.Flush(ctx))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, s.PendingLen())
}

func TestAddFlushesAtThreshold(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Add(ctx, event(fmt.Sprintf("198.51.100.%d", i+1))))
		assert.LessOrEqual(t, s.PendingLen(), 3)
	}

	// Third Add hit the threshold and flushed synchronously.
	assert.Equal(t, 0, s.PendingLen())
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFlushDeduplicatesByIP(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 50)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Add(ctx, event("198.51.100.1")))
	}
	require.NoError(t, s.Add(ctx, event("198.51.100.2")))
	require.NoError(t, s.Flush(ctx))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	s := newTestStore(t, 50)
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Flush(context.Background()))
}

func TestUpsertRefreshesTelemetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 50)

	first := event("198.51.100.1")
	first.ProtocolVersion = 1
	first.UserAgent = "Monero/0.18.0.0"
	require.NoError(t, s.Add(ctx, first))
	require.NoError(t, s.Flush(ctx))

	nodes, err := s.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	firstSeen := nodes[0].LastSeen

	second := event("198.51.100.1")
	second.ProtocolVersion = 2
	second.UserAgent = "Monero/0.18.3.1"
	require.NoError(t, s.Add(ctx, second))
	require.NoError(t, s.Flush(ctx))

	nodes, err = s.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, 2, nodes[0].ProtocolVersion)
	assert.Equal(t, "Monero/0.18.3.1", nodes[0].UserAgent)
	assert.False(t, nodes[0].LastSeen.Before(firstSeen), "last_seen must not go backwards")
}

func TestUpsertPreservesEnrichedMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 50)

	enriched := event("198.51.100.1")
	enriched.ASN = "AS24940"
	enriched.Organization = "Hetzner Online GmbH"
	enriched.CountryCode = "DE"
	require.NoError(t, s.Add(ctx, enriched))
	require.NoError(t, s.Flush(ctx))

	// A later bare probe carries only placeholders.
	require.NoError(t, s.Add(ctx, event("198.51.100.1")))
	require.NoError(t, s.Flush(ctx))

	nodes, err := s.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "AS24940", nodes[0].ASN)
	assert.Equal(t, "Hetzner Online GmbH", nodes[0].Organization)
	assert.Equal(t, "DE", nodes[0].CountryCode)
}

func TestUpsertUpgradesPlaceholders(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 50)

	require.NoError(t, s.Add(ctx, event("198.51.100.1")))
	require.NoError(t, s.Flush(ctx))

	resolved := event("198.51.100.1")
	resolved.ASN = "AS16509"
	resolved.Organization = "Amazon.com"
	resolved.CountryCode = "US"
	require.NoError(t, s.Add(ctx, resolved))
	require.NoError(t, s.Flush(ctx))

	nodes, err := s.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "Amazon.com", nodes[0].Organization)
	assert.Equal(t, "US", nodes[0].CountryCode)
}

func TestOrganizationShares(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 200)

	// 10 nodes: 6 from one org, 3 from another, 1 with no org at all.
	for i := 0; i < 6; i++ {
		ev := event(fmt.Sprintf("10.0.0.%d", i+1))
		ev.Organization = "Big Cloud"
		require.NoError(t, s.Add(ctx, ev))
	}
	for i := 0; i < 3; i++ {
		ev := event(fmt.Sprintf("10.0.1.%d", i+1))
		ev.Organization = "Small ISP"
		require.NoError(t, s.Add(ctx, ev))
	}
	empty := event("10.0.2.1")
	empty.Organization = ""
	require.NoError(t, s.Add(ctx, empty))
	require.NoError(t, s.Flush(ctx))

	groups, err := s.OrganizationShares(ctx, 0)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "Big Cloud", groups[0].Organization)
	assert.Equal(t, 6, groups[0].Count)
	assert.InDelta(t, 60.0, groups[0].PercentOfTotal, 0.001)
	assert.Equal(t, "Small ISP", groups[1].Organization)

	// The record without an organization forms its own Unknown bucket.
	assert.Equal(t, "Unknown", groups[2].Organization)
	assert.Equal(t, 1, groups[2].Count)

	// minGroupSize is a strict lower bound.
	groups, err = s.OrganizationShares(ctx, 3)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Big Cloud", groups[0].Organization)
}

func TestOrganizationSharesEmptyStore(t *testing.T) {
	s := newTestStore(t, 50)
	groups, err := s.OrganizationShares(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestUnresolvedIPsAndUpdateResolution(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 50)

	resolved := event("198.51.100.1")
	resolved.Organization = "Hetzner Online GmbH"
	resolved.CountryCode = "DE"
	require.NoError(t, s.Add(ctx, resolved))
	require.NoError(t, s.Add(ctx, event("198.51.100.2")))
	require.NoError(t, s.Flush(ctx))

	unresolved, err := s.UnresolvedIPs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.2"}, unresolved)

	require.NoError(t, s.UpdateResolution(ctx, "198.51.100.2", "Amazon.com", "US"))
	unresolved, err = s.UnresolvedIPs(ctx)
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	err = s.UpdateResolution(ctx, "203.0.113.99", "X", "Y")
	require.Error(t, err)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 50)

	require.NoError(t, s.Add(ctx, event("198.51.100.1")))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Add(ctx, event("198.51.100.2"))) // left in buffer

	require.NoError(t, s.Reset(ctx))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, s.PendingLen())
}

func TestFlushFailsOnCancelledContext(t *testing.T) {
	s := newTestStore(t, 50)
	require.NoError(t, s.Add(context.Background(), event("198.51.100.1")))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.Flush(cancelled))
	assert.Equal(t, 1, s.PendingLen())

	// The batch survives for a flush with a live context.
	require.NoError(t, s.Flush(context.Background()))
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAddRetainsBatchWhenThresholdFlushFails(t *testing.T) {
	s := newTestStore(t, 2)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	// The second Add hits the threshold; the flush fails on the dead
	// context but both events stay buffered and Add does not error.
	require.NoError(t, s.Add(cancelled, event("198.51.100.1")))
	require.NoError(t, s.Add(cancelled, event("198.51.100.2")))
	assert.Equal(t, 2, s.PendingLen())

	require.NoError(t, s.Flush(context.Background()))
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCloseFlushesBuffer(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:", 50, log.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, s.Add(ctx, event("198.51.100.1")))
	require.NoError(t, s.Close())
}

func TestConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 7)

	done := make(chan struct{})
	for w := 0; w < 8; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 25; i++ {
				ev := event(fmt.Sprintf("10.%d.0.%d", w, i))
				if err := s.Add(ctx, ev); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	for w := 0; w < 8; w++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for writers")
		}
	}

	require.NoError(t, s.Flush(ctx))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, n)
}
