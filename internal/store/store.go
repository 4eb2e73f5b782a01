// Package store persists discovered nodes in SQLite. Discovery events
// are buffered in memory and committed as batched transactional
// upserts keyed on IP, so readers only ever observe whole batches.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	_ "modernc.org/sqlite"

	"sybilscan/internal/domain"
)

// DefaultFlushThreshold is the buffered-event count that triggers an
// automatic flush.
const DefaultFlushThreshold = 50

// Store is the ingest store. Add and Flush are safe for concurrent
// use by many crawl workers; the read methods go straight to the
// database and only see committed batches.
type Store struct {
	db        *sql.DB
	logger    log.Logger
	threshold int

	mu      sync.Mutex
	pending []domain.DiscoveryEvent
}

// Open connects to the database at path and migrates the schema. An
// error here is fatal for the pipeline: nothing can run without
// persistence. flushThreshold <= 0 selects the default.
func Open(path string, flushThreshold int, logger log.Logger) (*Store, error) {
	if flushThreshold <= 0 {
		flushThreshold = DefaultFlushThreshold
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes all statements. SQLite allows a single
	// writer anyway, and a shared connection keeps :memory: databases
	// coherent across the pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	s := &Store{
		db:        db,
		logger:    logger,
		threshold: flushThreshold,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		ip TEXT PRIMARY KEY,
		port INTEGER NOT NULL,
		protocol_version INTEGER NOT NULL DEFAULT 0,
		user_agent TEXT NOT NULL DEFAULT 'Unknown',
		asn TEXT NOT NULL DEFAULT 'Unknown',
		isp_name TEXT NOT NULL DEFAULT 'Unknown ISP',
		country_code TEXT NOT NULL DEFAULT 'XX',
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_isp ON nodes(isp_name);
	CREATE INDEX IF NOT EXISTS idx_nodes_last_seen ON nodes(last_seen);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Add buffers one discovery event. When the buffer reaches the flush
// threshold it is committed synchronously before Add returns. The
// event is in the buffer either way: a failed threshold flush is
// logged and the batch retained for the next Add or Flush to retry,
// so Add itself never loses the event and never reports it lost.
func (s *Store) Add(ctx context.Context, ev domain.DiscoveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, ev)
	if len(s.pending) >= s.threshold {
		// flushLocked warns and keeps the batch on failure.
		_ = s.flushLocked(ctx)
	}
	return nil
}

// Flush commits all buffered events as one transaction. On failure
// the buffer is left intact for a later retry; no partial clear.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

// upsertNode refreshes liveness telemetry unconditionally but only
// lets informative values replace asn/isp_name/country_code, so a
// bare probe never clobbers enrichment results.
const upsertNode = `
INSERT INTO nodes (ip, port, protocol_version, user_agent, asn, isp_name, country_code, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(ip) DO UPDATE SET
	port = excluded.port,
	protocol_version = excluded.protocol_version,
	user_agent = excluded.user_agent,
	last_seen = MAX(nodes.last_seen, excluded.last_seen),
	asn = CASE
		WHEN excluded.asn NOT IN ('', 'Unknown') THEN excluded.asn
		ELSE nodes.asn END,
	isp_name = CASE
		WHEN excluded.isp_name NOT IN ('', 'Unknown', 'Unknown ISP') THEN excluded.isp_name
		ELSE nodes.isp_name END,
	country_code = CASE
		WHEN excluded.country_code NOT IN ('', 'XX', 'Unknown', 'None') THEN excluded.country_code
		ELSE nodes.country_code END
`

func (s *Store) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		level.Warn(s.logger).Log("msg", "flush failed, batch retained", "pending", len(s.pending), "err", err)
		return fmt.Errorf("begin flush: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertNode)
	if err != nil {
		level.Warn(s.logger).Log("msg", "flush failed, batch retained", "pending", len(s.pending), "err", err)
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range s.pending {
		_, err := stmt.ExecContext(ctx,
			ev.IP, ev.Port, ev.ProtocolVersion, ev.UserAgent,
			ev.ASN, ev.Organization, ev.CountryCode, now, now)
		if err != nil {
			level.Warn(s.logger).Log("msg", "flush failed, batch retained", "pending", len(s.pending), "err", err)
			return fmt.Errorf("upsert %s: %w", ev.IP, err)
		}
	}

	if err := tx.Commit(); err != nil {
		level.Warn(s.logger).Log("msg", "flush failed, batch retained", "pending", len(s.pending), "err", err)
		return fmt.Errorf("commit flush: %w", err)
	}

	level.Info(s.logger).Log("msg", "flushed nodes", "count", len(s.pending))
	s.pending = s.pending[:0]
	return nil
}

// PendingLen reports the current buffer size.
func (s *Store) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close flushes any buffered events and releases the database. Safe
// to call with an empty buffer.
func (s *Store) Close() error {
	ferr := s.Flush(context.Background())
	cerr := s.db.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}
