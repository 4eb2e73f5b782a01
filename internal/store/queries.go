package store

import (
	"context"
	"fmt"
	"time"

	"sybilscan/internal/domain"
)

// Count returns the number of committed node records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return n, nil
}

// Nodes returns all committed node records, ordered by IP for
// deterministic output.
func (s *Store) Nodes(ctx context.Context) ([]domain.NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip, port, protocol_version, user_agent, asn, isp_name, country_code, first_seen, last_seen
		FROM nodes
		ORDER BY ip
	`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []domain.NodeRecord
	for rows.Next() {
		var (
			rec                 domain.NodeRecord
			firstSeen, lastSeen int64
		)
		if err := rows.Scan(&rec.IP, &rec.Port, &rec.ProtocolVersion, &rec.UserAgent,
			&rec.ASN, &rec.Organization, &rec.CountryCode, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		rec.FirstSeen = time.Unix(firstSeen, 0).UTC()
		rec.LastSeen = time.Unix(lastSeen, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OrganizationShares groups committed records by organization and
// computes each group's share of the total population. Groups at or
// below minGroupSize are dropped. Records without an organization form
// their own "Unknown" bucket. Results are ordered by share descending
// with first-appearance order breaking ties.
func (s *Store) OrganizationShares(ctx context.Context, minGroupSize int) ([]domain.ConcentrationGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			CASE WHEN isp_name = '' THEN 'Unknown' ELSE isp_name END AS org,
			COUNT(*) AS cnt,
			COUNT(*) * 100.0 / (SELECT COUNT(*) FROM nodes) AS pct
		FROM nodes
		GROUP BY org
		HAVING COUNT(*) > ?
		ORDER BY pct DESC, MIN(rowid) ASC
	`, minGroupSize)
	if err != nil {
		return nil, fmt.Errorf("query organization shares: %w", err)
	}
	defer rows.Close()

	var out []domain.ConcentrationGroup
	for rows.Next() {
		var g domain.ConcentrationGroup
		if err := rows.Scan(&g.Organization, &g.Count, &g.PercentOfTotal); err != nil {
			return nil, fmt.Errorf("scan organization share: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UnresolvedIPs returns addresses whose country or organization is
// still a placeholder, most recently seen first. The enrichment pass
// works through this list.
func (s *Store) UnresolvedIPs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip FROM nodes
		WHERE country_code IN ('', 'XX', 'Unknown', 'None')
		   OR isp_name IN ('', 'Unknown', 'Unknown ISP')
		ORDER BY last_seen DESC, ip
	`)
	if err != nil {
		return nil, fmt.Errorf("query unresolved: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("scan unresolved ip: %w", err)
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

// UpdateResolution overwrites the organization and country of one
// record with enrichment results.
func (s *Store) UpdateResolution(ctx context.Context, ip, org, country string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET isp_name = ?, country_code = ? WHERE ip = ?
	`, org, country, ip)
	if err != nil {
		return fmt.Errorf("update resolution for %s: %w", ip, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update resolution for %s: no such record", ip)
	}
	return nil
}

// Reset wipes all node records and any buffered events. Used before a
// fresh scan and by synthetic data injection.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.pending = s.pending[:0]
	s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes`); err != nil {
		return fmt.Errorf("reset nodes: %w", err)
	}
	return nil
}
