package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/scrypster/quanta/internal/storage"
	"github.com/scrypster/quanta/pkg/types"
)

// SaveCluster creates or replaces a cluster.
func (s *Store) SaveCluster(ctx context.Context, c *types.Cluster) error {
	if c == nil {
		return storage.ErrInvalidInput
	}
	if c.ID == "" {
		c.ID = "cluster:" + uuid.NewString()
	}
	now := time.Now().UTC()
	if c.FormedAt.IsZero() {
		c.FormedAt = now
	}
	if c.LastReinforcedAt.IsZero() {
		c.LastReinforcedAt = c.FormedAt
	}
	members := c.MemberIDs
	if members == nil {
		members = []string{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quantum_clusters (id, theme, member_ids, strength, formed_at, last_reinforced_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			theme = EXCLUDED.theme,
			member_ids = EXCLUDED.member_ids,
			strength = EXCLUDED.strength,
			last_reinforced_at = EXCLUDED.last_reinforced_at
	`, c.ID, c.Theme, pq.Array(members), c.Strength, c.FormedAt.UTC(), c.LastReinforcedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to save cluster: %w", err)
	}
	return nil
}

// ListClusters returns all clusters ordered by formation time.
func (s *Store) ListClusters(ctx context.Context) ([]*types.Cluster, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, theme, member_ids, strength, formed_at, last_reinforced_at
		FROM quantum_clusters
		ORDER BY formed_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query clusters: %w", err)
	}
	defer rows.Close()

	var out []*types.Cluster
	for rows.Next() {
		var c types.Cluster
		var members pq.StringArray
		if err := rows.Scan(&c.ID, &c.Theme, &members, &c.Strength, &c.FormedAt, &c.LastReinforcedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan cluster: %w", err)
		}
		c.MemberIDs = []string(members)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteCluster removes a cluster.
func (s *Store) DeleteCluster(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM quantum_clusters WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: failed to delete cluster: %w", err)
	}
	return nil
}

// LogAccess appends an access event.
func (s *Store) LogAccess(ctx context.Context, ev types.AccessEvent) error {
	if ev.QuantumID == "" || ev.Kind == "" {
		return fmt.Errorf("%w: quantum ID and kind are required", storage.ErrInvalidInput)
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_log (quantum_id, kind, context, relevance_at_access, accessed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.QuantumID, ev.Kind, nullableString(ev.Context), ev.RelevanceAtAccess, ev.At.UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to log access: %w", err)
	}
	return nil
}

// RecentAccesses returns up to limit events for a quantum, newest first.
func (s *Store) RecentAccesses(ctx context.Context, quantumID string, limit int) ([]types.AccessEvent, error) {
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT quantum_id, kind, context, relevance_at_access, accessed_at
		FROM access_log
		WHERE quantum_id = $1
		ORDER BY accessed_at DESC, id DESC
		LIMIT $2
	`, quantumID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query access log: %w", err)
	}
	defer rows.Close()

	var out []types.AccessEvent
	for rows.Next() {
		var ev types.AccessEvent
		var ctxText sql.NullString
		if err := rows.Scan(&ev.QuantumID, &ev.Kind, &ctxText, &ev.RelevanceAtAccess, &ev.At); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan access event: %w", err)
		}
		ev.Context = ctxText.String
		out = append(out, ev)
	}
	return out, rows.Err()
}
