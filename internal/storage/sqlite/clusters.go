package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

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
	membersJSON, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal cluster members: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quantum_clusters (id, theme, member_ids, strength, formed_at, last_reinforced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			theme = excluded.theme,
			member_ids = excluded.member_ids,
			strength = excluded.strength,
			last_reinforced_at = excluded.last_reinforced_at
	`, c.ID, c.Theme, string(membersJSON), c.Strength, c.FormedAt.UTC(), c.LastReinforcedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to save cluster: %w", err)
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
		return nil, fmt.Errorf("sqlite: failed to query clusters: %w", err)
	}
	defer rows.Close()

	var out []*types.Cluster
	for rows.Next() {
		var c types.Cluster
		var membersJSON string
		if err := rows.Scan(&c.ID, &c.Theme, &membersJSON, &c.Strength, &c.FormedAt, &c.LastReinforcedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan cluster: %w", err)
		}
		if err := json.Unmarshal([]byte(membersJSON), &c.MemberIDs); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal cluster members: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteCluster removes a cluster.
func (s *Store) DeleteCluster(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM quantum_clusters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: failed to delete cluster: %w", err)
	}
	return nil
}
