package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/scrypster/quanta/internal/storage"
	"github.com/scrypster/quanta/pkg/types"
)

// Link upserts an undirected edge and updates both associated sets in one
// transaction. Both endpoint rows are locked so concurrent links of the same
// pair serialise.
func (s *Store) Link(ctx context.Context, rel *types.Relationship) error {
	if rel == nil {
		return storage.ErrInvalidInput
	}
	if rel.SourceID == "" || rel.TargetID == "" {
		return fmt.Errorf("%w: source and target are required", storage.ErrInvalidInput)
	}
	if rel.SourceID == rel.TargetID {
		return fmt.Errorf("%w: a quantum cannot be linked to itself", storage.ErrInvalidInput)
	}
	if rel.Strength < 0 || rel.Strength > 1 {
		return fmt.Errorf("%w: strength %f outside [0,1]", storage.ErrInvalidInput, rel.Strength)
	}
	if rel.Type == "" {
		rel.Type = types.RelationshipRelated
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin link: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var found int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT id FROM quanta WHERE id = ANY($1) ORDER BY id FOR UPDATE
		) locked
	`, pq.Array([]string{rel.SourceID, rel.TargetID})).Scan(&found)
	if err != nil {
		return fmt.Errorf("postgres: failed to lock endpoints: %w", err)
	}
	if found != 2 {
		return storage.ErrNotFound
	}

	now := time.Now().UTC()

	var existingID string
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT id, created_at FROM quantum_relationships
		WHERE relationship_type = $1
		  AND ((source_id = $2 AND target_id = $3) OR (source_id = $3 AND target_id = $2))
		LIMIT 1
	`, rel.Type, rel.SourceID, rel.TargetID).Scan(&existingID, &createdAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if rel.ID == "" {
			rel.ID = "rel:" + uuid.NewString()
		}
		if rel.CreatedAt.IsZero() {
			rel.CreatedAt = now
		}
		rel.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO quantum_relationships
				(id, source_id, target_id, relationship_type, strength, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, rel.ID, rel.SourceID, rel.TargetID, rel.Type, rel.Strength, rel.CreatedAt.UTC(), rel.UpdatedAt)
		if err != nil {
			return fmt.Errorf("postgres: failed to insert relationship: %w", err)
		}
	case err != nil:
		return fmt.Errorf("postgres: failed to look up relationship: %w", err)
	default:
		rel.ID = existingID
		rel.CreatedAt = createdAt
		rel.UpdatedAt = now
		_, err = tx.ExecContext(ctx,
			`UPDATE quantum_relationships SET strength = $1, updated_at = $2 WHERE id = $3`,
			rel.Strength, now, existingID)
		if err != nil {
			return fmt.Errorf("postgres: failed to update relationship: %w", err)
		}
	}

	const addAssociation = `
		UPDATE quanta
		SET associated_ids = array_append(COALESCE(associated_ids, '{}'), $2)
		WHERE id = $1 AND NOT ($2 = ANY(COALESCE(associated_ids, '{}')))
	`
	if _, err := tx.ExecContext(ctx, addAssociation, rel.SourceID, rel.TargetID); err != nil {
		return fmt.Errorf("postgres: failed to add association: %w", err)
	}
	if _, err := tx.ExecContext(ctx, addAssociation, rel.TargetID, rel.SourceID); err != nil {
		return fmt.Errorf("postgres: failed to add association: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit link: %w", err)
	}
	return nil
}

// Related returns the neighbours of id over both edge directions.
func (s *Store) Related(ctx context.Context, id string, relTypes []string) ([]types.RelatedQuantum, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: quantum ID is required", storage.ErrInvalidInput)
	}

	query := `
		SELECT ` + prefixedQuantumColumns + `, r.relationship_type, r.strength
		FROM quantum_relationships r
		JOIN quanta q ON q.id = CASE WHEN r.source_id = $1 THEN r.target_id ELSE r.source_id END
		WHERE (r.source_id = $1 OR r.target_id = $1)`
	args := []interface{}{id}
	if len(relTypes) > 0 {
		query += ` AND r.relationship_type = ANY($2)`
		args = append(args, pq.Array(relTypes))
	}
	query += ` ORDER BY r.strength DESC, q.relevance_score DESC, q.id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query related quanta: %w", err)
	}
	defer rows.Close()

	var out []types.RelatedQuantum
	for rows.Next() {
		var relType string
		var strength float64
		q, err := scanQuantum(rows, &relType, &strength)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan related quantum: %w", err)
		}
		out = append(out, types.RelatedQuantum{Quantum: q, RelationshipType: relType, Strength: strength})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to iterate related quanta: %w", err)
	}
	return out, nil
}

// Relationships returns the raw edges touching id.
func (s *Store) Relationships(ctx context.Context, id string) ([]*types.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, relationship_type, strength, created_at, updated_at
		FROM quantum_relationships
		WHERE source_id = $1 OR target_id = $1
		ORDER BY strength DESC, created_at ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query relationships: %w", err)
	}
	defer rows.Close()

	var out []*types.Relationship
	for rows.Next() {
		var r types.Relationship
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Strength, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan relationship: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
