package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/quanta/internal/storage"
	"github.com/scrypster/quanta/pkg/types"
)

// queryer is the subset of *sql.DB and *sql.Tx used by the helpers below.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Link upserts an undirected edge between rel.SourceID and rel.TargetID and
// records each endpoint in the other's associated set, in one transaction.
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
		return fmt.Errorf("sqlite: failed to begin link: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sourceAssoc, err := loadAssociations(ctx, tx, rel.SourceID)
	if err != nil {
		return err
	}
	targetAssoc, err := loadAssociations(ctx, tx, rel.TargetID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	var existingID string
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT id, created_at FROM quantum_relationships
		WHERE relationship_type = ?1
		  AND ((source_id = ?2 AND target_id = ?3) OR (source_id = ?3 AND target_id = ?2))
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
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rel.ID, rel.SourceID, rel.TargetID, rel.Type, rel.Strength, rel.CreatedAt.UTC(), rel.UpdatedAt)
		if err != nil {
			return fmt.Errorf("sqlite: failed to insert relationship: %w", err)
		}
	case err != nil:
		return fmt.Errorf("sqlite: failed to look up relationship: %w", err)
	default:
		rel.ID = existingID
		rel.CreatedAt = createdAt
		rel.UpdatedAt = now
		_, err = tx.ExecContext(ctx,
			`UPDATE quantum_relationships SET strength = ?, updated_at = ? WHERE id = ?`,
			rel.Strength, now, existingID)
		if err != nil {
			return fmt.Errorf("sqlite: failed to update relationship: %w", err)
		}
	}

	if added, ok := appendUnique(sourceAssoc, rel.TargetID); ok {
		if err := saveAssociations(ctx, tx, rel.SourceID, added); err != nil {
			return err
		}
	}
	if added, ok := appendUnique(targetAssoc, rel.SourceID); ok {
		if err := saveAssociations(ctx, tx, rel.TargetID, added); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit link: %w", err)
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
		JOIN quanta q ON q.id = CASE WHEN r.source_id = ?1 THEN r.target_id ELSE r.source_id END
		WHERE (r.source_id = ?1 OR r.target_id = ?1)`
	args := []interface{}{id}

	if len(relTypes) > 0 {
		placeholders := make([]string, len(relTypes))
		for i, t := range relTypes {
			placeholders[i] = fmt.Sprintf("?%d", i+2)
			args = append(args, t)
		}
		query += ` AND r.relationship_type IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY r.strength DESC, q.relevance_score DESC, q.id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query related quanta: %w", err)
	}
	defer rows.Close()

	var out []types.RelatedQuantum
	for rows.Next() {
		var relType string
		var strength float64
		q, err := scanQuantum(rows, &relType, &strength)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan related quantum: %w", err)
		}
		out = append(out, types.RelatedQuantum{Quantum: q, RelationshipType: relType, Strength: strength})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate related quanta: %w", err)
	}
	return out, nil
}

// Relationships returns the raw edges touching id.
func (s *Store) Relationships(ctx context.Context, id string) ([]*types.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, relationship_type, strength, created_at, updated_at
		FROM quantum_relationships
		WHERE source_id = ?1 OR target_id = ?1
		ORDER BY strength DESC, created_at ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query relationships: %w", err)
	}
	defer rows.Close()

	var out []*types.Relationship
	for rows.Next() {
		var r types.Relationship
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Strength, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan relationship: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// neighbourIDs returns the distinct ids that share an edge with id.
func neighbourIDs(ctx context.Context, q queryer, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT CASE WHEN source_id = ?1 THEN target_id ELSE source_id END
		FROM quantum_relationships
		WHERE source_id = ?1 OR target_id = ?1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query neighbours: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan neighbour: %w", err)
		}
		ids = append(ids, n)
	}
	return ids, rows.Err()
}

// loadAssociations reads the associated_ids column of a quantum.
func loadAssociations(ctx context.Context, q queryer, id string) ([]string, error) {
	var raw sql.NullString
	err := q.QueryRowContext(ctx, `SELECT associated_ids FROM quanta WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load associations: %w", err)
	}

	var ids []string
	if err := unmarshalNullable(raw, &ids); err != nil {
		return nil, fmt.Errorf("sqlite: failed to unmarshal associations: %w", err)
	}
	return ids, nil
}

// saveAssociations overwrites the associated_ids column of a quantum.
func saveAssociations(ctx context.Context, q queryer, id string, ids []string) error {
	var raw sql.NullString
	if len(ids) > 0 {
		b, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("sqlite: failed to marshal associations: %w", err)
		}
		raw = sql.NullString{String: string(b), Valid: true}
	}
	if _, err := q.ExecContext(ctx, `UPDATE quanta SET associated_ids = ? WHERE id = ?`, raw, id); err != nil {
		return fmt.Errorf("sqlite: failed to save associations: %w", err)
	}
	return nil
}

// appendUnique appends id to ids unless already present.
func appendUnique(ids []string, id string) ([]string, bool) {
	for _, existing := range ids {
		if existing == id {
			return ids, false
		}
	}
	return append(ids, id), true
}
