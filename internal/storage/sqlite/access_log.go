package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scrypster/quanta/internal/storage"
	"github.com/scrypster/quanta/pkg/types"
)

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
		VALUES (?, ?, ?, ?, ?)
	`, ev.QuantumID, ev.Kind, nullableString(ev.Context), ev.RelevanceAtAccess, ev.At.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to log access: %w", err)
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
		WHERE quantum_id = ?
		ORDER BY accessed_at DESC, id DESC
		LIMIT ?
	`, quantumID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query access log: %w", err)
	}
	defer rows.Close()

	var out []types.AccessEvent
	for rows.Next() {
		var ev types.AccessEvent
		var ctxText sql.NullString
		if err := rows.Scan(&ev.QuantumID, &ev.Kind, &ctxText, &ev.RelevanceAtAccess, &ev.At); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan access event: %w", err)
		}
		ev.Context = ctxText.String
		out = append(out, ev)
	}
	return out, rows.Err()
}
