// Package sqlite provides the default SQLite-backed persistent table for the
// Quanta memory store.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/quanta/internal/storage"
	"github.com/scrypster/quanta/pkg/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// maxCandidateTerms bounds the number of LIKE clauses in a candidate query.
const maxCandidateTerms = 32

// Store implements storage.Backend using SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Backend = (*Store)(nil)

// NewStore opens (or creates) the SQLite database at dsn, configures WAL mode
// and applies pending migrations. Use ":memory:" for an ephemeral store.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	// It also keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s failed: %w", p, err)
		}
	}

	mgr, err := storage.NewMigrationManager(db, migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create migration manager: %w", err)
	}
	applied, err := mgr.Up(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to run migrations: %w", err)
	}
	if applied > 0 {
		log.Printf("sqlite: applied %d migration(s), schema at version %d", applied, mgr.Latest())
	}

	return &Store{db: db}, nil
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// quantumColumns is the column list shared by every quantum SELECT.
const quantumColumns = `
	id, content, content_type, tags,
	relevance_score, access_count, reinforcement_level,
	created_at, last_accessed_at,
	context_embeddings, associated_ids,
	state, context_hash, metadata`

// prefixedQuantumColumns qualifies quantumColumns with the q. alias.
var prefixedQuantumColumns = func() string {
	cols := strings.Split(quantumColumns, ",")
	for i, c := range cols {
		cols[i] = "q." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}()

// Put creates or replaces a quantum (upsert semantics).
func (s *Store) Put(ctx context.Context, q *types.Quantum) error {
	if q == nil {
		return storage.ErrInvalidInput
	}
	if q.ID == "" {
		return fmt.Errorf("%w: quantum ID is required", storage.ErrInvalidInput)
	}
	if q.Content == "" {
		return fmt.Errorf("%w: quantum content is required", storage.ErrInvalidInput)
	}
	if q.RelevanceScore < 0 || q.RelevanceScore > 1 {
		return fmt.Errorf("%w: relevance score %f outside [0,1]", storage.ErrInvalidInput, q.RelevanceScore)
	}

	tagsJSON, err := marshalNullable(q.Tags, len(q.Tags) > 0)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal tags: %w", err)
	}
	embeddingsJSON, err := marshalNullable(q.ContextEmbeddings, len(q.ContextEmbeddings) > 0)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal context embeddings: %w", err)
	}
	associatedJSON, err := marshalNullable(q.AssociatedIDs, len(q.AssociatedIDs) > 0)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal associated ids: %w", err)
	}
	metadataJSON, err := marshalNullable(q.Metadata, len(q.Metadata) > 0)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	if q.LastAccessedAt.IsZero() {
		q.LastAccessedAt = q.CreatedAt
	}
	if q.State == "" {
		q.State = types.StateActive
	}
	if q.ContentType == "" {
		q.ContentType = types.ContentTypeGeneral
	}

	query := `
		INSERT INTO quanta (` + quantumColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			content_type = excluded.content_type,
			tags = excluded.tags,
			relevance_score = excluded.relevance_score,
			access_count = excluded.access_count,
			reinforcement_level = excluded.reinforcement_level,
			created_at = excluded.created_at,
			last_accessed_at = excluded.last_accessed_at,
			context_embeddings = excluded.context_embeddings,
			associated_ids = excluded.associated_ids,
			state = excluded.state,
			context_hash = excluded.context_hash,
			metadata = excluded.metadata
	`

	_, err = s.db.ExecContext(ctx, query,
		q.ID,
		q.Content,
		q.ContentType,
		tagsJSON,
		q.RelevanceScore,
		q.AccessCount,
		q.ReinforcementLevel,
		q.CreatedAt.UTC(),
		q.LastAccessedAt.UTC(),
		embeddingsJSON,
		associatedJSON,
		string(q.State),
		nullableString(q.ContextHash),
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to store quantum: %w", err)
	}

	return nil
}

// Get retrieves a quantum by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Quantum, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: quantum ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+quantumColumns+` FROM quanta WHERE id = ?`, id)
	q, err := scanQuantum(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get quantum: %w", err)
	}
	return q, nil
}

// Delete permanently removes a quantum together with its relationships and
// access log rows, and scrubs its id from the associated sets of its
// neighbours. Deleting an absent quantum is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: quantum ID is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	neighbours, err := neighbourIDs(ctx, tx, id)
	if err != nil {
		return err
	}

	for _, n := range neighbours {
		assoc, err := loadAssociations(ctx, tx, n)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		kept := assoc[:0]
		for _, a := range assoc {
			if a != id {
				kept = append(kept, a)
			}
		}
		if err := saveAssociations(ctx, tx, n, kept); err != nil {
			return err
		}
	}

	// Relationships and access log rows also go via ON DELETE CASCADE; the
	// explicit deletes keep the result independent of foreign_keys.
	stmts := []string{
		`DELETE FROM quantum_relationships WHERE source_id = ?1 OR target_id = ?1`,
		`DELETE FROM access_log WHERE quantum_id = ?1`,
		`DELETE FROM quanta WHERE id = ?1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("sqlite: failed to delete quantum: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit delete: %w", err)
	}
	return nil
}

// List returns quanta ordered by relevance then recency.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]*types.Quantum, error) {
	opts.Normalize()

	where, args := listConditions(opts)
	query := `SELECT ` + quantumColumns + ` FROM quanta` + where +
		` ORDER BY relevance_score DESC, last_accessed_at DESC LIMIT ?`
	args = append(args, opts.Limit)

	return s.queryQuanta(ctx, query, args...)
}

// Candidates returns quanta matching the filters whose content contains a
// term or whose embeddings have a term as a key.
func (s *Store) Candidates(ctx context.Context, opts storage.CandidateOptions) ([]*types.Quantum, error) {
	opts.Normalize()
	if len(opts.Terms) == 0 {
		return nil, nil
	}

	terms := opts.Terms
	if len(terms) > maxCandidateTerms {
		terms = terms[:maxCandidateTerms]
	}

	where, args := listConditions(opts.ListOptions)

	var match []string
	for _, t := range terms {
		escaped := storage.EscapeLike(t)
		match = append(match, `content LIKE ? ESCAPE '\'`, `context_embeddings LIKE ? ESCAPE '\'`)
		// Embedding keys are JSON object keys: "term":
		args = append(args, "%"+escaped+"%", `%"`+escaped+`":%`)
	}

	clause := "(" + strings.Join(match, " OR ") + ")"
	if where == "" {
		where = " WHERE " + clause
	} else {
		where += " AND " + clause
	}

	query := `SELECT ` + quantumColumns + ` FROM quanta` + where +
		` ORDER BY relevance_score DESC, last_accessed_at DESC LIMIT ?`
	args = append(args, opts.Limit)

	return s.queryQuanta(ctx, query, args...)
}

// ApplyAccess increments access_count by one and writes the new scoring fields.
func (s *Store) ApplyAccess(ctx context.Context, id string, update storage.AccessUpdate) error {
	if update.AccessedAt.IsZero() {
		update.AccessedAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE quanta
		SET access_count = access_count + 1,
			relevance_score = ?,
			reinforcement_level = ?,
			state = ?,
			last_accessed_at = ?
		WHERE id = ?
	`, types.ClampRelevance(update.RelevanceScore), update.ReinforcementLevel, string(update.State), update.AccessedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to apply access: %w", err)
	}
	return requireAffected(result)
}

// UpdateRelevance overwrites the relevance score of a quantum.
func (s *Store) UpdateRelevance(ctx context.Context, id string, score float64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE quanta SET relevance_score = ? WHERE id = ?`, types.ClampRelevance(score), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update relevance: %w", err)
	}
	return requireAffected(result)
}

// UpdateState overwrites the lifecycle state of a quantum.
func (s *Store) UpdateState(ctx context.Context, id string, state types.QuantumState) error {
	if !types.IsValidQuantumState(state) || state == "" {
		return fmt.Errorf("%w: invalid state %q", storage.ErrInvalidInput, state)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE quanta SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update state: %w", err)
	}
	return requireAffected(result)
}

// LowRelevanceIDs returns ids of quanta below both thresholds.
func (s *Store) LowRelevanceIDs(ctx context.Context, threshold float64, maxAccessCount int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM quanta WHERE relevance_score < ? AND access_count < ? ORDER BY relevance_score ASC`,
		threshold, maxAccessCount)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query low relevance quanta: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of stored quanta.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quanta`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: failed to count quanta: %w", err)
	}
	return n, nil
}

// AverageRelevance returns the mean relevance over all quanta.
func (s *Store) AverageRelevance(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT AVG(relevance_score) FROM quanta`).Scan(&avg); err != nil {
		return 0, fmt.Errorf("sqlite: failed to average relevance: %w", err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

// Close flushes the WAL into the main database file and releases resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("sqlite: WAL checkpoint on close failed (non-fatal): %v", err)
	}

	return s.db.Close()
}

// queryQuanta runs a SELECT over quantumColumns and scans every row.
func (s *Store) queryQuanta(ctx context.Context, query string, args ...interface{}) ([]*types.Quantum, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query quanta: %w", err)
	}
	defer rows.Close()

	var out []*types.Quantum
	for rows.Next() {
		q, err := scanQuantum(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan quantum: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate quanta: %w", err)
	}
	return out, nil
}

// listConditions builds the WHERE clause for the typed list filters.
func listConditions(opts storage.ListOptions) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if opts.ContentType != "" {
		conditions = append(conditions, "content_type = ?")
		args = append(args, opts.ContentType)
	}
	if opts.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, string(opts.State))
	}
	if opts.MinRelevance > 0 {
		conditions = append(conditions, "relevance_score >= ?")
		args = append(args, opts.MinRelevance)
	}
	if opts.ExcludeID != "" {
		conditions = append(conditions, "id <> ?")
		args = append(args, opts.ExcludeID)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanQuantum scans one row of quantumColumns (optionally followed by extra
// destinations) into a Quantum.
func scanQuantum(row scanner, extra ...interface{}) (*types.Quantum, error) {
	var q types.Quantum
	var tagsJSON, embeddingsJSON, associatedJSON, metadataJSON, contextHash sql.NullString
	var state string

	dest := []interface{}{
		&q.ID,
		&q.Content,
		&q.ContentType,
		&tagsJSON,
		&q.RelevanceScore,
		&q.AccessCount,
		&q.ReinforcementLevel,
		&q.CreatedAt,
		&q.LastAccessedAt,
		&embeddingsJSON,
		&associatedJSON,
		&state,
		&contextHash,
		&metadataJSON,
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	q.State = types.QuantumState(state)
	if contextHash.Valid {
		q.ContextHash = contextHash.String
	}

	if err := unmarshalNullable(tagsJSON, &q.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if err := unmarshalNullable(embeddingsJSON, &q.ContextEmbeddings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context embeddings: %w", err)
	}
	if err := unmarshalNullable(associatedJSON, &q.AssociatedIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal associated ids: %w", err)
	}
	if err := unmarshalNullable(metadataJSON, &q.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return &q, nil
}

// requireAffected maps "no rows updated" to ErrNotFound.
func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// marshalNullable marshals v to JSON, or returns NULL when present is false.
func marshalNullable(v interface{}, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// unmarshalNullable decodes a nullable JSON column into v.
func unmarshalNullable(s sql.NullString, v interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

// nullableString converts a string to sql.NullString.
// An empty string is treated as NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
