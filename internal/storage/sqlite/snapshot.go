package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// Snapshot writes a consistent point-in-time copy of the database to
// destPath using VACUUM INTO, which handles WAL mode correctly. destPath must
// not exist. The copy is integrity-checked before Snapshot returns.
func (s *Store) Snapshot(ctx context.Context, destPath string) error {
	if destPath == "" {
		return errors.New("sqlite: snapshot path is required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("sqlite: snapshot target %s already exists", destPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sqlite: failed to stat snapshot target: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("sqlite: failed to snapshot database: %w", err)
	}

	if err := VerifySnapshot(ctx, destPath); err != nil {
		_ = os.Remove(destPath)
		return err
	}
	return nil
}

// VerifySnapshot opens the database file at path read-only and runs SQLite's
// integrity_check pragma.
func VerifySnapshot(ctx context.Context, path string) error {
	uri, err := readOnlyURI(path)
	if err != nil {
		return err
	}
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return fmt.Errorf("sqlite: failed to open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("sqlite: failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("sqlite: snapshot integrity check failed: %s", result)
	}
	return nil
}

// readOnlyURI builds a read-only SQLite URI for path. The path is made
// absolute and percent-escaped so '?', '#' and '%' in file names survive.
func readOnlyURI(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to resolve snapshot path: %w", err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: "mode=ro"}
	return u.String(), nil
}
