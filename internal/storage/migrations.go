package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
)

// migrationFile matches forward migration names such as 000001_init.up.sql.
var migrationFile = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_]+)\.up\.sql$`)

// MigrationManager applies forward-only schema migrations from a filesystem,
// usually an embed.FS compiled into a backend. Applied versions are recorded
// in schema_migrations. Each migration runs in its own transaction together
// with its version row, so a failed migration leaves no trace.
//
// The bookkeeping statements use "?" placeholders, so the manager is meant
// for SQLite.
type MigrationManager struct {
	db         *sql.DB
	migrations []migration
}

type migration struct {
	version uint
	name    string
	file    string
	body    string
}

// NewMigrationManager reads the migration set from dir inside fsys and
// ensures the schema_migrations table exists.
func NewMigrationManager(db *sql.DB, fsys fs.FS, dir string) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}
	if fsys == nil {
		return nil, fmt.Errorf("migrations: filesystem is required")
	}

	migrations, err := readMigrations(fsys, dir)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}

	return &MigrationManager{db: db, migrations: migrations}, nil
}

// Up applies every migration newer than the recorded version, oldest first,
// and returns how many ran. Up on an up-to-date schema is a no-op.
func (mgr *MigrationManager) Up(ctx context.Context) (int, error) {
	current, err := mgr.Version(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range mgr.migrations {
		if m.version <= current {
			continue
		}
		if err := mgr.apply(ctx, m); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func (mgr *MigrationManager) apply(ctx context.Context, m migration) error {
	tx, err := mgr.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrations: failed to begin version %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.body); err != nil {
		return fmt.Errorf("migrations: failed to apply %s: %w", m.file, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
		return fmt.Errorf("migrations: failed to record version %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrations: failed to commit version %d: %w", m.version, err)
	}
	return nil
}

// Version returns the highest applied migration version, or 0 for an empty
// database.
func (mgr *MigrationManager) Version(ctx context.Context) (uint, error) {
	var version uint
	err := mgr.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	return version, nil
}

// Latest returns the newest version known to the manager.
func (mgr *MigrationManager) Latest() uint {
	if len(mgr.migrations) == 0 {
		return 0
	}
	return mgr.migrations[len(mgr.migrations)-1].version
}

// readMigrations loads every NNN_name.up.sql file in dir, sorted by version.
// Other files are ignored. Two files claiming the same version are an error.
func readMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read %s: %w", dir, err)
	}

	seen := make(map[uint]string)
	var out []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		v, err := strconv.ParseUint(match[1], 10, 32)
		if err != nil || v == 0 {
			return nil, fmt.Errorf("migrations: invalid version in %s", entry.Name())
		}
		version := uint(v)
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations: version %d defined by both %s and %s", version, other, entry.Name())
		}
		seen[version] = entry.Name()

		file := path.Join(dir, entry.Name())
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("migrations: failed to read %s: %w", file, err)
		}
		out = append(out, migration{version: version, name: match[2], file: file, body: string(body)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
