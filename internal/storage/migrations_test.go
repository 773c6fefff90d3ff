package storage

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func testMigrationFS() fstest.MapFS {
	return fstest.MapFS{
		"m/000001_widgets.up.sql":   {Data: []byte(`CREATE TABLE widgets (id TEXT PRIMARY KEY);`)},
		"m/000002_gadgets.up.sql":   {Data: []byte(`CREATE TABLE gadgets (id TEXT PRIMARY KEY);`)},
		"m/000001_widgets.down.sql": {Data: []byte(`DROP TABLE widgets;`)},
		"m/README.md":               {Data: []byte(`ignored`)},
	}
}

func openMigrationDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func TestMigrationManagerUp(t *testing.T) {
	db := openMigrationDB(t)
	ctx := context.Background()

	mgr, err := NewMigrationManager(db, testMigrationFS(), "m")
	require.NoError(t, err)
	assert.Equal(t, uint(2), mgr.Latest())

	version, err := mgr.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	applied, err := mgr.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.True(t, tableExists(t, db, "widgets"))
	assert.True(t, tableExists(t, db, "gadgets"))

	version, err = mgr.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	applied, err = mgr.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}

func TestMigrationManagerResumesFromRecordedVersion(t *testing.T) {
	db := openMigrationDB(t)
	ctx := context.Background()

	first := fstest.MapFS{"m/000001_widgets.up.sql": testMigrationFS()["m/000001_widgets.up.sql"]}
	mgr, err := NewMigrationManager(db, first, "m")
	require.NoError(t, err)
	_, err = mgr.Up(ctx)
	require.NoError(t, err)

	mgr, err = NewMigrationManager(db, testMigrationFS(), "m")
	require.NoError(t, err)
	applied, err := mgr.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.True(t, tableExists(t, db, "gadgets"))
}

func TestMigrationManagerFailedMigrationIsRolledBack(t *testing.T) {
	db := openMigrationDB(t)
	ctx := context.Background()

	fsys := fstest.MapFS{
		"m/000001_widgets.up.sql": {Data: []byte(`CREATE TABLE widgets (id TEXT PRIMARY KEY);`)},
		"m/000002_broken.up.sql":  {Data: []byte(`CREATE TABLE parts (id TEXT); INSERT INTO nowhere VALUES (1);`)},
	}
	mgr, err := NewMigrationManager(db, fsys, "m")
	require.NoError(t, err)

	applied, err := mgr.Up(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "000002_broken.up.sql")
	assert.Equal(t, 1, applied)
	assert.False(t, tableExists(t, db, "parts"))

	version, err := mgr.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestMigrationManagerRejectsBadSets(t *testing.T) {
	db := openMigrationDB(t)

	_, err := NewMigrationManager(db, testMigrationFS(), "nope")
	assert.Error(t, err)

	_, err = NewMigrationManager(nil, testMigrationFS(), "m")
	assert.Error(t, err)

	dup := fstest.MapFS{
		"m/000001_widgets.up.sql": {Data: []byte(`SELECT 1;`)},
		"m/1_gadgets.up.sql":      {Data: []byte(`SELECT 1;`)},
	}
	_, err = NewMigrationManager(db, dup, "m")
	assert.ErrorContains(t, err, "version 1")
}
