// Package testutil provides database fixtures shared across package tests:
// a helper that opens a migrated temp-file sqlite database and hands back
// a cleanup func.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/hyperasset/sentinel/internal/database"
)

// NewTestDB creates a temp-file sqlite database named name (one of
// "core", "market", "content", "vectors"), applies its schema via Migrate,
// and returns it. Cleanup is registered automatically via t.Cleanup.
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), name+".db")
	db, err := database.New(database.Config{
		Path:    dbPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("testutil: open %s database: %v", name, err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("testutil: migrate %s database: %v", name, err)
	}

	return db
}

// NewTestDBWithSchema creates a temp-file sqlite database and applies the
// given raw schema SQL directly, for packages whose fixtures need a subset
// or variant of a store's tables rather than the full migration.
func NewTestDBWithSchema(t *testing.T, name, schema string) *database.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), name+".db")
	db, err := database.New(database.Config{
		Path:    dbPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("testutil: open %s database: %v", name, err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("testutil: apply schema to %s database: %v", name, err)
	}

	return db
}
