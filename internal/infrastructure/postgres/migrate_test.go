package postgres

import (
	"testing"
	"testing/fstest"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"002_indexes.sql": {Data: []byte("CREATE INDEX a ON b (c);")},
		"001_core.sql":    {Data: []byte("CREATE TABLE b (c INT);")},
		"README.md":       {Data: []byte("notes")},
		"seed.sql":        {Data: []byte("INSERT INTO b VALUES (1);")},
		"x_notes.sql":     {Data: []byte("-- skipped")},
	}

	migrations, err := LoadMigrations(files)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("migrations not sorted: %+v", migrations)
	}
	if migrations[0].Name != "001_core.sql" || migrations[0].SQL != "CREATE TABLE b (c INT);" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_core.sql": {Data: []byte("SELECT 1;")},
		"01_again.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := LoadMigrations(files); err == nil {
		t.Fatal("expected duplicate version error")
	}
}
