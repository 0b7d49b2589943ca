package database

import (
	"testing"
	"testing/fstest"
)

func TestExtractVersion(t *testing.T) {
	tests := []struct {
		file string
		want int
	}{
		{"001_call_log.up.sql", 1},
		{"012_index.up.sql", 12},
		{"call_log.up.sql", 0},
		{"abc_call_log.up.sql", 0},
	}
	for _, tt := range tests {
		if got := extractVersion(tt.file); got != tt.want {
			t.Errorf("extractVersion(%q) = %d, want %d", tt.file, got, tt.want)
		}
	}
}

func TestPendingMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002_kind_index.up.sql": {Data: []byte("SELECT 1")},
		"m/001_call_log.up.sql":   {Data: []byte("SELECT 1")},
		"m/001_call_log.down.sql": {Data: []byte("SELECT 1")},
		"m/010_prune.up.sql":      {Data: []byte("SELECT 1")},
		"m/notes.txt":             {Data: []byte("ignored")},
		"m/bad_version.up.sql":    {Data: []byte("SELECT 1")},
	}

	got, err := pendingMigrations(fsys, "m", map[int]bool{2: true})
	if err != nil {
		t.Fatalf("pendingMigrations() error = %v", err)
	}
	if len(got) != 2 || got[0].version != 1 || got[1].version != 10 {
		t.Fatalf("unexpected migrations: %+v", got)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	got, err := pendingMigrations(migrationsFS, "migrations", nil)
	if err != nil {
		t.Fatalf("pendingMigrations() error = %v", err)
	}
	if len(got) == 0 || got[0].file != "001_call_log.up.sql" {
		t.Fatalf("unexpected embedded migrations: %+v", got)
	}
}
