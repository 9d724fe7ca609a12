package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/SirClappington/lendersync/internal/registry"
	"github.com/SirClappington/lendersync/internal/registry/registrytest"
)

func TestSQLiteStore(t *testing.T) {
	registrytest.Run(t, func(t *testing.T) registry.Registry {
		db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		return NewSQLite(db)
	})
}

func TestOpenSQLite_MigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	for i := 0; i < 2; i++ {
		db, err := OpenSQLite(context.Background(), path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		_ = db.Close()
	}
}
