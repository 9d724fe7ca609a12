package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/SirClappington/lendersync/internal/config"
	"github.com/SirClappington/lendersync/internal/orchestrator"
	"github.com/SirClappington/lendersync/internal/storage"
)

func TestOpen_SingleNodeBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	cfg := config.Config{
		RedisAddr:       mr.Addr(),
		RegistryDriver:  "sqlite",
		SQLitePath:      filepath.Join(dir, "runs.db"),
		LockBackend:     "redis",
		BlobBackend:     "fs",
		BlobDir:         filepath.Join(dir, "raw"),
		QueueName:       "collect",
		TargetTimezone:  "UTC",
		LenderCodes:     []string{"CBA"},
		TrackedProducts: []string{"CBA:home-1"},
	}
	ctx := context.Background()
	d, err := Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}()
	if _, ok := d.Registry.(*storage.SQLiteStore); !ok {
		t.Errorf("Registry = %T, want *storage.SQLiteStore", d.Registry)
	}

	orch, err := d.Orchestrator()
	if err != nil {
		t.Fatal(err)
	}
	res, err := orch.TriggerDaily(ctx, orchestrator.DailyRequest{Date: "2024-03-15"})
	if err != nil || !res.OK || res.Enqueued != 2 {
		t.Fatalf("TriggerDaily = %+v, %v", res, err)
	}
	ready, _, _, err := d.Queue.Depth(ctx)
	if err != nil || ready != 2 {
		t.Errorf("ready = %d, %v; want 2", ready, err)
	}
}

func TestOrchestrator_RejectsBadProducts(t *testing.T) {
	d := &Deps{Config: config.Config{TrackedProducts: []string{"no-colon"}, TargetTimezone: "UTC"}}
	if _, err := d.Orchestrator(); err == nil {
		t.Error("expected error")
	}
}
