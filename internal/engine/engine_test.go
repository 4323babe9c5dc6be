package engine

import (
	"path/filepath"
	"testing"

	"github.com/crucible-run/engine/internal/config"
)

func TestNewWiresEveryComponent(t *testing.T) {
	cfg := config.Default()
	cfg.BackendKind = config.BackendContainer
	cfg.SnapshotRoot = filepath.Join(t.TempDir(), "snapshots")

	eng, err := New(&cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	if eng.Backend == nil || eng.Pool == nil || eng.Snapshots == nil || eng.Checkpoints == nil ||
		eng.Cache == nil || eng.Registry == nil || eng.Reaper == nil || eng.Hub == nil ||
		eng.Executor == nil || eng.Telemetry == nil || eng.Audit == nil || eng.API == nil {
		t.Fatal("expected every component to be wired")
	}
}

func TestNewRejectsUnknownBackendKind(t *testing.T) {
	cfg := config.Default()
	cfg.BackendKind = config.BackendKind("bogus")
	cfg.SnapshotRoot = filepath.Join(t.TempDir(), "snapshots")

	if _, err := New(&cfg, nil); err == nil {
		t.Fatal("expected an error for an unknown backend kind")
	}
}
