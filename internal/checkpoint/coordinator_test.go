package checkpoint

import (
	"context"
	"testing"

	"github.com/crucible-run/engine/internal/backend"
	"github.com/crucible-run/engine/internal/engineerr"
	"github.com/crucible-run/engine/internal/model"
	"github.com/crucible-run/engine/internal/snapshot"
)

// fakeBackend is a narrow backend.Backend stand-in so Coordinator can be
// tested without real QEMU or Proxmox.
type fakeBackend struct {
	kind        model.BackendKind
	checkpoints map[string]string // sandboxID -> content hash to return
	restores    map[string]string // content hash -> new sandbox id
}

func (f *fakeBackend) Kind() model.BackendKind { return f.kind }
func (f *fakeBackend) Prepare(ctx context.Context, imageRef string) (string, error) {
	return "", nil
}
func (f *fakeBackend) Run(ctx context.Context, sandboxID string, spec backend.RunSpec) (*backend.RunResult, error) {
	return nil, nil
}
func (f *fakeBackend) Signal(ctx context.Context, sandboxID string, sig backend.Signal) error {
	return nil
}
func (f *fakeBackend) Destroy(ctx context.Context, sandboxID string) error { return nil }
func (f *fakeBackend) Checkpoint(ctx context.Context, sandboxID string) (string, error) {
	hash, ok := f.checkpoints[sandboxID]
	if !ok {
		return "", engineerr.New(engineerr.SandboxLost, "unknown sandbox")
	}
	return hash, nil
}
func (f *fakeBackend) Restore(ctx context.Context, contentHash string) (string, error) {
	id, ok := f.restores[contentHash]
	if !ok {
		return "", engineerr.New(engineerr.RestoreIncompatible, "unknown hash")
	}
	return id, nil
}
func (f *fakeBackend) Fork(ctx context.Context, contentHash string) (string, error) {
	return f.Restore(ctx, contentHash)
}
func (f *fakeBackend) Probe(ctx context.Context, sandboxID string) bool { return true }
func (f *fakeBackend) Capabilities(ctx context.Context) (backend.Capabilities, error) {
	return backend.Capabilities{}, nil
}

func TestCheckpointCatalogsSnapshot(t *testing.T) {
	store, err := snapshot.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(context.Background(), "hash1", []byte("data"), snapshot.Metadata{OriginBackend: model.BackendMicroVM}); err != nil {
		t.Fatal(err)
	}
	c := New(store, nil)
	b := &fakeBackend{kind: model.BackendMicroVM, checkpoints: map[string]string{"sb1": "hash1"}}

	snap, err := c.Checkpoint(context.Background(), b, "sb1", "user1", "")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if snap.ContentHash != "hash1" || snap.BackendKind != model.BackendMicroVM {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	got, ok := c.Get(snap.ID)
	if !ok || got.ID != snap.ID {
		t.Fatal("expected snapshot to be retrievable by id")
	}
}

func TestCheckpointRejectsUnknownParent(t *testing.T) {
	store, err := snapshot.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := New(store, nil)
	b := &fakeBackend{kind: model.BackendMicroVM, checkpoints: map[string]string{"sb1": "hash1"}}

	if _, err := c.Checkpoint(context.Background(), b, "sb1", "user1", "nonexistent-parent"); err == nil {
		t.Fatal("expected error for unknown parent snapshot id")
	}
}

func TestRestoreAndForkDelegateToBackend(t *testing.T) {
	store, err := snapshot.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(context.Background(), "hash1", []byte("data"), snapshot.Metadata{}); err != nil {
		t.Fatal(err)
	}
	c := New(store, nil)
	b := &fakeBackend{
		kind:        model.BackendMicroVM,
		checkpoints: map[string]string{"sb1": "hash1"},
		restores:    map[string]string{"hash1": "sb2"},
	}

	snap, err := c.Checkpoint(context.Background(), b, "sb1", "user1", "")
	if err != nil {
		t.Fatal(err)
	}

	restored, err := c.Restore(context.Background(), b, snap.ID)
	if err != nil || restored != "sb2" {
		t.Fatalf("restore: %v %q", err, restored)
	}

	forked, err := c.Fork(context.Background(), b, snap.ID)
	if err != nil || forked != "sb2" {
		t.Fatalf("fork: %v %q", err, forked)
	}
}

func TestPinsetReflectsCatalog(t *testing.T) {
	store, err := snapshot.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(context.Background(), "hash1", []byte("d"), snapshot.Metadata{}); err != nil {
		t.Fatal(err)
	}
	c := New(store, nil)
	b := &fakeBackend{kind: model.BackendMicroVM, checkpoints: map[string]string{"sb1": "hash1"}}
	if _, err := c.Checkpoint(context.Background(), b, "sb1", "user1", ""); err != nil {
		t.Fatal(err)
	}

	pinned := c.Pinset()
	if !pinned["hash1"] {
		t.Fatal("expected hash1 to be pinned by the catalog")
	}
}
