package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crucible-run/engine/internal/backend"
	"github.com/crucible-run/engine/internal/cache"
	"github.com/crucible-run/engine/internal/checkpoint"
	"github.com/crucible-run/engine/internal/engineerr"
	"github.com/crucible-run/engine/internal/events"
	"github.com/crucible-run/engine/internal/model"
	"github.com/crucible-run/engine/internal/pool"
	"github.com/crucible-run/engine/internal/registry"
	"github.com/crucible-run/engine/internal/snapshot"
)

// fakeBackend is a fully scriptable backend.Backend for dispatcher tests:
// Run/Checkpoint/Restore/Fork outcomes are set directly on the struct,
// and Destroy/Prepare calls are recorded for assertions.
type fakeBackend struct {
	prepareN int32

	runResult *backend.RunResult
	runErr    error
	runDelay  time.Duration

	checkpointHash string
	checkpointErr  error
	restoreSandbox string
	forkSandbox    string

	destroyed []string
}

func (f *fakeBackend) Kind() model.BackendKind { return model.BackendContainer }

func (f *fakeBackend) Prepare(ctx context.Context, imageRef string) (string, error) {
	n := atomic.AddInt32(&f.prepareN, 1)
	return fmt.Sprintf("sb-%d", n), nil
}

func (f *fakeBackend) Run(ctx context.Context, sandboxID string, spec backend.RunSpec) (*backend.RunResult, error) {
	if f.runDelay > 0 {
		select {
		case <-time.After(f.runDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.runResult != nil && spec.Sink != nil {
		spec.Sink.Publish(model.Event{Kind: model.EventStdout, Bytes: f.runResult.Stdout})
	}
	return f.runResult, f.runErr
}

func (f *fakeBackend) Signal(ctx context.Context, sandboxID string, sig backend.Signal) error {
	return nil
}

func (f *fakeBackend) Destroy(ctx context.Context, sandboxID string) error {
	f.destroyed = append(f.destroyed, sandboxID)
	return nil
}

func (f *fakeBackend) Checkpoint(ctx context.Context, sandboxID string) (string, error) {
	return f.checkpointHash, f.checkpointErr
}

func (f *fakeBackend) Restore(ctx context.Context, contentHash string) (string, error) {
	return f.restoreSandbox, nil
}

func (f *fakeBackend) Fork(ctx context.Context, contentHash string) (string, error) {
	return f.forkSandbox, nil
}

func (f *fakeBackend) Probe(ctx context.Context, sandboxID string) bool { return true }

func (f *fakeBackend) Capabilities(ctx context.Context) (backend.Capabilities, error) {
	return backend.Capabilities{}, nil
}

func newTestStore(t *testing.T) *snapshot.Store {
	t.Helper()
	s, err := snapshot.New(filepath.Join(t.TempDir(), "snaps"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRunEphemeralPreparesRunsAndReleasesToPool(t *testing.T) {
	fb := &fakeBackend{runResult: &backend.RunResult{ExitCode: 0, Stdout: []byte("hi")}}
	p := pool.New(fb, pool.Limits{}, nil, nil)
	ex := New(fb, p, nil, nil, nil, events.NewHub(), time.Second, nil)

	req := &model.Request{ID: "r1", Mode: model.ModeEphemeral, ImageRef: "img:1", Command: []string{"echo", "hi"}}
	resp, err := ex.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.ExitStatus != 0 || string(resp.Stdout) != "hi" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.ModeUsed != model.ModeEphemeral {
		t.Fatalf("expected ModeUsed=Ephemeral, got %s", resp.ModeUsed)
	}
	if atomic.LoadInt32(&fb.prepareN) != 1 {
		t.Fatalf("expected exactly one Prepare call, got %d", fb.prepareN)
	}
	if p.Len(req.Fingerprint) != 1 {
		t.Fatal("expected the sandbox to be released back into the pool")
	}
}

func TestRunEphemeralDestroysSandboxOnRunError(t *testing.T) {
	fb := &fakeBackend{runErr: engineerr.New(engineerr.SandboxLost, "guest died")}
	p := pool.New(fb, pool.Limits{}, nil, nil)
	ex := New(fb, p, nil, nil, nil, events.NewHub(), time.Second, nil)

	req := &model.Request{ID: "r1", Mode: model.ModeEphemeral, ImageRef: "img:1", Command: []string{"x"}}
	resp, err := ex.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.ErrorKind != engineerr.SandboxLost {
		t.Fatalf("expected SandboxLost, got %s", resp.ErrorKind)
	}
	if len(fb.destroyed) != 1 {
		t.Fatalf("expected the failed sandbox to be destroyed, got %v", fb.destroyed)
	}
}

func TestRunCachedSingleFlightsAndMarksCacheHit(t *testing.T) {
	fb := &fakeBackend{runResult: &backend.RunResult{ExitCode: 0, Stdout: []byte("out")}}
	p := pool.New(fb, pool.Limits{}, nil, nil)
	c, err := cache.New(16, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	ex := New(fb, p, nil, c, nil, events.NewHub(), time.Second, nil)

	req := &model.Request{ID: "r1", Mode: model.ModeCached, ImageRef: "img:1", Command: []string{"x"}}
	first, err := ex.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.CacheHit {
		t.Fatal("expected the first call to be the producer, not a cache hit")
	}

	req2 := &model.Request{ID: "r2", Mode: model.ModeCached, ImageRef: "img:1", Command: []string{"x"}}
	second, err := ex.Run(context.Background(), req2)
	if err != nil {
		t.Fatal(err)
	}
	if !second.CacheHit {
		t.Fatal("expected the second call to be served from cache")
	}
	if atomic.LoadInt32(&fb.prepareN) != 1 {
		t.Fatalf("expected exactly one Prepare across both calls, got %d", fb.prepareN)
	}
}

func TestRunCheckpointedCapturesSnapshotOnRequest(t *testing.T) {
	fb := &fakeBackend{runResult: &backend.RunResult{ExitCode: 0}, checkpointHash: "deadbeef"}
	store := newTestStore(t)
	ck := checkpoint.New(store, nil)
	ex := New(fb, nil, ck, nil, nil, events.NewHub(), time.Second, nil)

	req := &model.Request{ID: "r1", Mode: model.ModeCheckpointed, ImageRef: "img:1", Command: []string{"x"}, WantSnapshot: true}
	resp, err := ex.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.SnapshotID == "" {
		t.Fatal("expected a produced SnapshotID")
	}
	if _, ok := ck.Get(resp.SnapshotID); !ok {
		t.Fatal("expected the snapshot to be catalogued")
	}
	if len(fb.destroyed) != 1 {
		t.Fatal("expected the sandbox to be destroyed after the checkpointed run")
	}
}

func TestRunCheckpointedRestoresFromSnapshot(t *testing.T) {
	fb := &fakeBackend{runResult: &backend.RunResult{ExitCode: 0}, checkpointHash: "abc123", restoreSandbox: "sb-restored"}
	store := newTestStore(t)
	ck := checkpoint.New(store, nil)
	ex := New(fb, nil, ck, nil, nil, events.NewHub(), time.Second, nil)

	snap, err := ck.Checkpoint(context.Background(), fb, "sb-0", "alice", "")
	if err != nil {
		t.Fatal(err)
	}

	req := &model.Request{ID: "r1", Mode: model.ModeCheckpointed, RestoreFrom: snap.ID, Command: []string{"x"}}
	if _, err := ex.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&fb.prepareN) != 0 {
		t.Fatal("restore path must not call Prepare")
	}
}

func TestRunBranchedRejectsMissingBranchFrom(t *testing.T) {
	fb := &fakeBackend{}
	ex := New(fb, nil, nil, nil, nil, events.NewHub(), time.Second, nil)

	req := &model.Request{ID: "r1", Mode: model.ModeBranched, Command: []string{"x"}}
	resp, err := ex.Run(context.Background(), req)
	if resp != nil || err == nil {
		t.Fatalf("expected Validate to reject a branched request with no branch_from, got resp=%+v err=%v", resp, err)
	}
}

func TestRunBranchedForksFromSnapshot(t *testing.T) {
	fb := &fakeBackend{runResult: &backend.RunResult{ExitCode: 0}, checkpointHash: "base-hash", forkSandbox: "sb-fork"}
	store := newTestStore(t)
	ck := checkpoint.New(store, nil)
	ex := New(fb, nil, ck, nil, nil, events.NewHub(), time.Second, nil)

	parent, err := ck.Checkpoint(context.Background(), fb, "sb-0", "alice", "")
	if err != nil {
		t.Fatal(err)
	}

	req := &model.Request{ID: "r1", Mode: model.ModeBranched, BranchFrom: parent.ID, Command: []string{"x"}, WantSnapshot: true}
	resp, err := ex.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ModeUsed != model.ModeBranched || resp.SnapshotID == "" {
		t.Fatalf("unexpected branched response: %+v", resp)
	}
	child, ok := ck.Get(resp.SnapshotID)
	if !ok || child.ParentID != parent.ID {
		t.Fatalf("expected the new snapshot to chain to its parent, got %+v ok=%v", child, ok)
	}
}

func TestRunPersistentStartsAndLeavesInstanceRunning(t *testing.T) {
	fb := &fakeBackend{runResult: &backend.RunResult{ExitCode: 0}}
	reg, err := registry.Open(filepath.Join(t.TempDir(), "journal.log"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	if err := reg.Put(&model.Instance{ID: "inst-1", OwnerID: "alice"}); err != nil {
		t.Fatal(err)
	}
	ex := New(fb, nil, nil, nil, reg, events.NewHub(), time.Second, nil)

	req := &model.Request{ID: "r1", Mode: model.ModePersistent, ImageRef: "img:1", Command: []string{"x"}, InstanceID: "inst-1"}
	resp, err := ex.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorKind != "" {
		t.Fatalf("unexpected error response: %+v", resp)
	}
	inst, _ := reg.Get("inst-1")
	if inst.State != model.InstanceRunning {
		t.Fatalf("expected instance to remain Running after exec, got %s", inst.State)
	}
	if len(fb.destroyed) != 0 {
		t.Fatal("persistent mode must not destroy the bound sandbox on completion")
	}
}

func TestPauseAndResumeInstance(t *testing.T) {
	fb := &fakeBackend{checkpointHash: "h1", restoreSandbox: "sb-resumed"}
	store := newTestStore(t)
	ck := checkpoint.New(store, nil)
	reg, err := registry.Open(filepath.Join(t.TempDir(), "journal.log"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	if err := reg.Put(&model.Instance{ID: "inst-1", SandboxID: "sb-1"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Transition("inst-1", model.InstanceRunning); err != nil {
		t.Fatal(err)
	}
	ex := New(fb, nil, ck, nil, reg, events.NewHub(), time.Second, nil)

	if err := ex.PauseInstance(context.Background(), "inst-1"); err != nil {
		t.Fatal(err)
	}
	inst, _ := reg.Get("inst-1")
	if inst.State != model.InstancePaused || inst.CheckpointSnapID == "" {
		t.Fatalf("expected Paused with a recorded snapshot, got %+v", inst)
	}

	if err := ex.ResumeInstance(context.Background(), "inst-1"); err != nil {
		t.Fatal(err)
	}
	inst, _ = reg.Get("inst-1")
	if inst.State != model.InstanceRunning || inst.SandboxID != "sb-resumed" {
		t.Fatalf("expected Running bound to the restored sandbox, got %+v", inst)
	}
}

func TestStopInstanceIsIdempotent(t *testing.T) {
	fb := &fakeBackend{}
	reg, err := registry.Open(filepath.Join(t.TempDir(), "journal.log"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	if err := reg.Put(&model.Instance{ID: "inst-1", SandboxID: "sb-1"}); err != nil {
		t.Fatal(err)
	}
	ex := New(fb, nil, nil, nil, reg, events.NewHub(), time.Second, nil)

	if err := ex.StopInstance(context.Background(), "inst-1"); err != nil {
		t.Fatal(err)
	}
	if err := ex.StopInstance(context.Background(), "inst-1"); err != nil {
		t.Fatalf("second Stop must be a no-op, got error: %v", err)
	}
	if len(fb.destroyed) != 1 {
		t.Fatalf("expected exactly one Destroy call across both Stops, got %v", fb.destroyed)
	}
}

func TestRunTimeoutKillsSandboxAndReportsTimeout(t *testing.T) {
	fb := &fakeBackend{runResult: &backend.RunResult{ExitCode: 0}, runDelay: 100 * time.Millisecond}
	ex := New(fb, nil, nil, nil, nil, events.NewHub(), 0, nil)

	req := &model.Request{
		ID: "r1", Mode: model.ModeEphemeral, ImageRef: "img:1", Command: []string{"sleep"},
		Limits: model.Limits{Timeout: 5 * time.Millisecond},
	}
	resp, err := ex.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorKind != engineerr.Timeout {
		t.Fatalf("expected Timeout, got %s", resp.ErrorKind)
	}
	if resp.ExitStatus != model.ExitKilled {
		t.Fatalf("expected ExitKilled sentinel, got %d", resp.ExitStatus)
	}
	if len(fb.destroyed) != 1 {
		t.Fatal("expected GracefulStopThenKill to destroy the timed-out sandbox")
	}
}

func TestRunUnknownModeReturnsInternalError(t *testing.T) {
	fb := &fakeBackend{}
	ex := New(fb, nil, nil, nil, nil, events.NewHub(), time.Second, nil)

	req := &model.Request{ID: "r1", Mode: model.Mode("bogus"), Command: []string{"x"}}
	resp, err := ex.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorKind != engineerr.Internal {
		t.Fatalf("expected Internal for an unknown mode, got %s", resp.ErrorKind)
	}
}
