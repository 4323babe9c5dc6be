package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/crucible-run/engine/internal/engineerr"
	"github.com/crucible-run/engine/internal/model"
)

func TestPutGetTransition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	r, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	inst := &model.Instance{ID: "i1", OwnerID: "u1"}
	if err := r.Put(inst); err != nil {
		t.Fatal(err)
	}

	got, ok := r.Get("i1")
	if !ok || got.State != model.InstancePending {
		t.Fatalf("expected pending instance, got %+v ok=%v", got, ok)
	}

	if err := r.Transition("i1", model.InstanceRunning); err != nil {
		t.Fatalf("pending->running: %v", err)
	}
	if err := r.Transition("i1", model.InstancePaused); err != nil {
		t.Fatalf("running->paused: %v", err)
	}
	if err := r.Transition("i1", model.InstanceRunning); err != nil {
		t.Fatalf("paused->running: %v", err)
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	r, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.Put(&model.Instance{ID: "i1"}); err != nil {
		t.Fatal(err)
	}
	err = r.Transition("i1", model.InstancePaused) // Pending -> Paused is not a legal edge
	if err == nil {
		t.Fatal("expected InstanceStateInvalid for Pending->Paused")
	}
	if engineerr.KindOf(err) != engineerr.InstanceStateInvalid {
		t.Fatalf("expected InstanceStateInvalid, got %v", engineerr.KindOf(err))
	}
}

func TestJournalReplayRecoversState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	r, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Put(&model.Instance{ID: "i1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Transition("i1", model.InstanceRunning); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()

	got, ok := r2.Get("i1")
	if !ok || got.State != model.InstanceRunning {
		t.Fatalf("expected replay to recover Running state, got %+v ok=%v", got, ok)
	}
}

func TestExpiredIDsAndReaper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	r, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	inst := &model.Instance{ID: "i1", TTLDeadline: time.Now().Add(-time.Minute)}
	if err := r.Put(inst); err != nil {
		t.Fatal(err)
	}
	if err := r.Transition("i1", model.InstanceRunning); err != nil {
		t.Fatal(err)
	}

	expired := r.ExpiredIDs(time.Now())
	if len(expired) != 1 || expired[0] != "i1" {
		t.Fatalf("expected i1 to be expired, got %v", expired)
	}

	var stopped []string
	reaper := NewReaper(r, func(ctx context.Context, id string) error {
		stopped = append(stopped, id)
		return nil
	}, nil)
	reaper.sweep(context.Background())

	if len(stopped) != 1 || stopped[0] != "i1" {
		t.Fatalf("expected reaper to stop i1, got %v", stopped)
	}
	got, _ := r.Get("i1")
	if got.State != model.InstanceStopped {
		t.Fatalf("expected instance transitioned to Stopped, got %s", got.State)
	}
}

func TestRemoveDeletesInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	r, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.Put(&model.Instance{ID: "i1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove("i1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get("i1"); ok {
		t.Fatal("expected instance to be gone after Remove")
	}
}

func TestBindPortAndUnbindPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	r, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.Put(&model.Instance{ID: "i1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.BindPort("i1", "http", "127.0.0.1:38123"); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get("i1")
	if got.Ports["http"].HostAddr != "127.0.0.1:38123" {
		t.Fatalf("expected bound port, got %+v", got.Ports)
	}

	if err := r.UnbindPort("i1", "http"); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get("i1")
	if _, bound := got.Ports["http"]; bound {
		t.Fatal("expected port to be unbound")
	}

	// Idempotent: unbinding an already-unbound port is a no-op, not an error.
	if err := r.UnbindPort("i1", "http"); err != nil {
		t.Fatalf("expected idempotent unbind, got %v", err)
	}
}

func TestBindPortRejectsUnknownInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	r, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.BindPort("ghost", "http", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error for unknown instance")
	}
}
