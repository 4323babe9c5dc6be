package fingerprint

import (
	"testing"

	"github.com/crucible-run/engine/internal/model"
)

func TestComputeStableUnderEnvOrder(t *testing.T) {
	r1 := &model.Request{
		Command:  []string{"echo", "hi"},
		ImageRef: "alpine:latest",
		Env:      map[string]string{"A": "1", "B": "2"},
	}
	r2 := &model.Request{
		Command:  []string{"echo", "hi"},
		ImageRef: "alpine:latest",
		Env:      map[string]string{"B": "2", "A": "1"},
	}
	if Compute(r1, model.BackendContainer) != Compute(r2, model.BackendContainer) {
		t.Fatal("fingerprint should be stable regardless of map iteration/insertion order")
	}
}

func TestComputeDiffersOnBackendKind(t *testing.T) {
	r := &model.Request{Command: []string{"echo", "hi"}, ImageRef: "alpine:latest"}
	a := Compute(r, model.BackendContainer)
	b := Compute(r, model.BackendMicroVM)
	if a == b {
		t.Fatal("fingerprint must differ across backend kinds")
	}
}

func TestComputeDiffersOnPayload(t *testing.T) {
	r1 := &model.Request{Command: []string{"cat"}, ImageRef: "alpine:latest", Stdin: []byte("x")}
	r2 := &model.Request{Command: []string{"cat"}, ImageRef: "alpine:latest", Stdin: []byte("y")}
	if Compute(r1, model.BackendContainer) == Compute(r2, model.BackendContainer) {
		t.Fatal("fingerprint must differ on stdin payload")
	}
}

func TestComputeLengthIsHex64(t *testing.T) {
	r := &model.Request{Command: []string{"true"}, ImageRef: "alpine:latest"}
	fp := Compute(r, model.BackendContainer)
	if len(fp) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(fp))
	}
}
