// Package backend defines the sandbox backend trait (spec §4.1): a uniform
// "run one configured job to completion" contract implemented by the
// container backend (C2) and the microVM backend (C3).
package backend

import (
	"context"
	"time"

	"github.com/crucible-run/engine/internal/events"
	"github.com/crucible-run/engine/internal/model"
)

// Signal is a control action delivered to a running Sandbox.
type Signal int

const (
	SignalKill Signal = iota
	SignalStop
	SignalContinue
)

// RunSpec bundles everything a backend needs to run one command inside an
// already-prepared Sandbox.
type RunSpec struct {
	Command []string
	Env     map[string]string
	Stdin   []byte
	Limits  model.Limits
	Sink    *events.Publisher // where the backend mirrors Stdout/Stderr/Exit
}

// RunResult is the outcome of one command execution inside a Sandbox.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Backend is the uniform contract every sandbox implementation satisfies.
// All operations are cancellable via ctx; on cancel, in-flight sandboxes
// must be destroyed within a bounded grace period (spec §4.1).
type Backend interface {
	Kind() model.BackendKind

	// Prepare materializes (pulling if necessary) the given image and
	// returns a freshly created Sandbox id in state Idle.
	Prepare(ctx context.Context, imageRef string) (sandboxID string, err error)

	// Run executes one command to completion inside sandboxID.
	Run(ctx context.Context, sandboxID string, spec RunSpec) (*RunResult, error)

	// Signal delivers a control action to a running Sandbox.
	Signal(ctx context.Context, sandboxID string, sig Signal) error

	// Destroy tears a Sandbox down unconditionally.
	Destroy(ctx context.Context, sandboxID string) error

	// Checkpoint captures sandboxID's current state into the snapshot
	// store, returning the produced content hash. Returns
	// engineerr.CheckpointUnstable if the sandbox is not quiescent.
	Checkpoint(ctx context.Context, sandboxID string) (contentHash string, err error)

	// Restore allocates a new Sandbox from a previously captured content
	// hash. Returns engineerr.RestoreIncompatible if the hash's origin
	// backend kind does not match this Backend.
	Restore(ctx context.Context, contentHash string) (sandboxID string, err error)

	// Fork creates a sibling Sandbox from contentHash using copy-on-write;
	// the parent's captured state is left untouched.
	Fork(ctx context.Context, contentHash string) (sandboxID string, err error)

	// Probe reports whether sandboxID is healthy and usable for reuse.
	Probe(ctx context.Context, sandboxID string) bool

	// Capabilities reports this backend's current resource availability
	// and known images, for the health endpoint (§6) and the C.1
	// supplement's "backend self-capability report."
	Capabilities(ctx context.Context) (Capabilities, error)
}

// Capabilities describes a backend's current resource envelope.
type Capabilities struct {
	TotalCPUs      int
	AvailableCPUs  int
	TotalMemoryMB  int
	AvailableMemMB int
	BaseImages     []string
}

// GracefulStopThenKill enforces the dispatcher's uniform timeout policy
// (§4.9): signal a graceful stop, wait up to delay, then force-kill and
// destroy. It is shared by both backends so the policy lives in one
// place.
func GracefulStopThenKill(ctx context.Context, b Backend, sandboxID string, delay time.Duration) error {
	_ = b.Signal(ctx, sandboxID, SignalStop)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = b.Signal(ctx, sandboxID, SignalKill)
	return b.Destroy(context.Background(), sandboxID)
}
