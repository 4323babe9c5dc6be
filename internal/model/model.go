// Package model defines the engine's core data model (spec §3): Request,
// Response, Sandbox, Snapshot, Instance, Fingerprint, Event, and the
// ownership rules that tie them together.
package model

import (
	"time"

	"github.com/crucible-run/engine/internal/engineerr"
)

// Mode selects one of the five execution modes (§4.9).
type Mode string

const (
	ModeEphemeral    Mode = "ephemeral"
	ModeCached       Mode = "cached"
	ModeCheckpointed Mode = "checkpointed"
	ModeBranched     Mode = "branched"
	ModePersistent   Mode = "persistent"
)

// BackendKind identifies which sandbox backend produced or must consume
// a piece of state.
type BackendKind string

const (
	BackendContainer BackendKind = "container"
	BackendMicroVM   BackendKind = "microvm"
)

// Limits bounds resource usage and wall-clock time for one Request.
type Limits struct {
	MemoryBytes int64
	CPUShares   int64
	Timeout     time.Duration
}

// Request is the unit of work submitted to the dispatcher (C9).
// Immutable once dispatch begins.
type Request struct {
	ID          string
	Fingerprint string // optional; computed by the dispatcher if empty
	Mode        Mode
	ImageRef    string
	Command     []string
	Env         map[string]string
	Stdin       []byte
	Limits      Limits
	RestoreFrom string // snapshot id; mutually exclusive with BranchFrom
	BranchFrom  string // snapshot id; mutually exclusive with RestoreFrom
	InstanceID  string // required iff Mode == ModePersistent
	WantSnapshot bool  // request a post-run snapshot (Checkpointed/Branched)
}

// Validate enforces the §3 Request invariants.
func (r *Request) Validate() error {
	if r.RestoreFrom != "" && r.BranchFrom != "" {
		return engineerr.New(engineerr.Internal, "request sets both restore_from and branch_from")
	}
	if r.Mode == ModePersistent && r.InstanceID == "" {
		return engineerr.New(engineerr.Internal, "persistent mode requires instance_id")
	}
	if r.Mode != ModePersistent && r.InstanceID != "" {
		return engineerr.New(engineerr.Internal, "instance_id set on non-persistent request")
	}
	if r.Mode == ModeBranched && r.BranchFrom == "" {
		return engineerr.New(engineerr.Internal, "branched mode requires branch_from")
	}
	return nil
}

// ExitKilled is the sentinel exit status for a killed or timed-out run.
const ExitKilled = -1

// Response is the immutable result of running a Request to completion.
type Response struct {
	RequestID      string
	ExitStatus     int
	Stdout         []byte
	Stderr         []byte
	WallDuration   time.Duration
	ModeUsed       Mode
	CacheHit       bool
	SnapshotID     string // optional, set when a snapshot was produced
	ErrorKind      engineerr.Kind
	ErrorMessage   string
}

// SandboxState is a Sandbox's lifecycle state (§3).
type SandboxState string

const (
	SandboxCreating     SandboxState = "Creating"
	SandboxIdle         SandboxState = "Idle"
	SandboxRunning      SandboxState = "Running"
	SandboxCheckpointing SandboxState = "Checkpointing"
	SandboxRestoring    SandboxState = "Restoring"
	SandboxPaused       SandboxState = "Paused"
	SandboxTerminating  SandboxState = "Terminating"
	SandboxDead         SandboxState = "Dead"
)

// Sandbox is a concrete running isolation domain.
type Sandbox struct {
	ID           string
	BackendKind  BackendKind
	Fingerprint  string
	State        SandboxState
	CreatedAt    time.Time
	LastUsedAt   time.Time
	InstanceID   string // optional bound Instance
	UseCount     int
}

// Snapshot is immutable captured sandbox state (§3, §4.5).
type Snapshot struct {
	ID          string
	ContentHash string // 64-hex SHA-256
	ParentID    string // optional
	Creator     string
	SizeBytes   int64
	CreatedAt   time.Time
	BackendKind BackendKind
}

// InstanceState is an Instance's lifecycle state (§4.8).
type InstanceState string

const (
	InstancePending InstanceState = "Pending"
	InstanceRunning InstanceState = "Running"
	InstancePaused  InstanceState = "Paused"
	InstanceStopped InstanceState = "Stopped"
	InstanceFailed  InstanceState = "Failed"
)

// PortBinding is an opaque host binding exposed by a running Instance.
type PortBinding struct {
	Name     string
	HostAddr string
}

// Instance is a persistent sandbox with a client-owned lifecycle.
type Instance struct {
	ID              string
	OwnerID         string
	SandboxID       string
	State           InstanceState
	CheckpointSnapID string // set while Paused
	TTLDeadline     time.Time
	Ports           map[string]PortBinding
	Limits          Limits
}

// EventKind tags an Event on a per-execution stream (§3, §4.10).
type EventKind string

const (
	EventStdout           EventKind = "Stdout"
	EventStderr           EventKind = "Stderr"
	EventExit             EventKind = "Exit"
	EventFileChanged      EventKind = "FileChanged"
	EventProcessLifecycle EventKind = "ProcessLifecycle"
	EventCustom           EventKind = "Custom"
	EventHeartbeat        EventKind = "Heartbeat"
)

// Event is one record on a Request's event stream.
type Event struct {
	Kind      EventKind
	Seq       uint64 // per-producer-stream sequence number, for ordering
	Bytes     []byte // Stdout/Stderr payload
	ExitCode  int    // Exit
	Path      string // FileChanged
	PID       int    // ProcessLifecycle
	Cmd       string // ProcessLifecycle
	Name      string // Custom
	Blob      []byte // Custom
	Timestamp time.Time
}
