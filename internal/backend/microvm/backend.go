package microvm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crucible-run/engine/internal/backend"
	"github.com/crucible-run/engine/internal/engineerr"
	"github.com/crucible-run/engine/internal/guestagent"
	"github.com/crucible-run/engine/internal/model"
	"github.com/crucible-run/engine/internal/snapshot"
)

// Config configures the microVM backend.
type Config struct {
	QEMUBinary string
	WorkDir    string
	KernelPath string
	BaseImage  string // base qcow2 path; overlays are created against this
	VCPUs      int
	MemoryMB   int
}

// Backend is the C3 sandbox backend: QEMU microVMs talking the guestagent
// wire protocol over a per-sandbox unix socket (spec §4.3).
type Backend struct {
	mgr   *Manager
	cfg   Config
	store *snapshot.Store // nil disables Checkpoint/Restore/Fork

	logger *slog.Logger

	mu       sync.Mutex
	dials    map[string]string      // sandboxID -> socket path, for Run to dial
	runLocks map[string]*sync.Mutex // sandboxID -> busy lock, TryLock'd by Checkpoint
}

// New constructs a microVM Backend. store may be nil if this deployment
// does not need Checkpoint/Restore/Fork (e.g. Ephemeral-only use).
func New(cfg Config, logger *slog.Logger, store *snapshot.Store) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mgr, err := NewManager(cfg.QEMUBinary, cfg.WorkDir, logger)
	if err != nil {
		return nil, err
	}
	return &Backend{
		mgr:      mgr,
		cfg:      cfg,
		store:    store,
		logger:   logger.With("component", "microvm-backend"),
		dials:    map[string]string{},
		runLocks: map[string]*sync.Mutex{},
	}, nil
}

func (b *Backend) runLock(sandboxID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.runLocks[sandboxID]
	if !ok {
		l = &sync.Mutex{}
		b.runLocks[sandboxID] = l
	}
	return l
}

func (b *Backend) Kind() model.BackendKind { return model.BackendMicroVM }

// Prepare creates a COW overlay against the configured base image and
// boots a microVM over it.
func (b *Backend) Prepare(ctx context.Context, imageRef string) (string, error) {
	basePath := imageRef
	if basePath == "" {
		basePath = b.cfg.BaseImage
	}
	sandboxID := fmt.Sprintf("vm-%d", time.Now().UnixNano())

	overlayPath, err := CreateOverlay(ctx, basePath, b.cfg.WorkDir, sandboxID)
	if err != nil {
		return "", engineerr.Wrap(engineerr.ImageUnavailable, fmt.Sprintf("create overlay for image %q", imageRef), err)
	}

	return sandboxID, b.launchOverlay(ctx, sandboxID, overlayPath)
}

// launchOverlay boots a microVM over an already-materialized overlay
// (either a fresh CreateOverlay result or one reconstituted by Restore or
// Fork) and registers it for Run to dial.
func (b *Backend) launchOverlay(ctx context.Context, sandboxID, overlayPath string) error {
	info, err := b.mgr.Launch(ctx, LaunchConfig{
		SandboxID:   sandboxID,
		OverlayPath: overlayPath,
		KernelPath:  b.cfg.KernelPath,
		MACAddress:  GenerateMACAddress(),
		VCPUs:       valueOr(b.cfg.VCPUs, 2),
		MemoryMB:    valueOr(b.cfg.MemoryMB, 2048),
	})
	if err != nil {
		_ = RemoveOverlay(b.cfg.WorkDir, sandboxID)
		return engineerr.Wrap(engineerr.BackendUnavailable, "launch microVM", err)
	}

	b.mu.Lock()
	b.dials[sandboxID] = info.SocketPath
	b.mu.Unlock()
	return nil
}

func valueOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// Run sends a JobSpec over the guest socket and relays the guest's Events
// into spec.Sink until the terminal Result and Halt arrive. Absence of a
// Result within the timeout is treated as Timeout (spec §4.3).
func (b *Backend) Run(ctx context.Context, sandboxID string, spec backend.RunSpec) (*backend.RunResult, error) {
	b.mu.Lock()
	sockPath, ok := b.dials[sandboxID]
	b.mu.Unlock()
	if !ok {
		return nil, engineerr.New(engineerr.SandboxLost, fmt.Sprintf("unknown sandbox %q", sandboxID))
	}

	lock := b.runLock(sandboxID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.SandboxLost, "dial guest agent socket", err)
	}
	defer conn.Close()

	js := &guestagent.JobSpec{Command: spec.Command, Env: spec.Env, Payload: spec.Stdin}
	js.Limits.MemoryBytes = spec.Limits.MemoryBytes
	js.Limits.CPUShares = spec.Limits.CPUShares
	js.Limits.TimeoutMS = spec.Limits.Timeout.Milliseconds()

	if err := guestagent.WriteJobSpec(conn, js); err != nil {
		return nil, engineerr.Wrap(engineerr.SandboxLost, "send job spec", err)
	}

	deadline := time.Now().Add(spec.Limits.Timeout)
	if spec.Limits.Timeout <= 0 {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = conn.SetDeadline(deadline)

	var result *guestagent.Result
	for {
		ft, ev, res, err := guestagent.ReadFrame(conn)
		if err != nil {
			var netErr net.Error
			if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
				return nil, engineerr.New(engineerr.Timeout, "guest agent did not return a result before the deadline")
			}
			return nil, engineerr.Wrap(engineerr.SandboxLost, "read guest agent frame", err)
		}
		switch ft {
		case guestagent.FrameEvent:
			if spec.Sink != nil {
				spec.Sink.Publish(toModelEvent(ev))
			}
		case guestagent.FrameResult:
			result = res
		case guestagent.FrameHalt:
			if result == nil {
				return nil, engineerr.New(engineerr.Internal, "guest sent Halt before Result")
			}
			if spec.Sink != nil {
				spec.Sink.Publish(model.Event{Kind: model.EventExit, ExitCode: int(result.ExitCode), Timestamp: time.Now()})
			}
			return &backend.RunResult{ExitCode: int(result.ExitCode), Stdout: result.Stdout, Stderr: result.Stderr}, nil
		}
	}
}

func asNetError(err error, target *net.Error) bool {
	if ne, ok := err.(net.Error); ok {
		*target = ne
		return true
	}
	return false
}

func toModelEvent(ev *guestagent.Event) model.Event {
	kind := model.EventCustom
	switch ev.Kind {
	case guestagent.EventStdout:
		kind = model.EventStdout
	case guestagent.EventStderr:
		kind = model.EventStderr
	}
	return model.Event{Kind: kind, Bytes: ev.Payload, Name: ev.Name, Timestamp: time.Now()}
}

func (b *Backend) Signal(ctx context.Context, sandboxID string, sig backend.Signal) error {
	switch sig {
	case backend.SignalStop:
		return b.mgr.Stop(ctx, sandboxID, false)
	case backend.SignalKill:
		return b.mgr.Stop(ctx, sandboxID, true)
	case backend.SignalContinue:
		return nil
	}
	return nil
}

func (b *Backend) Destroy(ctx context.Context, sandboxID string) error {
	b.mu.Lock()
	delete(b.dials, sandboxID)
	b.mu.Unlock()
	return b.mgr.Destroy(ctx, sandboxID)
}

// Checkpoint pauses the VM (SIGSTOP, quiescing all in-guest I/O), reads
// its overlay file as a flat byte blob, and stores it content-addressed.
// If a Run is in flight on this sandbox, the runLock TryLock fails and
// Checkpoint reports CheckpointUnstable rather than racing the guest
// agent (spec §4.6's quiescence requirement).
func (b *Backend) Checkpoint(ctx context.Context, sandboxID string) (string, error) {
	if b.store == nil {
		return "", engineerr.New(engineerr.Internal, "microvm backend has no snapshot store configured")
	}
	lock := b.runLock(sandboxID)
	if !lock.TryLock() {
		return "", engineerr.New(engineerr.CheckpointUnstable, fmt.Sprintf("sandbox %q has a run in flight", sandboxID))
	}
	defer lock.Unlock()

	info, err := b.mgr.Get(sandboxID)
	if err != nil {
		return "", engineerr.Wrap(engineerr.SandboxLost, "lookup sandbox for checkpoint", err)
	}
	if info.State != StateRunning {
		return "", engineerr.New(engineerr.CheckpointUnstable, fmt.Sprintf("sandbox %q is not running", sandboxID))
	}

	if err := b.mgr.Pause(sandboxID); err != nil {
		return "", engineerr.Wrap(engineerr.CheckpointUnstable, "pause sandbox for checkpoint", err)
	}
	defer func() { _ = b.mgr.Resume(sandboxID) }()

	data, err := os.ReadFile(info.OverlayPath)
	if err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "read overlay for checkpoint", err)
	}

	hash := snapshot.ComputeContentHash("", nil, nil, data)
	if err := b.store.Put(ctx, hash, data, snapshot.Metadata{OriginBackend: model.BackendMicroVM}); err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "store checkpoint blob", err)
	}
	return hash, nil
}

// basePath returns the path a content hash's bytes are materialized to
// on this host, writing them from the snapshot store on first use.
func (b *Backend) basePath(ctx context.Context, contentHash string) (string, error) {
	dir := filepath.Join(b.cfg.WorkDir, "bases")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bases dir: %w", err)
	}
	path := filepath.Join(dir, contentHash+".qcow2")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	data, err := b.store.Get(ctx, contentHash)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Restore materializes contentHash's bytes as a standalone disk (a full,
// independent copy) and boots a fresh microVM over it: writes to the
// restored sandbox never affect the snapshot (spec §4.6).
func (b *Backend) Restore(ctx context.Context, contentHash string) (string, error) {
	if b.store == nil {
		return "", engineerr.New(engineerr.Internal, "microvm backend has no snapshot store configured")
	}
	meta, ok := b.store.Metadata(contentHash)
	if !ok {
		return "", engineerr.New(engineerr.Internal, fmt.Sprintf("unknown content hash %q", contentHash))
	}
	if meta.OriginBackend != model.BackendMicroVM {
		return "", engineerr.New(engineerr.RestoreIncompatible, fmt.Sprintf("snapshot %q was captured on backend %q", contentHash, meta.OriginBackend))
	}

	data, err := b.store.Get(ctx, contentHash)
	if err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "fetch snapshot blob for restore", err)
	}

	sandboxID := fmt.Sprintf("vm-restore-%d", time.Now().UnixNano())
	sandboxDir := filepath.Join(b.cfg.WorkDir, sandboxID)
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "create restore sandbox dir", err)
	}
	diskPath := filepath.Join(sandboxDir, "disk.qcow2")
	if err := os.WriteFile(diskPath, data, 0o644); err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "write restored disk", err)
	}

	if err := b.launchOverlay(ctx, sandboxID, diskPath); err != nil {
		return "", err
	}
	return sandboxID, nil
}

// Fork materializes contentHash once under a stable base path and boots a
// new microVM over a fresh COW overlay against that base, so the
// snapshot and every sibling fork diverge independently (spec §4.6,
// Open Question resolution: Branched mode uses the COW overlay
// mechanism rather than a full checkpoint-fork).
func (b *Backend) Fork(ctx context.Context, contentHash string) (string, error) {
	if b.store == nil {
		return "", engineerr.New(engineerr.Internal, "microvm backend has no snapshot store configured")
	}
	meta, ok := b.store.Metadata(contentHash)
	if !ok {
		return "", engineerr.New(engineerr.Internal, fmt.Sprintf("unknown content hash %q", contentHash))
	}
	if meta.OriginBackend != model.BackendMicroVM {
		return "", engineerr.New(engineerr.RestoreIncompatible, fmt.Sprintf("snapshot %q was captured on backend %q", contentHash, meta.OriginBackend))
	}

	base, err := b.basePath(ctx, contentHash)
	if err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "materialize snapshot base for fork", err)
	}

	sandboxID := fmt.Sprintf("vm-fork-%d", time.Now().UnixNano())
	overlayPath, err := CreateOverlay(ctx, base, b.cfg.WorkDir, sandboxID)
	if err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "create fork overlay", err)
	}
	if err := b.launchOverlay(ctx, sandboxID, overlayPath); err != nil {
		return "", err
	}
	return sandboxID, nil
}

func (b *Backend) Probe(ctx context.Context, sandboxID string) bool {
	info, err := b.mgr.Get(sandboxID)
	return err == nil && info.State == StateRunning
}

func (b *Backend) Capabilities(ctx context.Context) (backend.Capabilities, error) {
	return backend.Capabilities{BaseImages: []string{b.cfg.BaseImage}}, nil
}

// Manager exposes the underlying process Manager (overlay paths and
// PID-level pause/resume primitives) without this package re-exporting
// every Manager method.
func (b *Backend) Manager() *Manager { return b.mgr }

// WorkDir is a convenience accessor mirroring Manager.WorkDir.
func (b *Backend) WorkDir() string { return b.mgr.WorkDir() }
