package container

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crucible-run/engine/internal/backend"
	"github.com/crucible-run/engine/internal/engineerr"
	"github.com/crucible-run/engine/internal/imagepull"
	"github.com/crucible-run/engine/internal/model"
	"github.com/crucible-run/engine/internal/snapshot"
)

// Config configures the Proxmox-backed container backend.
type Config struct {
	Host      string
	TokenID   string
	Secret    string
	Node      string
	VerifySSL bool
	VMIDStart int
	VMIDEnd   int
	Template  string // always-present base image name; prepare skips pull
	MemoryMB  int
	VCPUs     int
}

type sandboxState struct {
	vmid      int
	imageRef  string
	state     model.SandboxState
	overlayID string // id of the overlay this container was forked/restored onto, if any
}

// Backend is the C2 container sandbox backend. It implements
// backend.Backend by driving a Proxmox LXC cluster through the REST API,
// with a VMID pool carved out of [VMIDStart, VMIDEnd) to name containers,
// mirroring fluid-daemon/internal/provider/lxc's CTResolver/VMID
// allocation idiom (naming.go) generalized to arbitrary backends.
type Backend struct {
	client *proxmoxClient
	cfg    Config
	store  *snapshot.Store // nil disables Checkpoint/Restore/Fork
	logger *slog.Logger

	puller      *imagepull.Puller // nil disables the image-pull-if-absent step
	imageSource imagepull.Source

	mu        sync.Mutex
	nextVMID  int
	sandboxes map[string]*sandboxState
	runLocks  map[string]*sync.Mutex
}

// New constructs a container Backend. store may be nil if this deployment
// does not need Checkpoint/Restore/Fork (e.g. Ephemeral-only use).
func New(cfg Config, logger *slog.Logger, store *snapshot.Store) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		client:    newProxmoxClient(cfg.Host, cfg.TokenID, cfg.Secret, cfg.Node, cfg.VerifySSL, logger),
		cfg:       cfg,
		store:     store,
		logger:    logger.With("component", "container-backend"),
		nextVMID:  cfg.VMIDStart,
		sandboxes: make(map[string]*sandboxState),
		runLocks:  make(map[string]*sync.Mutex),
	}
}

// SetImagePuller enables the "pull image if absent" step of Prepare
// (spec §4.2). Without a call to this, Prepare treats every imageRef as
// already resolvable by the Proxmox node, matching today's tests and any
// deployment whose templates are provisioned out of band.
func (b *Backend) SetImagePuller(puller *imagepull.Puller, src imagepull.Source) {
	b.puller = puller
	b.imageSource = src
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

func (b *Backend) Kind() model.BackendKind { return model.BackendContainer }

func (b *Backend) allocateVMID() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nextVMID >= b.cfg.VMIDEnd {
		return 0, engineerr.New(engineerr.ResourceExhausted, "container VMID pool exhausted")
	}
	vmid := b.nextVMID
	b.nextVMID++
	return vmid, nil
}

// Prepare creates and starts an unprivileged Proxmox LXC container from
// the template, with eth0 on bridge vmbr0 via DHCP. No firewall rule is
// set, so inbound traffic is not blocked, and the root filesystem is the
// container's ordinary writable rootfs, not a read-only root with an
// overlay.
func (b *Backend) Prepare(ctx context.Context, imageRef string) (string, error) {
	vmid, err := b.allocateVMID()
	if err != nil {
		return "", err
	}

	template := imageRef
	if template == "" {
		template = b.cfg.Template
	}
	// "always present" images (the configured default template) skip the
	// pull step entirely, per spec §4.2.
	if b.puller != nil && template != b.cfg.Template {
		result, err := b.puller.Pull(ctx, imagepull.Request{ImageRef: template}, b.imageSource)
		if err != nil {
			return "", engineerr.Wrap(engineerr.ImageUnavailable, fmt.Sprintf("pull image %q", template), err)
		}
		template = result.LocalPath
	}
	if err := b.client.createContainer(ctx, vmid, template, b.cfg.MemoryMB, b.cfg.VCPUs); err != nil {
		return "", engineerr.Wrap(engineerr.ImageUnavailable, fmt.Sprintf("create container for image %q", imageRef), err)
	}
	if err := b.client.startContainer(ctx, vmid); err != nil {
		return "", engineerr.Wrap(engineerr.BackendUnavailable, "start container", err)
	}

	sandboxID := fmt.Sprintf("ct-%d", vmid)
	b.mu.Lock()
	b.sandboxes[sandboxID] = &sandboxState{vmid: vmid, imageRef: imageRef, state: model.SandboxIdle}
	b.mu.Unlock()

	return sandboxID, nil
}

func (b *Backend) lookup(sandboxID string) (*sandboxState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sandboxes[sandboxID]
	if !ok {
		return nil, engineerr.New(engineerr.SandboxLost, fmt.Sprintf("unknown sandbox %q", sandboxID))
	}
	return s, nil
}

// Run executes the command through one request/response Proxmox exec
// call, mirrors the captured stdout/stderr into the EventSink, and emits
// Exit on completion. Only the command reaches pctExec: spec.Stdin and
// spec.Env are not passed to the container, and the captured output is
// kept in full, with no size bound.
func (b *Backend) Run(ctx context.Context, sandboxID string, spec backend.RunSpec) (*backend.RunResult, error) {
	s, err := b.lookup(sandboxID)
	if err != nil {
		return nil, err
	}

	lock := b.runLock(sandboxID)
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	s.state = model.SandboxRunning
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		s.state = model.SandboxIdle
		b.mu.Unlock()
	}()

	stdout, stderr, exitCode, err := b.client.pctExec(ctx, s.vmid, spec.Command)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.SandboxLost, "exec in container", err)
	}

	if spec.Sink != nil {
		if len(stdout) > 0 {
			spec.Sink.Publish(model.Event{Kind: model.EventStdout, Bytes: []byte(stdout), Timestamp: time.Now()})
		}
		if len(stderr) > 0 {
			spec.Sink.Publish(model.Event{Kind: model.EventStderr, Bytes: []byte(stderr), Timestamp: time.Now()})
		}
		spec.Sink.Publish(model.Event{Kind: model.EventExit, ExitCode: exitCode, Timestamp: time.Now()})
	}

	return &backend.RunResult{ExitCode: exitCode, Stdout: []byte(stdout), Stderr: []byte(stderr)}, nil
}

// Signal implements graceful-stop-then-kill: Stop issues a Proxmox
// shutdown, Kill issues a forced stop.
func (b *Backend) Signal(ctx context.Context, sandboxID string, sig backend.Signal) error {
	s, err := b.lookup(sandboxID)
	if err != nil {
		return err
	}
	switch sig {
	case backend.SignalStop:
		return b.client.stopContainer(ctx, s.vmid, false)
	case backend.SignalKill:
		return b.client.stopContainer(ctx, s.vmid, true)
	case backend.SignalContinue:
		return nil
	}
	return nil
}

func (b *Backend) Destroy(ctx context.Context, sandboxID string) error {
	s, err := b.lookup(sandboxID)
	if err != nil {
		return nil // already gone; Destroy is idempotent
	}
	b.mu.Lock()
	s.state = model.SandboxTerminating
	b.mu.Unlock()

	_ = b.client.stopContainer(ctx, s.vmid, true)
	if err := b.client.destroyContainer(ctx, s.vmid); err != nil {
		return engineerr.Wrap(engineerr.Internal, "destroy container", err)
	}

	b.mu.Lock()
	delete(b.sandboxes, sandboxID)
	b.mu.Unlock()
	return nil
}

// Checkpoint takes a Proxmox-native LXC snapshot (server-side, covering
// both container config and the writable rootfs overlay) and records a
// pointer to it in the snapshot store under a content hash. Unlike the
// microVM backend, the captured bytes never transit through this
// process — Proxmox's own storage layer owns them — so the stored blob
// is the small "vmid:snapname" locator, not the container's filesystem.
// If a Run is in flight, the runLock TryLock fails and Checkpoint
// reports CheckpointUnstable (spec §4.6).
func (b *Backend) Checkpoint(ctx context.Context, sandboxID string) (string, error) {
	if b.store == nil {
		return "", engineerr.New(engineerr.Internal, "container backend has no snapshot store configured")
	}
	s, err := b.lookup(sandboxID)
	if err != nil {
		return "", err
	}

	lock := b.runLock(sandboxID)
	if !lock.TryLock() {
		return "", engineerr.New(engineerr.CheckpointUnstable, fmt.Sprintf("sandbox %q has a run in flight", sandboxID))
	}
	defer lock.Unlock()

	snapName := fmt.Sprintf("ck%d", time.Now().UnixNano())
	if err := b.client.snapshotCreate(ctx, s.vmid, snapName); err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "create proxmox snapshot", err)
	}

	locator := fmt.Sprintf("%d:%s", s.vmid, snapName)
	sum := sha256.Sum256([]byte(locator))
	hash := hex.EncodeToString(sum[:])
	if err := b.store.Put(ctx, hash, []byte(locator), snapshot.Metadata{OriginBackend: model.BackendContainer}); err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "record checkpoint locator", err)
	}
	return hash, nil
}

func (b *Backend) resolveLocator(ctx context.Context, contentHash string) (vmid int, snapName string, err error) {
	meta, ok := b.store.Metadata(contentHash)
	if !ok {
		return 0, "", engineerr.New(engineerr.Internal, fmt.Sprintf("unknown content hash %q", contentHash))
	}
	if meta.OriginBackend != model.BackendContainer {
		return 0, "", engineerr.New(engineerr.RestoreIncompatible, fmt.Sprintf("snapshot %q was captured on backend %q", contentHash, meta.OriginBackend))
	}
	data, err := b.store.Get(ctx, contentHash)
	if err != nil {
		return 0, "", engineerr.Wrap(engineerr.Internal, "fetch checkpoint locator", err)
	}
	parts := strings.SplitN(string(data), ":", 2)
	if len(parts) != 2 {
		return 0, "", engineerr.New(engineerr.Internal, fmt.Sprintf("malformed checkpoint locator %q", data))
	}
	vmid, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", engineerr.Wrap(engineerr.Internal, "parse checkpoint locator vmid", err)
	}
	return vmid, parts[1], nil
}

// Restore clones a fully independent container from contentHash's
// snapshot (full=1): writes to the restored sandbox never affect the
// original (spec §4.6).
func (b *Backend) Restore(ctx context.Context, contentHash string) (string, error) {
	return b.cloneSandbox(ctx, contentHash, false)
}

// Fork clones a copy-on-write sibling container from contentHash's
// snapshot (full=0, Proxmox's linked-clone storage mode): the snapshot
// and every sibling fork diverge independently without duplicating
// storage (spec §4.6, Open Question resolution: Branched mode uses COW).
func (b *Backend) Fork(ctx context.Context, contentHash string) (string, error) {
	return b.cloneSandbox(ctx, contentHash, true)
}

func (b *Backend) cloneSandbox(ctx context.Context, contentHash string, linked bool) (string, error) {
	if b.store == nil {
		return "", engineerr.New(engineerr.Internal, "container backend has no snapshot store configured")
	}
	vmid, snapName, err := b.resolveLocator(ctx, contentHash)
	if err != nil {
		return "", err
	}

	newVMID, err := b.allocateVMID()
	if err != nil {
		return "", err
	}
	if err := b.client.cloneFromSnapshot(ctx, vmid, newVMID, snapName, linked); err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "clone from snapshot", err)
	}
	if err := b.client.startContainer(ctx, newVMID); err != nil {
		return "", engineerr.Wrap(engineerr.BackendUnavailable, "start cloned container", err)
	}

	sandboxID := fmt.Sprintf("ct-%d", newVMID)
	b.mu.Lock()
	b.sandboxes[sandboxID] = &sandboxState{vmid: newVMID, state: model.SandboxIdle, overlayID: contentHash}
	b.mu.Unlock()
	return sandboxID, nil
}

// Probe checks liveness by attempting a trivial exec.
func (b *Backend) Probe(ctx context.Context, sandboxID string) bool {
	s, err := b.lookup(sandboxID)
	if err != nil {
		return false
	}
	_, _, exitCode, err := b.client.pctExec(ctx, s.vmid, []string{"true"})
	return err == nil && exitCode == 0
}

func (b *Backend) Capabilities(ctx context.Context) (backend.Capabilities, error) {
	return backend.Capabilities{
		BaseImages: []string{b.cfg.Template},
	}, nil
}
