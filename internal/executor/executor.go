// Package executor implements C9: the mode dispatcher. It is the single
// component that knows about the five execution modes (spec §4.9);
// backends, the pool, the cache, the snapshot store, and the registry do
// not. The shape — a struct wired over its collaborators at construction
// time, one exported entry point, timeouts driven by a context deadline
// — is grounded on control-plane/internal/orchestrator/orchestrator.go's
// Orchestrator (CreateSandbox selects a host, builds a request id,
// dispatches, and assembles a reply from the outcome).
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crucible-run/engine/internal/backend"
	"github.com/crucible-run/engine/internal/cache"
	"github.com/crucible-run/engine/internal/checkpoint"
	"github.com/crucible-run/engine/internal/engineerr"
	"github.com/crucible-run/engine/internal/events"
	"github.com/crucible-run/engine/internal/fingerprint"
	"github.com/crucible-run/engine/internal/model"
	"github.com/crucible-run/engine/internal/pool"
	"github.com/crucible-run/engine/internal/registry"
)

// Executor is the C9 mode dispatcher: run(Request) -> Response. One
// Executor serves one backend.Backend and its warm pool, matching the
// process-wide backend_kind configuration (spec §6); a deployment that
// wants both backend kinds running side by side constructs two
// Executors behind its own routing.
type Executor struct {
	backend     backend.Backend
	pool        *pool.Pool
	checkpoints *checkpoint.Coordinator
	cache       *cache.Cache
	registry    *registry.Registry
	hub         *events.Hub
	logger      *slog.Logger

	gracefulStopDelay time.Duration
}

// New wires an Executor over its collaborators. cache, checkpoints, and
// registry may be nil: an Executor without a cache rejects Cached
// requests, one without checkpoints rejects Checkpointed/Branched, one
// without a registry rejects Persistent — the dispatcher degrades
// gracefully rather than panicking on a partially configured engine.
func New(b backend.Backend, p *pool.Pool, ck *checkpoint.Coordinator, c *cache.Cache, reg *registry.Registry, hub *events.Hub, gracefulStopDelay time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		backend:           b,
		pool:              p,
		checkpoints:       ck,
		cache:             c,
		registry:          reg,
		hub:               hub,
		logger:            logger.With("component", "mode-dispatcher"),
		gracefulStopDelay: gracefulStopDelay,
	}
}

// Run is the single entry point: validate, fingerprint, dispatch on
// Mode, assemble a Response. The returned error is non-nil only for
// requests that fail Validate (bad Request shape); once dispatch starts,
// every failure, including an unknown mode (reported as Internal), is
// folded into the Response's ErrorKind/ErrorMessage instead, since a gateway caller
// always expects a Response to report back to its client (spec §9).
func (e *Executor) Run(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Fingerprint == "" {
		req.Fingerprint = fingerprint.Compute(req, e.backend.Kind())
	}

	if req.Limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Limits.Timeout)
		defer cancel()
	}

	pub := e.hub.NewPublisher(req.ID)
	defer e.hub.Close(req.ID)

	resp := e.dispatch(ctx, req, pub)
	e.logger.Info("request completed",
		"request_id", req.ID, "mode", resp.ModeUsed, "exit_status", resp.ExitStatus,
		"cache_hit", resp.CacheHit, "error_kind", resp.ErrorKind)
	return resp, nil
}

// dispatch selects the mode-specific run path and recovers from panics
// as Internal failures (spec §9: "never allow unexpected faults to
// mutate the registry or cache").
func (e *Executor) dispatch(ctx context.Context, req *model.Request, pub *events.Publisher) (resp *model.Response) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic during dispatch", "request_id", req.ID, "mode", req.Mode, "recovered", r)
			resp = e.errorResponse(req, req.Mode, start, fmt.Errorf("internal panic: %v", r), false)
		}
	}()

	switch req.Mode {
	case model.ModeEphemeral:
		resp, _ = e.runEphemeral(ctx, req, pub)
	case model.ModeCached:
		resp, _ = e.runCached(ctx, req, pub)
	case model.ModeCheckpointed:
		resp, _ = e.runCheckpointed(ctx, req, pub)
	case model.ModeBranched:
		resp, _ = e.runBranched(ctx, req, pub)
	case model.ModePersistent:
		resp, _ = e.runPersistent(ctx, req, pub)
	default:
		resp = e.errorResponse(req, req.Mode, start, engineerr.New(engineerr.Internal, fmt.Sprintf("unknown mode %q", req.Mode)), false)
	}
	return resp
}

// runEphemeral implements §4.9's Ephemeral semantics: acquire a warm
// member or prepare a fresh one, run to completion, return it to the
// pool (or destroy it if it came out unhealthy).
func (e *Executor) runEphemeral(ctx context.Context, req *model.Request, pub *events.Publisher) (*model.Response, error) {
	start := time.Now()

	member, err := e.acquireOrPrepare(ctx, req.Fingerprint, req.ImageRef)
	if err != nil {
		return e.errorResponse(req, model.ModeEphemeral, start, err, false), nil
	}

	result, timedOut, err := e.execute(ctx, member.SandboxID, req, pub)
	if err != nil {
		if !timedOut { // GracefulStopThenKill has already destroyed it
			_ = e.backend.Destroy(context.Background(), member.SandboxID)
		}
		return e.errorResponse(req, model.ModeEphemeral, start, err, timedOut), nil
	}
	e.emitExit(pub, result)
	e.pool.Release(ctx, member)

	return e.response(req, result, model.ModeEphemeral, false, "", start), nil
}

// runCached implements §4.9's Cached semantics by delegating the actual
// work to runEphemeral inside the result cache's single-flight Produce:
// concurrent callers sharing a fingerprint converge on one execution,
// and only the producer's Response is cached.
func (e *Executor) runCached(ctx context.Context, req *model.Request, pub *events.Publisher) (*model.Response, error) {
	start := time.Now()
	if e.cache == nil {
		return e.errorResponse(req, model.ModeCached, start, engineerr.New(engineerr.Internal, "no result cache configured"), false), nil
	}

	resp, err := e.cache.Produce(ctx, req.Fingerprint, func(ctx context.Context) (*model.Response, error) {
		out, _ := e.runEphemeral(ctx, req, pub)
		if out.ErrorKind != "" {
			// Don't cache a failed execution as the canonical answer for
			// this fingerprint; let the next caller retry from scratch.
			return nil, engineerr.New(out.ErrorKind, out.ErrorMessage)
		}
		return out, nil
	})
	if err != nil {
		return e.errorResponse(req, model.ModeCached, start, err, false), nil
	}

	out := *resp
	out.ModeUsed = model.ModeCached
	return &out, nil
}

// runCheckpointed implements §4.9's Checkpointed semantics: restore from
// restore_from if set, else start fresh; run to completion; capture a
// post-run snapshot on request.
func (e *Executor) runCheckpointed(ctx context.Context, req *model.Request, pub *events.Publisher) (*model.Response, error) {
	start := time.Now()
	if e.checkpoints == nil {
		return e.errorResponse(req, model.ModeCheckpointed, start, engineerr.New(engineerr.Internal, "no checkpoint coordinator configured"), false), nil
	}

	var sandboxID string
	var err error
	if req.RestoreFrom != "" {
		sandboxID, err = e.checkpoints.Restore(ctx, e.backend, req.RestoreFrom)
	} else {
		sandboxID, err = e.backend.Prepare(ctx, req.ImageRef)
	}
	if err != nil {
		return e.errorResponse(req, model.ModeCheckpointed, start, err, false), nil
	}

	result, timedOut, err := e.execute(ctx, sandboxID, req, pub)
	if err != nil {
		_ = e.backend.Destroy(context.Background(), sandboxID)
		return e.errorResponse(req, model.ModeCheckpointed, start, err, timedOut), nil
	}
	e.emitExit(pub, result)

	snapshotID := e.maybeSnapshot(ctx, req, sandboxID, req.RestoreFrom)
	_ = e.backend.Destroy(context.Background(), sandboxID)

	return e.response(req, result, model.ModeCheckpointed, false, snapshotID, start), nil
}

// runBranched implements §4.9's Branched semantics: fork a sandbox from
// branch_from via copy-on-write, run, snapshot on demand. Concurrent
// branches of the same parent never share a sandbox (each Fork call
// allocates its own COW sibling), so parallel Branched requests do not
// observe each other's state.
func (e *Executor) runBranched(ctx context.Context, req *model.Request, pub *events.Publisher) (*model.Response, error) {
	start := time.Now()
	if e.checkpoints == nil {
		return e.errorResponse(req, model.ModeBranched, start, engineerr.New(engineerr.Internal, "no checkpoint coordinator configured"), false), nil
	}

	sandboxID, err := e.checkpoints.Fork(ctx, e.backend, req.BranchFrom)
	if err != nil {
		return e.errorResponse(req, model.ModeBranched, start, err, false), nil
	}

	result, timedOut, err := e.execute(ctx, sandboxID, req, pub)
	if err != nil {
		_ = e.backend.Destroy(context.Background(), sandboxID)
		return e.errorResponse(req, model.ModeBranched, start, err, timedOut), nil
	}
	e.emitExit(pub, result)

	snapshotID := e.maybeSnapshot(ctx, req, sandboxID, req.BranchFrom)
	_ = e.backend.Destroy(context.Background(), sandboxID)

	return e.response(req, result, model.ModeBranched, false, snapshotID, start), nil
}

// runPersistent implements §4.9's Persistent semantics: run the command
// in the Sandbox bound to instance_id (looked up in the registry, and
// prepared or restored first if needed) without destroying it on
// completion (spec §4.8).
func (e *Executor) runPersistent(ctx context.Context, req *model.Request, pub *events.Publisher) (*model.Response, error) {
	start := time.Now()
	if e.registry == nil {
		return e.errorResponse(req, model.ModePersistent, start, engineerr.New(engineerr.Internal, "no instance registry configured"), false), nil
	}

	inst, ok := e.registry.Get(req.InstanceID)
	if !ok {
		return e.errorResponse(req, model.ModePersistent, start, engineerr.New(engineerr.Internal, fmt.Sprintf("unknown instance %q", req.InstanceID)), false), nil
	}

	if err := e.ensureRunning(ctx, inst, req.ImageRef); err != nil {
		return e.errorResponse(req, model.ModePersistent, start, err, false), nil
	}

	result, timedOut, err := e.execute(ctx, inst.SandboxID, req, pub)
	if err != nil {
		if !timedOut {
			_ = e.registry.Transition(inst.ID, model.InstanceFailed)
		}
		return e.errorResponse(req, model.ModePersistent, start, err, timedOut), nil
	}
	e.emitExit(pub, result)

	return e.response(req, result, model.ModePersistent, false, "", start), nil
}

// ensureRunning brings inst to Running, preparing a fresh Sandbox from
// Pending or restoring from its recorded checkpoint if Paused (spec
// §4.8's `resume`).
func (e *Executor) ensureRunning(ctx context.Context, inst *model.Instance, imageRef string) error {
	switch inst.State {
	case model.InstanceRunning:
		return nil
	case model.InstancePending:
		sandboxID, err := e.backend.Prepare(ctx, imageRef)
		if err != nil {
			_ = e.registry.Transition(inst.ID, model.InstanceFailed)
			return err
		}
		inst.SandboxID = sandboxID
		return e.registry.Transition(inst.ID, model.InstanceRunning)
	case model.InstancePaused:
		if e.checkpoints == nil {
			return engineerr.New(engineerr.Internal, "no checkpoint coordinator configured, cannot resume paused instance")
		}
		sandboxID, err := e.checkpoints.Restore(ctx, e.backend, inst.CheckpointSnapID)
		if err != nil {
			return err
		}
		inst.SandboxID = sandboxID
		return e.registry.Transition(inst.ID, model.InstanceRunning)
	default:
		return engineerr.New(engineerr.InstanceStateInvalid, fmt.Sprintf("instance %q is %s, cannot execute", inst.ID, inst.State))
	}
}

// PauseInstance implements §4.8's `pause`: checkpoint the bound Sandbox
// and transition Running -> Paused, recording the produced snapshot id.
func (e *Executor) PauseInstance(ctx context.Context, instanceID string) error {
	if e.registry == nil || e.checkpoints == nil {
		return engineerr.New(engineerr.Internal, "instance lifecycle requires both a registry and a checkpoint coordinator")
	}
	inst, ok := e.registry.Get(instanceID)
	if !ok {
		return engineerr.New(engineerr.Internal, fmt.Sprintf("unknown instance %q", instanceID))
	}

	snap, err := e.checkpoints.Checkpoint(ctx, e.backend, inst.SandboxID, inst.OwnerID, inst.CheckpointSnapID)
	if err != nil {
		return err
	}
	inst.CheckpointSnapID = snap.ID
	if err := e.registry.Transition(instanceID, model.InstancePaused); err != nil {
		return err
	}
	_ = e.backend.Destroy(context.Background(), inst.SandboxID)
	inst.SandboxID = ""
	return nil
}

// ResumeInstance implements §4.8's `resume`: restore from the recorded
// checkpoint and transition Paused -> Running.
func (e *Executor) ResumeInstance(ctx context.Context, instanceID string) error {
	inst, ok := e.registry.Get(instanceID)
	if !ok {
		return engineerr.New(engineerr.Internal, fmt.Sprintf("unknown instance %q", instanceID))
	}
	return e.ensureRunning(ctx, inst, "")
}

// StopInstance implements §4.8's `stop`: destroy the bound Sandbox and
// transition any state to Stopped. Idempotent.
func (e *Executor) StopInstance(ctx context.Context, instanceID string) error {
	inst, ok := e.registry.Get(instanceID)
	if !ok {
		return engineerr.New(engineerr.Internal, fmt.Sprintf("unknown instance %q", instanceID))
	}
	if inst.State == model.InstanceStopped {
		return nil
	}
	if inst.SandboxID != "" {
		_ = e.backend.Destroy(ctx, inst.SandboxID)
		inst.SandboxID = ""
	}
	return e.registry.Transition(instanceID, model.InstanceStopped)
}

// maybeSnapshot captures a post-run snapshot when req.WantSnapshot is
// set, logging (rather than failing the Request) if capture fails — a
// snapshot is an optional enrichment of an already-successful run.
func (e *Executor) maybeSnapshot(ctx context.Context, req *model.Request, sandboxID, parentID string) string {
	if !req.WantSnapshot {
		return ""
	}
	snap, err := e.checkpoints.Checkpoint(ctx, e.backend, sandboxID, "", parentID)
	if err != nil {
		e.logger.Warn("post-run snapshot failed", "request_id", req.ID, "sandbox_id", sandboxID, "error", err)
		return ""
	}
	return snap.ID
}

// acquireOrPrepare returns a warm pool.Member for fingerprint if one is
// available, else prepares a fresh Sandbox and wraps it as a brand-new
// Member (not yet tracked by the pool until Release adds it back).
func (e *Executor) acquireOrPrepare(ctx context.Context, fingerprint, imageRef string) (*pool.Member, error) {
	if e.pool != nil {
		if m, ok := e.pool.Acquire(ctx, fingerprint); ok {
			return m, nil
		}
	}
	sandboxID, err := e.backend.Prepare(ctx, imageRef)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &pool.Member{SandboxID: sandboxID, Fingerprint: fingerprint, CreatedAt: now, LastUsedAt: now}, nil
}

type execOutcome struct {
	result *backend.RunResult
	err    error
}

// execute runs req's command inside sandboxID, enforcing the uniform
// timeout policy (spec §4.9): on ctx expiry, it invokes
// backend.GracefulStopThenKill rather than waiting indefinitely for the
// backend to notice cancellation on its own.
func (e *Executor) execute(ctx context.Context, sandboxID string, req *model.Request, pub *events.Publisher) (*backend.RunResult, bool, error) {
	outcome := make(chan execOutcome, 1)
	go func() {
		result, err := e.backend.Run(ctx, sandboxID, backend.RunSpec{
			Command: req.Command,
			Env:     req.Env,
			Stdin:   req.Stdin,
			Limits:  req.Limits,
			Sink:    pub,
		})
		outcome <- execOutcome{result: result, err: err}
	}()

	select {
	case out := <-outcome:
		return out.result, false, out.err
	case <-ctx.Done():
		e.logger.Warn("request deadline exceeded, killing sandbox", "sandbox_id", sandboxID, "request_id", req.ID)
		_ = backend.GracefulStopThenKill(context.Background(), e.backend, sandboxID, e.gracefulStopDelay)
		return nil, true, ctx.Err()
	}
}

func (e *Executor) emitExit(pub *events.Publisher, result *backend.RunResult) {
	pub.Publish(model.Event{Kind: model.EventExit, ExitCode: result.ExitCode, Timestamp: time.Now()})
}

func (e *Executor) response(req *model.Request, result *backend.RunResult, mode model.Mode, cacheHit bool, snapshotID string, start time.Time) *model.Response {
	return &model.Response{
		RequestID:    req.ID,
		ExitStatus:   result.ExitCode,
		Stdout:       result.Stdout,
		Stderr:       result.Stderr,
		WallDuration: time.Since(start),
		ModeUsed:     mode,
		CacheHit:     cacheHit,
		SnapshotID:   snapshotID,
	}
}

// errorResponse folds a failure into a Response rather than a Go error,
// since the dispatcher has already begun sandbox work by the time any
// of these paths fire (spec §9). timedOut overrides the error's
// engineerr.Kind with Timeout, since ctx.Err() alone (context.Canceled
// or context.DeadlineExceeded) does not carry the engine's taxonomy.
func (e *Executor) errorResponse(req *model.Request, mode model.Mode, start time.Time, err error, timedOut bool) *model.Response {
	kind := engineerr.KindOf(err)
	if timedOut {
		kind = engineerr.Timeout
	}
	return &model.Response{
		RequestID:    req.ID,
		ExitStatus:   model.ExitKilled,
		WallDuration: time.Since(start),
		ModeUsed:     mode,
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
	}
}
