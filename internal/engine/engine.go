// Package engine wires every component (C1-C10 plus the ambient and
// domain-stack additions) into one running process, following the
// construction shape of fluid-daemon/cmd/fluid-daemon/main.go's run(),
// in this order: config -> snapshot store -> backend -> checkpoint ->
// pool -> cache -> registry -> event hub -> reaper -> executor ->
// telemetry/audit -> API server.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/crucible-run/engine/internal/apiserver"
	"github.com/crucible-run/engine/internal/audit"
	"github.com/crucible-run/engine/internal/backend"
	"github.com/crucible-run/engine/internal/backend/container"
	"github.com/crucible-run/engine/internal/backend/microvm"
	"github.com/crucible-run/engine/internal/cache"
	"github.com/crucible-run/engine/internal/checkpoint"
	"github.com/crucible-run/engine/internal/config"
	"github.com/crucible-run/engine/internal/events"
	"github.com/crucible-run/engine/internal/executor"
	"github.com/crucible-run/engine/internal/imagepull"
	"github.com/crucible-run/engine/internal/pool"
	"github.com/crucible-run/engine/internal/registry"
	"github.com/crucible-run/engine/internal/snapshot"
	"github.com/crucible-run/engine/internal/telemetry"
)

// reaperSweepInterval matches the teacher's janitor default tick.
const reaperSweepInterval = 30 * time.Second

// Engine owns every long-lived component for one process and is the
// thing cmd/engined/main.go constructs and runs.
type Engine struct {
	cfg *config.Config

	Backend     backend.Backend
	Pool        *pool.Pool
	Snapshots   *snapshot.Store
	Checkpoints *checkpoint.Coordinator
	Cache       *cache.Cache
	Registry    *registry.Registry
	Reaper      *registry.Reaper
	Hub         *events.Hub
	Executor    *executor.Executor
	Telemetry   telemetry.Service
	Audit       audit.Sink
	API         *apiserver.Server

	logger *slog.Logger
}

// New constructs every component from cfg but starts nothing yet; call
// Run to start the reaper and serve the API.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := snapshot.New(cfg.SnapshotRoot, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("init snapshot store: %w", err)
	}

	b, err := newBackend(cfg, logger, store)
	if err != nil {
		return nil, fmt.Errorf("init backend: %w", err)
	}

	ck := checkpoint.New(store, logger)

	p := pool.New(b, pool.Limits{
		MaxAge:           cfg.Pool.MaxAge,
		MaxUseCount:      cfg.Pool.MaxUses,
		HealthCheckEvery: reaperSweepInterval,
	}, nil, logger)

	maxEntries := cfg.Pool.MaxTotal
	if maxEntries <= 0 {
		maxEntries = 256
	}
	c, err := cache.New(maxEntries, cfg.CacheEntryTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("init result cache: %w", err)
	}

	journalPath := cfg.SnapshotRoot + "/instances.journal"
	reg, err := registry.Open(journalPath, logger)
	if err != nil {
		return nil, fmt.Errorf("init instance registry: %w", err)
	}

	hub := events.NewHub()
	reg.SetHub(hub)

	reaper := registry.NewReaper(reg, instanceStopFunc(b, reg), logger)

	ex := executor.New(b, p, ck, c, reg, hub, cfg.GracefulStopDelay, logger)

	tel := telemetry.Service(telemetry.NoopService{})
	if cfg.Telemetry.Enabled {
		tel = telemetry.New(cfg.Telemetry.APIKey, cfg.Telemetry.Endpoint)
	}

	aud := audit.Sink(audit.NoopSink{})
	if cfg.Audit.Enabled {
		fileSink, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("init audit log: %w", err)
		}
		aud = fileSink
	}

	api := apiserver.NewServer(b, ex, reg, ck, hub, tel, aud, logger)

	return &Engine{
		cfg:         cfg,
		Backend:     b,
		Pool:        p,
		Snapshots:   store,
		Checkpoints: ck,
		Cache:       c,
		Registry:    reg,
		Reaper:      reaper,
		Hub:         hub,
		Executor:    ex,
		Telemetry:   tel,
		Audit:       aud,
		API:         api,
		logger:      logger.With("component", "engine"),
	}, nil
}

// newBackend selects and constructs the configured backend.BackendAuto
// prefers the microVM backend when a kernel path is configured, falling
// back to the container backend otherwise, following the teacher's
// initLXCProvider/initMicroVVMProvider branch in cmd/fluid-daemon.
func newBackend(cfg *config.Config, logger *slog.Logger, store *snapshot.Store) (backend.Backend, error) {
	kind := cfg.BackendKind
	if kind == config.BackendAuto {
		if cfg.MicroVM.KernelPath != "" {
			kind = config.BackendMicroVM
		} else {
			kind = config.BackendContainer
		}
	}

	switch kind {
	case config.BackendContainer:
		b := container.New(container.Config{
			Host:      cfg.Proxmox.Host,
			TokenID:   cfg.Proxmox.TokenID,
			Secret:    cfg.Proxmox.Secret,
			Node:      cfg.Proxmox.Node,
			VerifySSL: cfg.Proxmox.VerifySSL,
			VMIDStart: cfg.Proxmox.VMIDStart,
			VMIDEnd:   cfg.Proxmox.VMIDEnd,
			Template:  cfg.Proxmox.Template,
			MemoryMB:  cfg.Proxmox.MemoryMB,
			VCPUs:     cfg.Proxmox.VCPUs,
		}, logger, store)
		// The container backend's image-pull-if-absent step (spec §4.2)
		// needs a concrete Source; Proxmox storage content is the only
		// image distribution point this backend knows about.
		puller := imagepull.New(filepath.Join(cfg.SnapshotRoot, "image-cache"), logger)
		b.SetImagePuller(puller, b.DefaultImageSource())
		return b, nil
	case config.BackendMicroVM:
		b, err := microvm.New(microvm.Config{
			QEMUBinary: cfg.MicroVM.BinaryPath,
			WorkDir:    cfg.MicroVM.WorkDir,
			KernelPath: cfg.MicroVM.KernelPath,
			BaseImage:  cfg.MicroVM.RootfsPath,
			VCPUs:      cfg.MicroVM.VCPUs,
			MemoryMB:   cfg.MicroVM.MemoryMB,
		}, logger, store)
		if err != nil {
			return nil, fmt.Errorf("init microvm backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
}

// instanceStopFunc adapts backend.Destroy into a registry.StopFunc: it
// only tears down the Sandbox behind an expired Instance, leaving the
// state transition itself to the Reaper's sweep loop (spec §4.8's TTL
// auto-stop), mirroring executor.StopInstance's destroy-then-transition
// split without re-entering the executor.
func instanceStopFunc(b backend.Backend, reg *registry.Registry) registry.StopFunc {
	return func(ctx context.Context, instanceID string) error {
		inst, ok := reg.Get(instanceID)
		if !ok || inst.SandboxID == "" {
			return nil
		}
		if err := b.Destroy(ctx, inst.SandboxID); err != nil {
			return fmt.Errorf("destroy expired instance's sandbox: %w", err)
		}
		inst.SandboxID = ""
		return nil
	}
}

// Run starts the reaper's background sweep and blocks serving the API
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	go e.Reaper.Start(ctx, reaperSweepInterval)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.API.StartHTTP(e.cfg.API.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		e.logger.Info("shutting down")
		e.Close()
		return nil
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

// Close releases everything with a Close method; best-effort, logging
// rather than aborting on the first failure so every component gets a
// chance to shut down.
func (e *Engine) Close() {
	if err := e.Registry.Close(); err != nil {
		e.logger.Error("close instance registry", "error", err)
	}
	e.Telemetry.Close()
	if err := e.Audit.Close(); err != nil {
		e.logger.Error("close audit log", "error", err)
	}
}
