package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/crucible-run/engine/internal/model"
)

// StopFunc is called to tear down the Sandbox of an Instance whose TTL
// has expired; the Reaper itself then marks the Instance Stopped.
type StopFunc func(ctx context.Context, instanceID string) error

// Reaper periodically auto-stops Instances past their TTLDeadline
// (spec §4.8), following the same run-once-then-ticker shape as
// fluid-daemon/internal/janitor/janitor.go.
type Reaper struct {
	reg     *Registry
	stopFn  StopFunc
	logger  *slog.Logger
}

// NewReaper creates a Reaper over reg.
func NewReaper(reg *Registry, stopFn StopFunc, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{reg: reg, stopFn: stopFn, logger: logger.With("component", "instance-reaper")}
}

// Start runs the TTL sweep loop. It blocks until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) {
	r.logger.Info("starting instance reaper", "interval", interval)
	r.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("instance reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	expired := r.reg.ExpiredIDs(time.Now())
	if len(expired) == 0 {
		return
	}
	r.logger.Info("found expired instances", "count", len(expired))
	for _, id := range expired {
		if err := r.stopFn(ctx, id); err != nil {
			r.logger.Error("failed to auto-stop expired instance", "id", id, "error", err)
			continue
		}
		if err := r.reg.Transition(id, model.InstanceStopped); err != nil {
			r.logger.Error("failed to transition expired instance to stopped", "id", id, "error", err)
		}
	}
}
