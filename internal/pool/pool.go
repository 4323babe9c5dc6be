// Package pool implements C4: the warm pool. Idle, prepared sandboxes are
// kept keyed by fingerprint so Ephemeral and Cached requests can
// acquire one instead of paying Prepare latency; a background loop
// health-checks and evicts aged-out members and predicts which
// fingerprints are worth keeping warm from a rolling acquisition-rate
// window. The background-loop shape (Start(ctx, interval), run-once then
// ticker) is grounded directly on fluid-daemon/internal/janitor/janitor.go.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crucible-run/engine/internal/backend"
)

// Member is one idle, prepared sandbox sitting in the pool.
type Member struct {
	SandboxID   string
	Fingerprint string
	CreatedAt   time.Time
	LastUsedAt  time.Time
	UseCount    int
}

// Limits bounds how long and how often a pooled Member may be reused
// before it is retired (spec §4.4).
type Limits struct {
	MaxAge          time.Duration
	MaxUseCount     int
	HealthCheckEvery time.Duration
}

// acquisitionWindow is a ring of recent Acquire timestamps for one
// fingerprint, used to estimate demand for predictive pre-warming.
type acquisitionWindow struct {
	timestamps []time.Time
}

const windowCapacity = 32

func (w *acquisitionWindow) record(now time.Time) {
	w.timestamps = append(w.timestamps, now)
	if len(w.timestamps) > windowCapacity {
		w.timestamps = w.timestamps[len(w.timestamps)-windowCapacity:]
	}
}

// ratePerMinute estimates the acquisition rate over the recorded window.
func (w *acquisitionWindow) ratePerMinute(now time.Time) float64 {
	if len(w.timestamps) < 2 {
		return 0
	}
	span := now.Sub(w.timestamps[0])
	if span <= 0 {
		return 0
	}
	return float64(len(w.timestamps)) / span.Minutes()
}

// PrewarmFunc prepares a brand-new idle sandbox for fingerprint and
// returns its id, ready to be added to the pool.
type PrewarmFunc func(ctx context.Context, fingerprint string) (sandboxID string, err error)

// Pool is the C4 warm pool. One Pool serves a single backend.Backend —
// a deployment running both backend kinds runs two Pools, which keeps
// fingerprint queues from ever mixing sandboxes only one backend can
// act on.
type Pool struct {
	backend backend.Backend
	limits  Limits
	prewarm PrewarmFunc
	logger  *slog.Logger

	mu      sync.Mutex
	queues  map[string][]*Member // fingerprint -> FIFO queue, oldest first
	windows map[string]*acquisitionWindow
}

// New constructs a Pool over b. prewarm may be nil to disable predictive
// pre-warming (the pool still serves Acquire/Release/Put).
func New(b backend.Backend, limits Limits, prewarm PrewarmFunc, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		backend: b,
		limits:  limits,
		prewarm: prewarm,
		logger:  logger.With("component", "warm-pool"),
		queues:  make(map[string][]*Member),
		windows: make(map[string]*acquisitionWindow),
	}
}

// Acquire pops the oldest warm Member for fingerprint, if any is
// available and passes a liveness Probe. FIFO ordering (spec §4.4)
// favors evicting the least-recently-added member first under pressure,
// since age is the primary retirement signal.
func (p *Pool) Acquire(ctx context.Context, fingerprint string) (*Member, bool) {
	p.mu.Lock()
	queue := p.queues[fingerprint]
	w, ok := p.windows[fingerprint]
	if !ok {
		w = &acquisitionWindow{}
		p.windows[fingerprint] = w
	}
	w.record(time.Now())

	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		p.queues[fingerprint] = queue
		p.mu.Unlock()

		if p.healthy(ctx, m) {
			return m, true
		}
		_ = p.backend.Destroy(ctx, m.SandboxID)
		p.logger.Info("evicted unhealthy pool member on acquire", "sandbox_id", m.SandboxID, "fingerprint", fingerprint)

		p.mu.Lock()
		queue = p.queues[fingerprint]
	}
	p.mu.Unlock()
	return nil, false
}

func (p *Pool) healthy(ctx context.Context, m *Member) bool {
	if p.limits.MaxAge > 0 && time.Since(m.CreatedAt) > p.limits.MaxAge {
		return false
	}
	if p.limits.MaxUseCount > 0 && m.UseCount >= p.limits.MaxUseCount {
		return false
	}
	return p.backend.Probe(ctx, m.SandboxID)
}

// Release returns a Member to its fingerprint's queue after use, unless
// it has aged out or exhausted its use-count budget, in which case it is
// destroyed instead (spec §4.4).
func (p *Pool) Release(ctx context.Context, m *Member) {
	m.UseCount++
	m.LastUsedAt = time.Now()

	if !p.healthy(ctx, m) {
		_ = p.backend.Destroy(ctx, m.SandboxID)
		p.logger.Info("retired pool member on release", "sandbox_id", m.SandboxID, "fingerprint", m.Fingerprint, "use_count", m.UseCount)
		return
	}

	p.mu.Lock()
	p.queues[m.Fingerprint] = append(p.queues[m.Fingerprint], m)
	p.mu.Unlock()
}

// Put adds a freshly prepared sandbox directly to the pool (used by both
// explicit pre-warming and the predictive background loop).
func (p *Pool) Put(fingerprint, sandboxID string) {
	m := &Member{
		SandboxID:   sandboxID,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now(),
		LastUsedAt:  time.Now(),
	}
	p.mu.Lock()
	p.queues[fingerprint] = append(p.queues[fingerprint], m)
	p.mu.Unlock()
}

// Len reports how many Members are currently warm for fingerprint.
func (p *Pool) Len(fingerprint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[fingerprint])
}

// Start runs the health-check and predictive pre-warm loop. It blocks
// until ctx is cancelled.
func (p *Pool) Start(ctx context.Context, interval time.Duration) {
	p.logger.Info("starting warm pool maintenance loop", "interval", interval)
	p.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("warm pool maintenance loop stopped")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep evicts unhealthy/aged-out members from every fingerprint's queue
// and tops up predicted demand via prewarm.
func (p *Pool) sweep(ctx context.Context) {
	p.mu.Lock()
	fingerprints := make([]string, 0, len(p.queues))
	for fp := range p.queues {
		fingerprints = append(fingerprints, fp)
	}
	p.mu.Unlock()

	for _, fp := range fingerprints {
		p.sweepFingerprint(ctx, fp)
		p.maybePrewarm(ctx, fp)
	}
}

func (p *Pool) sweepFingerprint(ctx context.Context, fingerprint string) {
	p.mu.Lock()
	queue := p.queues[fingerprint]
	p.mu.Unlock()

	kept := make([]*Member, 0, len(queue))
	for _, m := range queue {
		if p.healthy(ctx, m) {
			kept = append(kept, m)
			continue
		}
		_ = p.backend.Destroy(ctx, m.SandboxID)
		p.logger.Info("evicted pool member during sweep", "sandbox_id", m.SandboxID, "fingerprint", fingerprint)
	}

	p.mu.Lock()
	p.queues[fingerprint] = kept
	p.mu.Unlock()
}

// maybePrewarm estimates demand for fingerprint from its recent
// acquisition rate and tops the queue up to roughly one warm member per
// predicted acquisition per minute, never more than windowCapacity
// members (spec §4.4's predictive pre-warming).
func (p *Pool) maybePrewarm(ctx context.Context, fingerprint string) {
	if p.prewarm == nil {
		return
	}
	p.mu.Lock()
	w, ok := p.windows[fingerprint]
	current := len(p.queues[fingerprint])
	p.mu.Unlock()
	if !ok {
		return
	}

	rate := w.ratePerMinute(time.Now())
	desired := int(rate) // roughly one warm instance per predicted acquisition/minute
	if desired > windowCapacity {
		desired = windowCapacity
	}
	if desired <= current {
		return
	}

	for i := current; i < desired; i++ {
		sandboxID, err := p.prewarm(ctx, fingerprint)
		if err != nil {
			p.logger.Warn("predictive prewarm failed", "fingerprint", fingerprint, "error", err)
			return
		}
		p.mu.Lock()
		p.queues[fingerprint] = append(p.queues[fingerprint], &Member{
			SandboxID:   sandboxID,
			Fingerprint: fingerprint,
			CreatedAt:   time.Now(),
			LastUsedAt:  time.Now(),
		})
		p.mu.Unlock()
	}
}
