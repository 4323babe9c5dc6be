// Package imagepull implements the image-materialization supplement
// named by spec §4.2's "`prepare` pulls the image if absent (may be
// skipped if the image is marked always present)": ensuring a remote
// image reference exists as a local file before a backend's Prepare
// creates a Sandbox from it, with at-most-one concurrent pull per image
// and a disk-backed cache check.
//
// This is a direct generalization of
// fluid-daemon/internal/snapshotpull/puller.go's Pull/doPull/checkCache
// single-flight shape from "pull one VM's disk snapshot over SSH" to
// "materialize one image reference via a pluggable Source" — the
// teacher's `gorm.io/gorm`-backed cache table is replaced by a plain
// os.Stat check on the destination path, consistent with spec §1's
// Non-goal excluding a persistent relational database (see DESIGN.md).
package imagepull

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Source fetches imageRef and writes it to destPath. The container
// backend's ProxmoxTemplateSource implements it over a Proxmox node's
// template storage; the microVM backend has no Source.
type Source interface {
	FetchImage(ctx context.Context, imageRef, destPath string) error
}

// Request describes one image to materialize.
type Request struct {
	ImageRef string
	Fresh    bool // bypass the local cache and refetch unconditionally
}

// Result describes the outcome of a Pull.
type Result struct {
	ImageRef  string
	LocalPath string
	Cached    bool
	PulledAt  time.Time
}

// inflight tracks one in-progress pull so concurrent callers wanting the
// same image converge on a single fetch.
type inflight struct {
	done   chan struct{}
	result *Result
	err    error
}

// Puller materializes image references into baseDir, deduplicating
// concurrent pulls of the same reference (spec §4.2).
type Puller struct {
	baseDir string
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*inflight
}

// New constructs a Puller that stores materialized images under baseDir.
func New(baseDir string, logger *slog.Logger) *Puller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Puller{
		baseDir:  baseDir,
		logger:   logger.With("component", "image-puller"),
		inflight: make(map[string]*inflight),
	}
}

// Pull ensures req.ImageRef is present locally, using src to fetch it on
// a cache miss. Concurrent Pull calls for the same image block on the
// first caller's fetch rather than duplicating it.
func (p *Puller) Pull(ctx context.Context, req Request, src Source) (*Result, error) {
	key := cacheKey(req.ImageRef)
	destPath := filepath.Join(p.baseDir, key)

	if !req.Fresh {
		if result, ok := p.checkCache(req.ImageRef, destPath); ok {
			p.logger.Info("image cache hit", "image", req.ImageRef)
			return result, nil
		}
	}

	p.mu.Lock()
	if fl, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		select {
		case <-fl.done:
			return fl.result, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	fl := &inflight{done: make(chan struct{})}
	p.inflight[key] = fl
	p.mu.Unlock()

	result, err := p.doPull(ctx, req, destPath, src)

	fl.result = result
	fl.err = err
	close(fl.done)

	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()

	return result, err
}

func (p *Puller) doPull(ctx context.Context, req Request, destPath string, src Source) (*Result, error) {
	p.logger.Info("pulling image", "image", req.ImageRef, "dest", destPath)

	if req.Fresh {
		_ = os.Remove(destPath)
	}
	if err := os.MkdirAll(p.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image cache dir: %w", err)
	}
	if err := src.FetchImage(ctx, req.ImageRef, destPath); err != nil {
		return nil, fmt.Errorf("fetch image %q: %w", req.ImageRef, err)
	}

	now := time.Now().UTC()
	p.logger.Info("image pull complete", "image", req.ImageRef)
	return &Result{ImageRef: req.ImageRef, LocalPath: destPath, Cached: false, PulledAt: now}, nil
}

// checkCache reports whether imageRef is already materialized at
// destPath on disk.
func (p *Puller) checkCache(imageRef, destPath string) (*Result, bool) {
	info, err := os.Stat(destPath)
	if err != nil {
		return nil, false
	}
	return &Result{ImageRef: imageRef, LocalPath: destPath, Cached: true, PulledAt: info.ModTime()}, true
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// cacheKey sanitizes imageRef into a filesystem-safe cache filename.
func cacheKey(imageRef string) string {
	return strings.ToLower(unsafeChars.ReplaceAllString(imageRef, "-"))
}
