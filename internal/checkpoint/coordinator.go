// Package checkpoint implements C6: the checkpoint/restore/copy-on-write
// fork component. The actual bytes-level mechanism (qcow2 overlay copy
// for microVM, Proxmox-native snapshot/clone for container) lives inside
// each backend package, since only the backend has access to its own
// process and storage internals; this package is the backend-agnostic
// layer on top that turns a raw content hash into a catalogued
// model.Snapshot (with an id, parent chain, and creator) the rest of the
// engine (registry, cache, executor) can reason about uniformly.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crucible-run/engine/internal/backend"
	"github.com/crucible-run/engine/internal/engineerr"
	"github.com/crucible-run/engine/internal/model"
	"github.com/crucible-run/engine/internal/snapshot"
)

// Coordinator tracks the mapping from Snapshot id to content hash and
// backend kind, on top of the content-addressed store.
type Coordinator struct {
	store  *snapshot.Store
	logger *slog.Logger

	mu        sync.RWMutex
	snapshots map[string]*model.Snapshot // Snapshot.ID -> record
}

// New constructs a Coordinator over an already-opened snapshot.Store.
func New(store *snapshot.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     store,
		logger:    logger.With("component", "checkpoint-coordinator"),
		snapshots: make(map[string]*model.Snapshot),
	}
}

// Checkpoint captures sandboxID's state via the backend and catalogs it
// as a new model.Snapshot. parentID, if non-empty, must name an existing
// Snapshot and becomes the new one's ParentID (spec §4.5/§4.6).
func (c *Coordinator) Checkpoint(ctx context.Context, b backend.Backend, sandboxID, creator, parentID string) (*model.Snapshot, error) {
	if parentID != "" {
		if _, ok := c.Get(parentID); !ok {
			return nil, engineerr.New(engineerr.Internal, fmt.Sprintf("unknown parent snapshot %q", parentID))
		}
	}

	contentHash, err := b.Checkpoint(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	meta, _ := c.store.Metadata(contentHash)
	snap := &model.Snapshot{
		ID:          uuid.NewString(),
		ContentHash: contentHash,
		ParentID:    parentID,
		Creator:     creator,
		SizeBytes:   meta.SizeBytes,
		CreatedAt:   time.Now().UTC(),
		BackendKind: b.Kind(),
	}

	c.mu.Lock()
	c.snapshots[snap.ID] = snap
	c.mu.Unlock()

	c.logger.Info("snapshot captured", "snapshot_id", snap.ID, "content_hash", contentHash, "backend", b.Kind())
	return snap, nil
}

// Restore allocates a new, fully independent Sandbox from a catalogued
// Snapshot. Returns engineerr.RestoreIncompatible (propagated from the
// backend) if snapshotID's origin backend kind does not match b.
func (c *Coordinator) Restore(ctx context.Context, b backend.Backend, snapshotID string) (string, error) {
	snap, ok := c.Get(snapshotID)
	if !ok {
		return "", engineerr.New(engineerr.Internal, fmt.Sprintf("unknown snapshot %q", snapshotID))
	}
	return b.Restore(ctx, snap.ContentHash)
}

// Fork creates a copy-on-write sibling Sandbox from a catalogued
// Snapshot, leaving the snapshot and any other forks untouched.
func (c *Coordinator) Fork(ctx context.Context, b backend.Backend, snapshotID string) (string, error) {
	snap, ok := c.Get(snapshotID)
	if !ok {
		return "", engineerr.New(engineerr.Internal, fmt.Sprintf("unknown snapshot %q", snapshotID))
	}
	return b.Fork(ctx, snap.ContentHash)
}

// Get returns a catalogued Snapshot record by id.
func (c *Coordinator) Get(snapshotID string) (*model.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snapshots[snapshotID]
	return s, ok
}

// Pinset returns the content hashes of every catalogued Snapshot,
// suitable as (part of) the pinned set snapshot.Store.GC expects (spec
// §4.5 property 10: live Snapshots are never collected).
func (c *Coordinator) Pinset() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pinned := make(map[string]bool, len(c.snapshots))
	for _, s := range c.snapshots {
		pinned[s.ContentHash] = true
	}
	return pinned
}

// List returns every catalogued Snapshot, most recently created first.
func (c *Coordinator) List() []*model.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Snapshot, 0, len(c.snapshots))
	for _, s := range c.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Forget removes a Snapshot from the catalog without touching the
// underlying blob (GC handles blob removal separately once nothing pins
// it any more).
func (c *Coordinator) Forget(snapshotID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, snapshotID)
}
