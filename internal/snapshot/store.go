// Package snapshot implements the content-addressed snapshot store (spec
// §4.5): SHA-256-sharded local tier, optional object-store tier, atomic
// writes, and mark-and-sweep garbage collection. Directory layout and
// Store shape follow fluid-daemon/internal/image/store.go's
// NewStore/baseDir idiom, generalized from "list qcow2 files" to
// "content-addressed blob store."
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/crucible-run/engine/internal/model"
)

// ObjectStore is the optional second tier (spec §4.5, §6): reads miss
// locally and populate the local tier on demand.
type ObjectStore interface {
	Put(ctx context.Context, hash string, data []byte) error
	Get(ctx context.Context, hash string) ([]byte, bool, error)
}

// Metadata is the JSON sidecar recorded alongside each blob (spec §6).
type Metadata struct {
	OriginBackend model.BackendKind `json:"origin_backend"`
	ParentHash    string            `json:"parent_hash,omitempty"`
	SizeBytes     int64             `json:"size_bytes"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Store is the content-addressed snapshot store.
type Store struct {
	root   string
	object ObjectStore
	logger *slog.Logger

	mu         sync.RWMutex
	index      map[string]Metadata // content hash -> metadata; GC deletes entries and records a tombstone
	tombstones map[string]bool
}

// New creates a Store rooted at root, creating the directory tree if
// necessary.
func New(root string, object ObjectStore, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(root, "meta"), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	s := &Store{
		root:       root,
		object:     object,
		logger:     logger.With("component", "snapshot-store"),
		index:      make(map[string]Metadata),
		tombstones: make(map[string]bool),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) shardDir(hash string) string {
	return filepath.Join(s.root, hash[:2])
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.shardDir(hash), hash)
}

func (s *Store) metaPath(hash string) string {
	return filepath.Join(s.root, "meta", hash+".json")
}

func (s *Store) loadIndex() error {
	metaDir := filepath.Join(s.root, "meta")
	entries, err := os.ReadDir(metaDir)
	if err != nil {
		return fmt.Errorf("read meta dir: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(metaDir, e.Name()))
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		hash := filepath.Base(e.Name())
		hash = hash[:len(hash)-len(filepath.Ext(hash))]
		s.index[hash] = meta
	}
	return nil
}

// ComputeContentHash implements spec §4.5's formula:
// SHA-256(parent_hash || sorted_env || memory_image_digest || filesystem_digest).
// sortedEnv must already be canonically ordered by the caller (fingerprint
// package's convention applies equally here).
func ComputeContentHash(parentHash string, sortedEnv []byte, memoryImageDigest, filesystemDigest []byte) string {
	h := sha256.New()
	h.Write([]byte(parentHash))
	h.Write(sortedEnv)
	h.Write(memoryImageDigest)
	h.Write(filesystemDigest)
	return hex.EncodeToString(h.Sum(nil))
}

// Put writes data under its content hash atomically (temp file + rename)
// and idempotently: if the hash is already indexed, Put returns without
// writing the blob or its metadata. Blobs are zstd-compressed before hitting disk,
// mirroring the tar --zstd archiving in the diggerhq firecracker snapshot
// grounding (other_examples).
func (s *Store) Put(ctx context.Context, hash string, data []byte, meta Metadata) error {
	s.mu.RLock()
	_, exists := s.index[hash]
	s.mu.RUnlock()
	if exists {
		return nil
	}

	if err := os.MkdirAll(s.shardDir(hash), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	compressed, err := compressZstd(data)
	if err != nil {
		return fmt.Errorf("compress blob: %w", err)
	}

	tmp, err := os.CreateTemp(s.shardDir(hash), hash+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp blob: %w", err)
	}
	if err := os.Rename(tmpPath, s.blobPath(hash)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename blob into place: %w", err)
	}

	meta.SizeBytes = int64(len(data))
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(hash), metaBytes, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	s.mu.Lock()
	s.index[hash] = meta
	delete(s.tombstones, hash)
	s.mu.Unlock()

	if s.object != nil {
		go func() {
			if err := s.object.Put(context.Background(), hash, compressed); err != nil {
				s.logger.Warn("async object-store upload failed", "hash", hash, "error", err)
			}
		}()
	}

	return nil
}

// Get retrieves a blob by content hash, falling back to the object-store
// tier on a local miss and populating the local tier on demand (spec
// §4.5/§6).
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(hash))
	if err == nil {
		return decompressZstd(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if s.object == nil {
		return nil, fmt.Errorf("snapshot %s not found locally and no object store configured", hash)
	}

	compressed, ok, oerr := s.object.Get(ctx, hash)
	if oerr != nil {
		return nil, fmt.Errorf("object store get: %w", oerr)
	}
	if !ok {
		return nil, fmt.Errorf("snapshot %s not found", hash)
	}
	if err := os.MkdirAll(s.shardDir(hash), 0o755); err == nil {
		_ = os.WriteFile(s.blobPath(hash), compressed, 0o644)
	}
	return decompressZstd(compressed)
}

// Metadata returns the recorded sidecar metadata for a content hash.
func (s *Store) Metadata(hash string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[hash]
	return m, ok
}

// GC performs mark-and-sweep garbage collection: any hash in the local
// index but absent from pinned (the union of live Snapshots, Instances,
// and in-flight Requests, computed by the caller) is removed (spec §4.5,
// property 10).
func (s *Store) GC(pinned map[string]bool) (collected []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hash := range s.index {
		if pinned[hash] {
			continue
		}
		if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
			return collected, fmt.Errorf("remove blob %s: %w", hash, err)
		}
		_ = os.Remove(s.metaPath(hash))
		delete(s.index, hash)
		s.tombstones[hash] = true
		collected = append(collected, hash)
	}
	return collected, nil
}

func compressZstd(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
