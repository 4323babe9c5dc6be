// Package cache implements C7: the result cache. A fingerprint maps to a
// cached model.Response with single-flight semantics — concurrent
// requests sharing a fingerprint block on one producer rather than
// triggering duplicate work — grounded directly on
// fluid-daemon/internal/snapshotpull/puller.go's inflight map/done-channel
// pattern (Pull/doPull), generalized from "image pull" to "compute a
// Response."
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/crucible-run/engine/internal/model"
)

// entry is one cached Response plus its freshness deadline.
type entry struct {
	response *model.Response
	expires  time.Time
}

// inflight tracks one in-progress Produce call so concurrent callers
// sharing a fingerprint converge on a single producer.
type inflight struct {
	done     chan struct{}
	response *model.Response
	err      error
}

// Cache is the C7 result cache: fingerprint -> model.Response, with a
// bounded LRU population and a TTL per entry (spec §4.7).
type Cache struct {
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	lru       *lru.Cache[string, entry]
	inflights map[string]*inflight
}

// New creates a Cache holding up to maxEntries Responses, each valid for
// ttl after being produced.
func New(maxEntries int, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		ttl:       ttl,
		logger:    logger.With("component", "result-cache"),
		lru:       l,
		inflights: make(map[string]*inflight),
	}, nil
}

// Produce returns the cached Response for fingerprint if one is fresh;
// otherwise it calls compute exactly once even under concurrent callers
// sharing the same fingerprint (single-flight, spec §4.7/§8 property 7).
// The Response's CacheHit field is set to false for the caller that
// actually ran compute and true for every other caller, including later
// cache hits, per the Open Question resolution in SPEC_FULL.md Part A.
func (c *Cache) Produce(ctx context.Context, fingerprint string, compute func(ctx context.Context) (*model.Response, error)) (*model.Response, error) {
	if resp, ok := c.lookup(fingerprint); ok {
		hit := *resp
		hit.CacheHit = true
		return &hit, nil
	}

	c.mu.Lock()
	if fl, ok := c.inflights[fingerprint]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			if fl.err != nil {
				return nil, fl.err
			}
			hit := *fl.response
			hit.CacheHit = true
			return &hit, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	fl := &inflight{done: make(chan struct{})}
	c.inflights[fingerprint] = fl
	c.mu.Unlock()

	resp, err := compute(ctx)

	fl.response = resp
	fl.err = err
	close(fl.done)

	c.mu.Lock()
	delete(c.inflights, fingerprint)
	if err == nil {
		c.lru.Add(fingerprint, entry{response: resp, expires: time.Now().Add(c.ttl)})
	}
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	produced := *resp
	produced.CacheHit = false
	return &produced, nil
}

func (c *Cache) lookup(fingerprint string) (*model.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(fingerprint)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		c.lru.Remove(fingerprint)
		return nil, false
	}
	return e.response, true
}

// Invalidate evicts a fingerprint's cached entry, if any.
func (c *Cache) Invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(fingerprint)
}

// Len reports how many entries are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
