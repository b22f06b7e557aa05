package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"resenje.org/singleflight"

	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/graph"
	"github.com/cruciblehq/cruxflow/internal/metrics"
)

// Computes the result of a node on a cache miss.
type ExecFunc func(ctx context.Context) (*Result, error)

// Memoizes node results for a session and, optionally, across sessions.
//
// Every final result of a non-volatile node, failed ones included, is kept
// in memory for the life of the cache, so such a node executes at most once
// per session. Concurrent requests for the same node share one execution.
// Volatile nodes read and write cache volumes, so only concurrent requests
// share their execution and every later request runs them again. When an
// [Index] is attached, succeeded results of non-volatile nodes are also
// persisted and reused by later sessions as long as every blob they
// reference is still in the store.
type Cache struct {
	store   cas.Store        // Store holding the blobs results reference.
	index   *Index           // Persistent index, nil when disabled.
	metrics *metrics.Metrics // Collectors, may be nil.

	mu      sync.Mutex
	results map[digest.Digest]*Result // Final results of this session.

	flight singleflight.Group[digest.Digest, *Result] // In-flight executions.
}

// Configures a [Cache].
type Option func(*Cache)

// Persists succeeded results in idx.
func WithIndex(idx *Index) Option {
	return func(c *Cache) {
		c.index = idx
	}
}

// Reports cache hits to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// Creates a cache whose results reference blobs in store.
func New(store cas.Store, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		results: make(map[digest.Digest]*Result),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Returns the cached result of a node.
//
// The session memory is consulted first, then the persistent index for
// non-volatile nodes. An index record referencing a blob that is no longer
// in the store is discarded and reported as a miss.
func (c *Cache) Lookup(ctx context.Context, n *graph.Node) (*Result, bool, error) {
	if r, ok := c.remembered(n.Digest()); ok {
		return r, true, nil
	}
	r, ok, err := c.lookupIndex(ctx, n)
	if err != nil || !ok {
		return nil, false, err
	}
	c.remember(n.Digest(), r)
	return r, true, nil
}

// Records the final result of a node.
//
// The first result stored for a node wins; later calls are ignored. Succeeded
// results are written to the persistent index. Results of volatile nodes are
// validated and dropped.
func (c *Cache) Store(ctx context.Context, n *graph.Node, r *Result) error {
	if r.Status != StatusSucceeded && r.Status != StatusFailed {
		return errdefs.Wrapf(errdefs.ErrInternal, "storing %s result for %s", r.Status, n.Digest())
	}

	if n.Volatile() || !c.remember(n.Digest(), r) {
		return nil
	}

	if c.index == nil || r.Status != StatusSucceeded {
		return nil
	}
	if err := c.index.Put(n.Digest(), string(n.Kind()), r); err != nil {
		return errdefs.Wrap(errdefs.ErrInternal, err)
	}
	return nil
}

// Returns the result of a node, calling fn on a cache miss.
//
// Concurrent calls for the same node wait for a single call of fn. An error
// returned by fn is recorded as the failed result of the node, unless it is
// caused by cancellation, in which case nothing is recorded and a later call
// may execute the node again. A failed result is returned together with its
// error.
func (c *Cache) Do(ctx context.Context, n *graph.Node, fn ExecFunc) (*Result, error) {
	dgst := n.Digest()
	kind := string(n.Kind())

	if r, ok := c.remembered(dgst); ok {
		c.metrics.CacheHit(kind, metrics.SourceMemory)
		return r, r.Err
	}

	var leader bool
	r, shared, err := c.flight.Do(ctx, dgst, func(ctx context.Context) (*Result, error) {
		leader = true

		if r, ok := c.remembered(dgst); ok {
			c.metrics.CacheHit(kind, metrics.SourceMemory)
			return r, nil
		}

		r, ok, err := c.lookupIndex(ctx, n)
		if err != nil {
			slog.Warn("cache index lookup failed", "node", dgst, "error", err)
		}
		if ok {
			c.metrics.CacheHit(kind, metrics.SourceIndex)
			c.remember(dgst, r)
			return r, nil
		}

		start := time.Now()
		r, err = fn(ctx)
		c.metrics.NodeExecuted(kind, time.Since(start), err)

		if err != nil {
			if ctx.Err() != nil && isContextError(err) {
				return nil, err
			}
			r = Failed(err)
		} else if r == nil {
			r = Failed(errdefs.Wrapf(errdefs.ErrInternal, "%s produced no result", kind))
		}

		if err := c.Store(ctx, n, r); err != nil {
			return nil, err
		}
		return c.mustRemembered(dgst, r), nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errdefs.FromContext(ctxErr)
		}
		return nil, errdefs.FromContext(err)
	}

	if shared && !leader {
		c.metrics.CacheHit(kind, metrics.SourceShared)
	}
	if r.Status == StatusFailed {
		return r, r.Err
	}
	return r, nil
}

// Returns the number of results held in memory.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// Returns the result remembered for a digest.
func (c *Cache) remembered(dgst digest.Digest) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[dgst]
	return r, ok
}

// Remembers a final result. Returns false when one was already remembered.
func (c *Cache) remember(dgst digest.Digest, r *Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.results[dgst]; ok {
		return false
	}
	c.results[dgst] = r
	return true
}

// Returns the remembered result for a digest, falling back to r.
func (c *Cache) mustRemembered(dgst digest.Digest, r *Result) *Result {
	if got, ok := c.remembered(dgst); ok {
		return got
	}
	return r
}

// Loads and verifies the persisted result of a non-volatile node.
func (c *Cache) lookupIndex(ctx context.Context, n *graph.Node) (*Result, bool, error) {
	if c.index == nil || n.Volatile() {
		return nil, false, nil
	}

	r, ok, err := c.index.Get(n.Digest())
	if err != nil || !ok {
		return nil, false, err
	}

	complete, err := Complete(ctx, c.store, r)
	if err != nil {
		return nil, false, err
	}
	if !complete {
		slog.Debug("discarding cache record with missing blobs", "node", n.Digest(), "kind", n.Kind())
		return nil, false, c.index.Delete(n.Digest())
	}
	return r, true, nil
}

// Whether every blob a result references, including the contents of its
// trees, is present in the store.
func Complete(ctx context.Context, s cas.Store, r *Result) (bool, error) {
	ok, err := cas.HasAll(ctx, s, r.Blobs()...)
	if err != nil || !ok {
		return false, err
	}
	for _, d := range r.Trees() {
		t, err := cas.LoadTree(ctx, s, d)
		if errors.Is(err, cas.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		ok, err := cas.HasAll(ctx, s, t.Blobs()...)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
