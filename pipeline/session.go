package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/cruxflow/internal/cache"
	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/graph"
	"github.com/cruciblehq/cruxflow/internal/metrics"
	"github.com/cruciblehq/cruxflow/internal/paths"
	"github.com/cruciblehq/cruxflow/internal/registry"
	"github.com/cruciblehq/cruxflow/internal/runtime"
	"github.com/cruciblehq/cruxflow/internal/scheduler"
	"github.com/cruciblehq/cruxflow/internal/solver"
	"github.com/cruciblehq/cruxflow/internal/volume"
)

// Scope of one pipeline run.
//
// A session owns the operation graph, the result cache and the connection
// to the runtime. Handles from one session must not be mixed with handles
// from another. A session is safe for concurrent use.
type Session struct {
	platform string               // Default platform for images.
	builder  *graph.Builder       // Operation graph of the session.
	store    cas.Store            // Blob store, fronted by memory.
	cache    *cache.Cache         // Result cache.
	sched    *scheduler.Scheduler // Executes the graph.
	metrics  *metrics.Metrics     // Collectors.
	scratch  string               // Scratch directory removed on close.

	mu      sync.Mutex
	closers []func() error // Teardown steps, run in reverse order.
	closed  bool
}

// Opens a session.
//
// State is kept below the data directory: blobs in a content-addressed
// store, succeeded results in a persistent index and cache volumes in
// their own directories. Unless overridden, commands run in containerd and
// images are pulled from their registries.
func Connect(ctx context.Context, opts ...Option) (_ *Session, err error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	s := &Session{
		platform: o.platform,
		builder:  graph.NewBuilder(),
		metrics:  o.metrics,
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	local, err := cas.NewLocal(paths.Store(o.dataDir))
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	var backing cas.Store = local
	if o.remote != nil {
		remote, err := cas.NewS3(ctx, *o.remote)
		if err != nil {
			return nil, fmt.Errorf("open remote blob store: %w", err)
		}
		backing = cas.NewTiered(local, remote)
	}
	s.store, err = cas.NewCached(backing, o.memoryBlobs)
	if err != nil {
		return nil, err
	}

	cacheOpts := []cache.Option{cache.WithMetrics(s.metrics)}
	if o.persistent {
		idx, err := cache.OpenIndex(paths.CacheIndex(o.dataDir))
		if err != nil {
			return nil, fmt.Errorf("open cache index: %w", err)
		}
		s.onClose(idx.Close)
		cacheOpts = append(cacheOpts, cache.WithIndex(idx))
	}
	s.cache = cache.New(s.store, cacheOpts...)

	vols, err := volume.NewManager(paths.Volumes(o.dataDir))
	if err != nil {
		return nil, fmt.Errorf("open cache volumes: %w", err)
	}

	if err := os.MkdirAll(paths.Scratch(o.dataDir), paths.DefaultDirMode); err != nil {
		return nil, err
	}
	s.scratch, err = os.MkdirTemp(paths.Scratch(o.dataDir), "session-*")
	if err != nil {
		return nil, err
	}
	s.onClose(func() error {
		return os.RemoveAll(s.scratch)
	})

	sandbox := o.sandbox
	if sandbox == nil {
		rt, err := runtime.New(o.address, o.namespace)
		if err != nil {
			return nil, err
		}
		s.onClose(rt.Close)
		sandbox = rt
	}

	puller := o.puller
	if puller == nil {
		puller = registry.NewPuller(
			registry.WithInsecure(o.insecure),
			registry.WithMetrics(s.metrics),
		)
	}

	slv := solver.New(s.store,
		solver.WithSandbox(sandbox),
		solver.WithPuller(puller),
		solver.WithVolumes(vols),
		solver.WithScratchDir(s.scratch),
		solver.WithMetrics(s.metrics),
	)
	s.sched = scheduler.New(s.cache, slv,
		scheduler.WithWorkers(o.workers),
		scheduler.WithMetrics(s.metrics),
	)

	slog.Debug("session opened", "data", o.dataDir, "persistent", o.persistent, "workers", o.workers)
	return s, nil
}

// Releases the resources of the session: the cache index is flushed and
// closed, the runtime connection dropped and scratch space removed.
// Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Returns the collectors the session reports to.
func (s *Session) Metrics() *metrics.Metrics {
	return s.metrics
}

// Returns an empty container.
func (s *Session) Container() *Container {
	return s.container(s.builder.Append(graph.KindScratch, nil))
}

// Returns an empty directory.
func (s *Session) Directory() *Directory {
	return s.directory(s.builder.Append(graph.KindEmptyDirectory, nil))
}

// Returns a named cache volume.
func (s *Session) CacheVolume(name string) *CacheVolume {
	return &CacheVolume{name: name}
}

// Returns access to the host filesystem.
func (s *Session) Host() *Host {
	return &Host{s: s}
}

// Runs the graph below n and returns the result of n.
func (s *Session) evaluate(ctx context.Context, n *graph.Node) (*cache.Result, error) {
	r, stats, err := s.sched.RunWithStats(ctx, n)
	if err != nil {
		return nil, err
	}
	slog.Debug("evaluated", "kind", n.Kind(), "executed", stats.Executed, "cached", stats.Cached, "duration", stats.Duration)
	return r, nil
}

// Reads an output of n's result as a string.
func (s *Session) text(ctx context.Context, n *graph.Node, output string) (string, error) {
	r, err := s.evaluate(ctx, n)
	if err != nil {
		return "", err
	}
	dgst, ok := r.Output(output)
	if !ok {
		return "", errdefs.Wrapf(errdefs.ErrInternal, "%s has no %s output", n.Kind(), output)
	}
	return s.read(ctx, dgst)
}

// Reads a blob as a string.
func (s *Session) read(ctx context.Context, dgst digest.Digest) (string, error) {
	b, err := cas.ReadBlob(ctx, s.store, dgst)
	if err != nil {
		return "", errdefs.Wrap(errdefs.ErrInternal, err)
	}
	return string(b), nil
}

// Registers a teardown step.
func (s *Session) onClose(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}
