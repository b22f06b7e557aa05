package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/semaphore"

	"github.com/cruciblehq/cruxflow/internal/cache"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/graph"
	"github.com/cruciblehq/cruxflow/internal/metrics"
)

// Computes the result of a single node from the results of its parents.
type Executor interface {
	Execute(ctx context.Context, n *graph.Node, parents []*cache.Result) (*cache.Result, error)
}

// Walks the graph below a node and executes it in dependency order.
//
// A scheduler is safe for concurrent use; concurrent runs share the cache,
// so a node reachable from several roots still executes once.
type Scheduler struct {
	cache   *cache.Cache     // Result cache shared by every run.
	exec    Executor         // Executes cache misses.
	workers int64            // Maximum number of nodes executing at once.
	metrics *metrics.Metrics // Collectors, may be nil.
}

// Configures a [Scheduler].
type Option func(*Scheduler)

// Limits the number of nodes executing at once. Values below one are
// ignored.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = int64(n)
		}
	}
}

// Reports runs to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Creates a scheduler.
//
// The worker limit defaults to the number of CPUs.
func New(c *cache.Cache, exec Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		cache:   c,
		exec:    exec,
		workers: int64(runtime.NumCPU()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Counters describing one run.
type Stats struct {
	Nodes    int           // Nodes reachable from the root.
	Executed int           // Nodes executed by this run.
	Cached   int           // Nodes served from the cache.
	Failed   int           // Nodes that failed.
	Duration time.Duration // Wall time of the run.
}

// Result of a dispatched node.
type completion struct {
	node   *graph.Node   // Node that finished.
	order  int           // Position in dispatch order.
	result *cache.Result // Final result, nil when err is a cancellation.
	err    error         // Failure, if any.
	ran    bool          // Whether this run executed the node.
}

// Executes the graph below root and returns the result of root.
func (s *Scheduler) Run(ctx context.Context, root *graph.Node) (*cache.Result, error) {
	r, _, err := s.RunWithStats(ctx, root)
	return r, err
}

// Executes the graph below root and returns the result of root together
// with statistics about the run.
//
// Nodes become ready once all their parents succeeded and are dispatched in
// insertion order, at most [WithWorkers] at a time. After the first failure
// nothing new is dispatched; nodes already running are allowed to finish
// and the run reports the failure of the earliest dispatched node that
// failed, annotated with the path from that node to root. When ctx expires
// the run fails with [errdefs.ErrDeadlineExceeded].
func (s *Scheduler) RunWithStats(ctx context.Context, root *graph.Node) (*cache.Result, Stats, error) {
	start := time.Now()
	nodes := graph.Reachable(root)
	stats := Stats{Nodes: len(nodes)}

	pending := make(map[digest.Digest]int, len(nodes))
	children := make(map[digest.Digest][]*graph.Node, len(nodes))
	status := make(map[digest.Digest]cache.Status, len(nodes))
	results := make(map[digest.Digest]*cache.Result, len(nodes))

	ready := &readyQueue{}
	for _, n := range nodes {
		status[n.Digest()] = cache.StatusPending
		for _, p := range distinctParents(n) {
			pending[n.Digest()]++
			children[p.Digest()] = append(children[p.Digest()], n)
		}
		if pending[n.Digest()] == 0 {
			heap.Push(ready, n)
		}
	}

	sem := semaphore.NewWeighted(s.workers)
	done := make(chan completion)
	inflight := 0
	order := 0
	var failure *completion

	for {
		for failure == nil && ready.Len() > 0 && ctx.Err() == nil && sem.TryAcquire(1) {
			n := heap.Pop(ready).(*graph.Node)
			status[n.Digest()] = cache.StatusRunning

			parents := make([]*cache.Result, 0, len(n.Parents()))
			for _, p := range n.Parents() {
				parents = append(parents, results[p.Digest()])
			}

			inflight++
			go func(n *graph.Node, order int) {
				c := s.execute(ctx, n, parents)
				c.order = order
				sem.Release(1)
				done <- c
			}(n, order)
			order++
		}

		if inflight == 0 {
			break
		}

		c := <-done
		inflight--

		if c.err != nil {
			status[c.node.Digest()] = cache.StatusFailed
			stats.Failed++
			if failure == nil || c.order < failure.order {
				failure = &c
			}
			continue
		}

		status[c.node.Digest()] = cache.StatusSucceeded
		results[c.node.Digest()] = c.result
		if c.ran {
			stats.Executed++
		} else {
			stats.Cached++
		}

		for _, child := range children[c.node.Digest()] {
			pending[child.Digest()]--
			if pending[child.Digest()] == 0 {
				heap.Push(ready, child)
			}
		}
	}

	stats.Duration = time.Since(start)

	var err error
	switch {
	case ctx.Err() != nil:
		err = errdefs.FromContext(ctx.Err())
	case failure != nil:
		err = &errdefs.NodeError{
			Chain: chain(failure.node, root, children),
			Err:   failure.err,
		}
	case status[root.Digest()] != cache.StatusSucceeded:
		err = errdefs.Wrapf(errdefs.ErrInternal, "run ended with %s in state %s", root.Kind(), status[root.Digest()])
	}

	s.metrics.RunFinished(stats.Duration, err)
	slog.Debug("run finished",
		"root", root.Kind(),
		"nodes", stats.Nodes,
		"executed", stats.Executed,
		"cached", stats.Cached,
		"failed", stats.Failed,
		"duration", stats.Duration,
	)

	if err != nil {
		return nil, stats, err
	}
	return results[root.Digest()], stats, nil
}

// Resolves one node through the cache.
func (s *Scheduler) execute(ctx context.Context, n *graph.Node, parents []*cache.Result) completion {
	var ran atomic.Bool
	r, err := s.cache.Do(ctx, n, func(ctx context.Context) (*cache.Result, error) {
		ran.Store(true)
		defer s.metrics.Track()()

		slog.Debug("executing node", "kind", n.Kind(), "digest", n.Digest())
		r, err := s.exec.Execute(ctx, n, parents)
		if err != nil {
			slog.Debug("node failed", "kind", n.Kind(), "digest", n.Digest(), "error", err)
		}
		return r, err
	})
	return completion{node: n, result: r, err: err, ran: ran.Load()}
}

// Returns the parents of n without repetitions.
func distinctParents(n *graph.Node) []*graph.Node {
	var out []*graph.Node
	seen := make(map[digest.Digest]bool)
	for _, p := range n.Parents() {
		if !seen[p.Digest()] {
			seen[p.Digest()] = true
			out = append(out, p)
		}
	}
	return out
}

// Returns the frames on the shortest path from the failed node to root.
func chain(failed, root *graph.Node, children map[digest.Digest][]*graph.Node) []errdefs.Frame {
	prev := map[digest.Digest]*graph.Node{failed.Digest(): nil}
	queue := []*graph.Node{failed}
	for len(queue) > 0 && queue[0].Digest() != root.Digest() {
		n := queue[0]
		queue = queue[1:]
		for _, c := range children[n.Digest()] {
			if _, ok := prev[c.Digest()]; !ok {
				prev[c.Digest()] = n
				queue = append(queue, c)
			}
		}
	}

	var path []*graph.Node
	if _, ok := prev[root.Digest()]; ok {
		for n := root; n != nil; n = prev[n.Digest()] {
			path = append(path, n)
		}
	} else {
		path = []*graph.Node{failed}
	}

	frames := make([]errdefs.Frame, len(path))
	for i, n := range path {
		frames[len(path)-1-i] = errdefs.Frame{Kind: string(n.Kind()), Digest: n.Digest()}
	}
	return frames
}
