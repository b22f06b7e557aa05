package solver

import (
	"context"
	"io"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/cruxflow/internal/cache"
	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/graph"
	"github.com/cruciblehq/cruxflow/internal/metrics"
	"github.com/cruciblehq/cruxflow/internal/registry"
	"github.com/cruciblehq/cruxflow/internal/runtime"
	"github.com/cruciblehq/cruxflow/internal/volume"
)

// Runs commands in isolated containers.
//
// Run returns the exit code of the command. A non-zero exit is not an
// error. When ctx is done the command must be killed and the context error
// returned.
type Sandbox interface {
	Run(ctx context.Context, spec *runtime.Spec, stdout, stderr io.Writer) (int, error)
}

// Resolves image references.
type Puller interface {
	Pull(ctx context.Context, ref, platform string) (*registry.Image, error)
}

// Computes node results.
type Solver struct {
	store   cas.Store        // Store for trees and captured output.
	sandbox Sandbox          // Runs commands, nil when execution is disabled.
	puller  Puller           // Resolves images, nil when pulls are disabled.
	volumes *volume.Manager  // Cache volumes, nil when disabled.
	scratch string           // Parent directory for materialised containers.
	metrics *metrics.Metrics // Collectors, may be nil.
}

// Configures a [Solver].
type Option func(*Solver)

// Runs commands with sb.
func WithSandbox(sb Sandbox) Option {
	return func(s *Solver) {
		s.sandbox = sb
	}
}

// Resolves images with p.
func WithPuller(p Puller) Option {
	return func(s *Solver) {
		s.puller = p
	}
}

// Serves cache volumes from m.
func WithVolumes(m *volume.Manager) Option {
	return func(s *Solver) {
		s.volumes = m
	}
}

// Materialises containers below dir instead of the system temporary
// directory.
func WithScratchDir(dir string) Option {
	return func(s *Solver) {
		s.scratch = dir
	}
}

// Reports captured output to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Solver) {
		s.metrics = m
	}
}

// Creates a solver storing its output in store.
func New(store cas.Store, opts ...Option) *Solver {
	s := &Solver{store: store, scratch: os.TempDir()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Computes the result of n from the results of its parents, given in the
// order of n's parents.
func (s *Solver) Execute(ctx context.Context, n *graph.Node, parents []*cache.Result) (*cache.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch n.Kind() {
	case graph.KindScratch:
		return s.scratchContainer(ctx)
	case graph.KindFromImage:
		return s.fromImage(ctx, n.Param(0).Str(), n.Param(1).Str())
	case graph.KindWithDirectory:
		return s.withDirectory(ctx, parents[0], parents[1], n.Param(0).Str())
	case graph.KindWithMountedDirectory:
		return s.withMountedDirectory(parents[0], parents[1], n.Param(0).Str())
	case graph.KindWithMountedCache:
		return withMountedCache(parents[0], n.Param(0).Str(), n.Param(1).Str()), nil
	case graph.KindWithWorkdir:
		return withWorkdir(parents[0], n.Param(0).Str()), nil
	case graph.KindWithEnvVariable:
		return withEnvVariable(parents[0], n.Param(0).Str(), n.Param(1).Str()), nil
	case graph.KindWithFile:
		return s.withFile(ctx, parents[0], parents[1], n.Param(0).Str(), n.Param(1).Int())
	case graph.KindWithoutEnvVariable:
		return withoutEnvVariable(parents[0], n.Param(0).Str()), nil
	case graph.KindWithNewFile:
		return s.withNewFile(ctx, parents[0], n.Param(0).Str(), n.Param(1).Str(), n.Param(2).Int())
	case graph.KindWithExec:
		return s.withExec(ctx, parents[0], n.Param(0).List(), n.Param(1).Bool(), n.Param(2).Str())
	case graph.KindStdout:
		return captured(parents[0], cache.OutputStdout)
	case graph.KindStderr:
		return captured(parents[0], cache.OutputStderr)
	case graph.KindExitCode:
		return exitCode(parents[0])
	case graph.KindContainerDirectory:
		return s.containerDirectory(ctx, parents[0], n.Param(0).Str())
	case graph.KindHostDirectory:
		return s.hostDirectory(ctx, n.Param(0).Str(), n.Param(1).Digest())
	case graph.KindEmptyDirectory:
		return s.emptyDirectory(ctx)
	case graph.KindDirectoryWithNewFile:
		return s.directoryWithNewFile(ctx, parents[0], n.Param(0).Str(), n.Param(1).Str(), n.Param(2).Int())
	case graph.KindDirectoryWithDirectory:
		return s.directoryWithDirectory(ctx, parents[0], parents[1], n.Param(0).Str())
	case graph.KindDirectoryFile:
		return s.directoryFile(ctx, parents[0], n.Param(0).Str())
	default:
		return nil, errdefs.Wrapf(errdefs.ErrInvalidOperation, "unsupported operation %q", n.Kind())
	}
}

// Loads the tree named by an output of r.
func (s *Solver) loadTree(ctx context.Context, r *cache.Result, output string) (*cas.Tree, error) {
	dgst, ok := r.Output(output)
	if !ok {
		return nil, errdefs.Wrapf(errdefs.ErrInternal, "result has no %s output", output)
	}
	t, err := cas.LoadTree(ctx, s.store, dgst)
	if err != nil {
		return nil, internal(ctx, err)
	}
	return t, nil
}

// Stores a tree, classifying failures as internal.
func (s *Solver) saveTree(ctx context.Context, t *cas.Tree) (digest.Digest, error) {
	dgst, err := cas.SaveTree(ctx, s.store, t)
	if err != nil {
		return "", internal(ctx, err)
	}
	return dgst, nil
}

// Classifies a store failure. Cancellation is passed through unchanged so
// the cache does not remember it.
func internal(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errdefs.Wrap(errdefs.ErrInternal, err)
}
