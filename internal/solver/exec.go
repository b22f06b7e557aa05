package solver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/cruxflow/internal/cache"
	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/runtime"
	"github.com/cruciblehq/cruxflow/internal/volume"
)

// Maximum number of captured stdout bytes attached to an [errdefs.ExecutionError].
const stdoutExcerpt = 64 << 10

// Host directories of a materialised container.
type workspace struct {
	dir    string // Scratch directory holding everything below.
	rootfs string // Root filesystem.
	stdout string // File receiving standard output.
	stderr string // File receiving standard error.
}

// Runs a command in the container and ingests the resulting filesystem.
//
// Directory mounts are materialised as writable copies whose changes are
// discarded. Cache volumes are bound directly and held exclusively while the
// command runs. Nothing below a mount target is taken from the command's
// filesystem; the container's own contents there are kept.
func (s *Solver) withExec(ctx context.Context, ctr *cache.Result, args []string, allowFailure bool, stdin string) (*cache.Result, error) {
	if s.sandbox == nil {
		return nil, ErrNoSandbox
	}

	base, err := s.loadTree(ctx, ctr, cache.OutputRootfs)
	if err != nil {
		return nil, err
	}

	ws, err := s.prepare(ctx, base)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := removeAll(ws.dir); rmErr != nil {
			slog.Warn("failed to remove scratch directory", "dir", ws.dir, "error", rmErr)
		}
	}()

	cfg := ctr.Config.Clone()
	mounts, vols, err := s.mounts(ctx, ws, cfg.Mounts)
	if err != nil {
		return nil, err
	}

	spec := &runtime.Spec{
		Rootfs:   ws.rootfs,
		Args:     args,
		Env:      cfg.Env,
		Workdir:  resolve("", cfg.Workdir),
		Mounts:   mounts,
		Platform: cfg.Platform,
	}
	if stdin != "" {
		spec.Stdin = strings.NewReader(stdin)
	}

	code, runErr := s.run(ctx, ws, spec)
	if relErr := volume.ReleaseAll(vols); relErr != nil {
		slog.Warn("failed to release cache volumes", "error", relErr)
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errdefs.Wrap(errdefs.ErrExecution, runErr)
	}

	stdout, err := s.capture(ctx, ws.stdout)
	if err != nil {
		return nil, err
	}
	stderr, err := s.capture(ctx, ws.stderr)
	if err != nil {
		return nil, err
	}

	if code != 0 && !allowFailure {
		return nil, s.executionError(ctx, ws, args, code)
	}

	rootfs, err := s.ingest(ctx, ws, base, cfg.Mounts)
	if err != nil {
		return nil, err
	}

	cfg.Args = args
	outputs := map[string]digest.Digest{
		cache.OutputRootfs: rootfs,
		cache.OutputStdout: stdout,
		cache.OutputStderr: stderr,
	}
	return cache.Succeeded(outputs, code, cfg), nil
}

// Materialises the container filesystem into a fresh scratch directory.
func (s *Solver) prepare(ctx context.Context, base *cas.Tree) (*workspace, error) {
	if err := os.MkdirAll(s.scratch, 0755); err != nil {
		return nil, internal(ctx, err)
	}
	dir, err := os.MkdirTemp(s.scratch, "exec-*")
	if err != nil {
		return nil, internal(ctx, err)
	}
	ws := &workspace{
		dir:    dir,
		rootfs: filepath.Join(dir, "rootfs"),
		stdout: filepath.Join(dir, "stdout"),
		stderr: filepath.Join(dir, "stderr"),
	}
	if err := cas.Materialize(ctx, s.store, base, ws.rootfs); err != nil {
		removeAll(dir)
		return nil, internal(ctx, err)
	}
	return ws, nil
}

// Prepares the bind mounts of a command.
//
// Mount points are created in the rootfs, resolving symlinks as if the
// rootfs were the filesystem root. Volumes are acquired and must be
// released by the caller, also when an error is returned after acquisition.
func (s *Solver) mounts(ctx context.Context, ws *workspace, mounts []cache.Mount) ([]runtime.Mount, []*volume.Volume, error) {
	var (
		out   []runtime.Mount
		names []string
	)

	for i, m := range mounts {
		if err := mountPoint(ws.rootfs, m.Target); err != nil {
			return nil, nil, internal(ctx, err)
		}
		if m.Volume != "" {
			names = append(names, m.Volume)
			continue
		}

		t, err := cas.LoadTree(ctx, s.store, m.Tree)
		if err != nil {
			return nil, nil, internal(ctx, err)
		}
		src := filepath.Join(ws.dir, "mounts", fmt.Sprint(i))
		if err := cas.Materialize(ctx, s.store, t, src); err != nil {
			return nil, nil, internal(ctx, err)
		}
		out = append(out, runtime.Mount{Source: src, Target: m.Target})
	}

	if len(names) == 0 {
		return out, nil, nil
	}
	if s.volumes == nil {
		return nil, nil, ErrNoVolumes
	}

	vols, err := s.volumes.AcquireAll(ctx, names)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, errdefs.Wrap(errdefs.ErrInternal, err)
	}
	paths := make(map[string]string, len(vols))
	for _, v := range vols {
		paths[v.Name] = v.Path
	}
	for _, m := range mounts {
		if m.Volume != "" {
			out = append(out, runtime.Mount{Source: paths[m.Volume], Target: m.Target})
		}
	}
	return out, vols, nil
}

// Runs the command with its output redirected to the workspace files.
func (s *Solver) run(ctx context.Context, ws *workspace, spec *runtime.Spec) (int, error) {
	stdout, err := os.Create(ws.stdout)
	if err != nil {
		return 0, err
	}
	defer stdout.Close()

	stderr, err := os.Create(ws.stderr)
	if err != nil {
		return 0, err
	}
	defer stderr.Close()

	slog.Debug("running command", "args", spec.Args, "workdir", spec.Workdir, "mounts", len(spec.Mounts))
	return s.sandbox.Run(ctx, spec, stdout, stderr)
}

// Stores a captured output file.
func (s *Solver) capture(ctx context.Context, p string) (digest.Digest, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", internal(ctx, err)
	}
	defer f.Close()

	dgst, n, err := s.store.Put(ctx, f)
	if err != nil {
		return "", internal(ctx, err)
	}
	s.metrics.OutputCaptured(n)
	return dgst, nil
}

// Builds the error reported for a non-zero exit.
func (s *Solver) executionError(ctx context.Context, ws *workspace, args []string, code int) error {
	stdout, err := readHead(ws.stdout, stdoutExcerpt)
	if err != nil {
		return internal(ctx, err)
	}
	stderr, err := os.ReadFile(ws.stderr)
	if err != nil {
		return internal(ctx, err)
	}
	return &errdefs.ExecutionError{
		Args:     args,
		ExitCode: code,
		Stdout:   stdout,
		Stderr:   string(stderr),
	}
}

// Creates the directory for a mount target inside rootfs.
//
// Image contents and earlier commands may leave symlinks on the way to the
// target. They are resolved within rootfs, so an absolute or upward link
// cannot reach the host.
func mountPoint(rootfs, target string) error {
	dir, err := securejoin.SecureJoin(rootfs, target)
	if err != nil {
		return fmt.Errorf("mount point %s: %w", target, err)
	}
	return os.MkdirAll(dir, 0755)
}

// Ingests the filesystem left by the command.
//
// Contents below mount targets are replaced by what the container held
// there before the command ran.
func (s *Solver) ingest(ctx context.Context, ws *workspace, base *cas.Tree, mounts []cache.Mount) (digest.Digest, error) {
	targets := make([]string, len(mounts))
	for i, m := range mounts {
		targets[i] = strings.TrimPrefix(path.Clean(m.Target), "/")
	}

	dgst, err := cas.IngestDir(ctx, s.store, ws.rootfs, targets)
	if err != nil {
		return "", internal(ctx, err)
	}
	if len(targets) == 0 {
		return dgst, nil
	}

	t, err := cas.LoadTree(ctx, s.store, dgst)
	if err != nil {
		return "", internal(ctx, err)
	}
	for _, target := range targets {
		sub, err := cas.Subtree(base, target)
		if errors.Is(err, cas.ErrNotFound) || errors.Is(err, cas.ErrNotDirectory) {
			continue
		}
		if err != nil {
			return "", internal(ctx, err)
		}
		if t, err = cas.Overlay(t, sub, target); err != nil {
			return "", internal(ctx, err)
		}
	}
	return s.saveTree(ctx, t)
}

// Reads at most n bytes of a file.
func readHead(p string, n int64) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, n))
	return string(b), err
}

// Removes a scratch directory, restoring write permission on directories
// a command or a tree made read-only.
func removeAll(dir string) error {
	var result *multierror.Error
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := os.Chmod(p, 0755); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return nil
	})
	if err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
