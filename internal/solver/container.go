package solver

import (
	"context"
	"io/fs"
	"log/slog"
	"path"

	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/cruxflow/internal/cache"
	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/registry"
)

// Permission bits of files written without explicit permissions.
const defaultFilePerm fs.FileMode = 0644

// Working directory of containers whose image does not set one.
const defaultWorkdir = "/"

// Returns an empty container.
func (s *Solver) scratchContainer(ctx context.Context) (*cache.Result, error) {
	rootfs, err := s.saveTree(ctx, cas.EmptyTree())
	if err != nil {
		return nil, err
	}
	cfg := &cache.ContainerConfig{Workdir: defaultWorkdir}
	return cache.Succeeded(map[string]digest.Digest{cache.OutputRootfs: rootfs}, 0, cfg), nil
}

// Resolves an image and ingests its filesystem.
func (s *Solver) fromImage(ctx context.Context, ref, platform string) (*cache.Result, error) {
	if s.puller == nil {
		return nil, ErrNoPuller
	}

	img, err := s.puller.Pull(ctx, ref, platform)
	if err != nil {
		return nil, resolution(ctx, err)
	}
	defer img.Close()

	fsys := img.Filesystem()
	defer fsys.Close()

	rootfs, err := cas.IngestTar(ctx, s.store, fsys)
	if err != nil {
		return nil, resolution(ctx, err)
	}

	workdir := img.Config.WorkingDir
	if workdir == "" {
		workdir = defaultWorkdir
	}
	if platform == "" {
		platform = registry.FormatPlatform(img.Platform)
	}

	slog.Debug("image ingested", "ref", ref, "digest", img.Digest, "rootfs", rootfs)
	cfg := &cache.ContainerConfig{
		Workdir:  workdir,
		Env:      img.Config.Env,
		Platform: platform,
	}
	return cache.Succeeded(map[string]digest.Digest{cache.OutputRootfs: rootfs}, 0, cfg), nil
}

// Copies a directory into the container filesystem.
func (s *Solver) withDirectory(ctx context.Context, ctr, dir *cache.Result, target string) (*cache.Result, error) {
	base, err := s.loadTree(ctx, ctr, cache.OutputRootfs)
	if err != nil {
		return nil, err
	}
	src, err := s.loadTree(ctx, dir, cache.OutputTree)
	if err != nil {
		return nil, err
	}
	merged, err := cas.Overlay(base, src, target)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidOperation, err)
	}
	rootfs, err := s.saveTree(ctx, merged)
	if err != nil {
		return nil, err
	}
	return derive(ctr, rootfs, ctr.Config.Clone()), nil
}

// Records a directory mount.
func (s *Solver) withMountedDirectory(ctr, dir *cache.Result, target string) (*cache.Result, error) {
	tree, ok := dir.Output(cache.OutputTree)
	if !ok {
		return nil, errdefs.Wrapf(errdefs.ErrInternal, "directory result has no tree")
	}
	cfg := ctr.Config.Clone()
	cfg.Mount(cache.Mount{Target: path.Clean(target), Tree: tree})
	return derive(ctr, "", cfg), nil
}

// Records a cache volume mount.
func withMountedCache(ctr *cache.Result, target, name string) *cache.Result {
	cfg := ctr.Config.Clone()
	cfg.Mount(cache.Mount{Target: path.Clean(target), Volume: name})
	return derive(ctr, "", cfg)
}

// Sets the working directory, resolving relative paths against the current
// one.
func withWorkdir(ctr *cache.Result, dir string) *cache.Result {
	cfg := ctr.Config.Clone()
	cfg.Workdir = resolve(cfg.Workdir, dir)
	return derive(ctr, "", cfg)
}

// Sets an environment variable.
func withEnvVariable(ctr *cache.Result, name, value string) *cache.Result {
	cfg := ctr.Config.Clone()
	cfg.Setenv(name, value)
	return derive(ctr, "", cfg)
}

// Removes an environment variable.
func withoutEnvVariable(ctr *cache.Result, name string) *cache.Result {
	cfg := ctr.Config.Clone()
	cfg.Unsetenv(name)
	return derive(ctr, "", cfg)
}

// Writes a file into the container filesystem.
func (s *Solver) withNewFile(ctx context.Context, ctr *cache.Result, p, contents string, perm int64) (*cache.Result, error) {
	base, err := s.loadTree(ctx, ctr, cache.OutputRootfs)
	if err != nil {
		return nil, err
	}
	t, err := s.addFile(ctx, base, p, contents, perm)
	if err != nil {
		return nil, err
	}
	rootfs, err := s.saveTree(ctx, t)
	if err != nil {
		return nil, err
	}
	return derive(ctr, rootfs, ctr.Config.Clone()), nil
}

// Copies a file value into the container filesystem. The file keeps its
// permission bits unless perm is set.
func (s *Solver) withFile(ctx context.Context, ctr, file *cache.Result, p string, perm int64) (*cache.Result, error) {
	base, err := s.loadTree(ctx, ctr, cache.OutputRootfs)
	if err != nil {
		return nil, err
	}
	src, err := s.loadTree(ctx, file, cache.OutputTree)
	if err != nil {
		return nil, err
	}
	if len(src.Entries) != 1 || src.Entries[0].Type != cas.TypeFile {
		return nil, errdefs.Wrapf(errdefs.ErrInternal, "file value holds %d entries", len(src.Entries))
	}

	e := src.Entries[0]
	e.Path = p
	if perm != 0 {
		e.Mode = fs.FileMode(perm)
	}
	t, err := cas.WithEntry(base, e)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidOperation, err)
	}
	rootfs, err := s.saveTree(ctx, t)
	if err != nil {
		return nil, err
	}
	return derive(ctr, rootfs, ctr.Config.Clone()), nil
}

// Returns the captured output of the most recent exec.
func captured(ctr *cache.Result, output string) (*cache.Result, error) {
	if err := requireExec(ctr, output); err != nil {
		return nil, err
	}
	dgst, _ := ctr.Output(output)
	return cache.Succeeded(map[string]digest.Digest{output: dgst}, 0, nil), nil
}

// Returns the exit code of the most recent exec.
func exitCode(ctr *cache.Result) (*cache.Result, error) {
	if err := requireExec(ctr, "exit code"); err != nil {
		return nil, err
	}
	return cache.Succeeded(nil, ctr.ExitCode, nil), nil
}

// Fails unless a command ran in the container.
func requireExec(ctr *cache.Result, what string) error {
	if ctr.Config == nil || len(ctr.Config.Args) == 0 {
		return errdefs.Wrapf(errdefs.ErrInvalidOperation, "no %s: no command has been executed in the container", what)
	}
	return nil
}

// Returns a container result derived from parent.
//
// The captured output and exit code of the most recent exec carry over. An
// empty rootfs keeps the parent's filesystem.
func derive(parent *cache.Result, rootfs digest.Digest, cfg *cache.ContainerConfig) *cache.Result {
	outputs := make(map[string]digest.Digest, len(parent.Outputs))
	for name, d := range parent.Outputs {
		outputs[name] = d
	}
	if rootfs != "" {
		outputs[cache.OutputRootfs] = rootfs
	}
	return cache.Succeeded(outputs, parent.ExitCode, cfg)
}

// Resolves p against dir.
func resolve(dir, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	if dir == "" {
		dir = defaultWorkdir
	}
	return path.Join(dir, p)
}

// Classifies an image resolution failure.
func resolution(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errdefs.Wrap(errdefs.ErrResolution, err)
}
