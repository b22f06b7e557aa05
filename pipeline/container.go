package pipeline

import (
	"context"
	"io"
	"io/fs"
	"path"

	"github.com/cruciblehq/cruxflow/internal/cache"
	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/graph"
	"github.com/cruciblehq/cruxflow/internal/registry"
)

// Immutable container state: a root filesystem plus execution settings.
type Container struct {
	s    *Session    // Owning session.
	node *graph.Node // Operation producing the state, nil when err is set.
	err  error       // Construction error.
}

// Options of [Container.WithExec].
type ExecOpts struct {
	Stdin        string // Text written to the command's standard input.
	AllowFailure bool   // Whether a non-zero exit code is a valid result.
}

// Options of the WithNewFile calls.
type FileOpts struct {
	Permissions fs.FileMode // Permission bits, 0644 when zero.
}

// Options of [Container.Export].
type ExportOpts struct {
	Tag        string          // Image name recorded in the archive.
	Format     registry.Format // Archive format, OCI when empty.
	Entrypoint []string        // Entrypoint recorded in the image config.
}

// Archive formats of [Container.Export].
const (
	FormatOCI    = registry.FormatOCI
	FormatDocker = registry.FormatDocker
)

func (s *Session) container(n *graph.Node, err error) *Container {
	return &Container{s: s, node: n, err: err}
}

// Appends an operation with c as first parent.
func (c *Container) with(kind graph.Kind, params []graph.Value, others ...*graph.Node) *Container {
	if c.err != nil {
		return c
	}
	return c.s.container(c.s.builder.Append(kind, params, append([]*graph.Node{c.node}, others...)...))
}

// Replaces the container with an image. The previous state is discarded.
func (c *Container) From(ref string) *Container {
	return c.FromPlatform(ref, c.s.platform)
}

// Replaces the container with an image built for platform.
func (c *Container) FromPlatform(ref, platform string) *Container {
	if c.err != nil {
		return c
	}
	return c.s.container(c.s.builder.Append(graph.KindFromImage, []graph.Value{
		graph.String(ref),
		graph.String(platform),
	}))
}

// Copies a directory into the filesystem at an absolute path.
func (c *Container) WithDirectory(p string, dir *Directory) *Container {
	if dir.err != nil {
		return &Container{s: c.s, err: dir.err}
	}
	return c.with(graph.KindWithDirectory, []graph.Value{graph.String(p)}, dir.node)
}

// Mounts a directory at an absolute path for later commands.
//
// Commands see a writable copy; their changes below the mount are
// discarded.
func (c *Container) WithMountedDirectory(p string, dir *Directory) *Container {
	if dir.err != nil {
		return &Container{s: c.s, err: dir.err}
	}
	return c.with(graph.KindWithMountedDirectory, []graph.Value{graph.String(p)}, dir.node)
}

// Mounts a cache volume at an absolute path for later commands.
//
// Volume contents persist across runs, so every command that sees the
// volume runs again on every run.
func (c *Container) WithMountedCache(p string, vol *CacheVolume) *Container {
	return c.with(graph.KindWithMountedCache, []graph.Value{graph.String(p), graph.String(vol.name)})
}

// Sets the working directory of later commands. Relative paths resolve
// against the current working directory.
func (c *Container) WithWorkdir(p string) *Container {
	return c.with(graph.KindWithWorkdir, []graph.Value{graph.String(p)})
}

// Sets an environment variable for later commands.
func (c *Container) WithEnvVariable(name, value string) *Container {
	return c.with(graph.KindWithEnvVariable, []graph.Value{graph.String(name), graph.String(value)})
}

// Copies a file into the filesystem at an absolute path. The file keeps its
// permission bits unless [FileOpts.Permissions] is set.
func (c *Container) WithFile(p string, f *File, opts ...FileOpts) *Container {
	if f.err != nil {
		return &Container{s: c.s, err: f.err}
	}
	return c.with(graph.KindWithFile, []graph.Value{
		graph.String(p),
		graph.Int(int64(fileOpts(opts).Permissions)),
	}, f.node)
}

// Removes an environment variable.
func (c *Container) WithoutEnvVariable(name string) *Container {
	return c.with(graph.KindWithoutEnvVariable, []graph.Value{graph.String(name)})
}

// Writes a file into the filesystem at an absolute path.
func (c *Container) WithNewFile(p, contents string, opts ...FileOpts) *Container {
	return c.with(graph.KindWithNewFile, []graph.Value{
		graph.String(p),
		graph.String(contents),
		graph.Int(int64(fileOpts(opts).Permissions)),
	})
}

// Runs a command.
func (c *Container) WithExec(args []string, opts ...ExecOpts) *Container {
	var o ExecOpts
	if len(opts) > 0 {
		o = opts[0]
	}
	return c.with(graph.KindWithExec, []graph.Value{
		graph.Strings(args...),
		graph.Bool(o.AllowFailure),
		graph.String(o.Stdin),
	})
}

// Returns a directory of the container, read from a mounted directory when
// p is below one.
func (c *Container) Directory(p string) *Directory {
	if c.err != nil {
		return &Directory{s: c.s, err: c.err}
	}
	return c.s.directory(c.s.builder.Append(graph.KindContainerDirectory, []graph.Value{graph.String(p)}, c.node))
}

// Returns a file of the container.
func (c *Container) File(p string) *File {
	return c.Directory(path.Dir(p)).File(path.Base(p))
}

// Returns the standard output of the most recent command.
func (c *Container) Stdout(ctx context.Context) (string, error) {
	return c.output(ctx, graph.KindStdout, cache.OutputStdout)
}

// Returns the standard error of the most recent command.
func (c *Container) Stderr(ctx context.Context) (string, error) {
	return c.output(ctx, graph.KindStderr, cache.OutputStderr)
}

// Returns the exit code of the most recent command. Only commands run with
// [ExecOpts.AllowFailure] can report a non-zero code.
func (c *Container) ExitCode(ctx context.Context) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.s.builder.Append(graph.KindExitCode, nil, c.node)
	if err != nil {
		return 0, err
	}
	r, err := c.s.evaluate(ctx, n)
	if err != nil {
		return 0, err
	}
	return r.ExitCode, nil
}

// Returns the working directory of later commands.
func (c *Container) Workdir(ctx context.Context) (string, error) {
	cfg, err := c.config(ctx)
	if err != nil {
		return "", err
	}
	return cfg.Workdir, nil
}

// Returns the environment of later commands in KEY=value form.
func (c *Container) EnvVariables(ctx context.Context) ([]string, error) {
	cfg, err := c.config(ctx)
	if err != nil {
		return nil, err
	}
	return cfg.Env, nil
}

// Forces evaluation and returns the container for further chaining.
func (c *Container) Sync(ctx context.Context) (*Container, error) {
	if c.err != nil {
		return nil, c.err
	}
	if _, err := c.s.evaluate(ctx, c.node); err != nil {
		return nil, err
	}
	return c, nil
}

// Writes the container as a single-layer image archive to a host path.
func (c *Container) Export(ctx context.Context, hostPath string, opts ...ExportOpts) error {
	if c.err != nil {
		return c.err
	}
	r, err := c.s.evaluate(ctx, c.node)
	if err != nil {
		return err
	}
	rootfs, _ := r.Output(cache.OutputRootfs)
	tree, err := cas.LoadTree(ctx, c.s.store, rootfs)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrInternal, err)
	}

	var o ExportOpts
	if len(opts) > 0 {
		o = opts[0]
	}
	cfg := r.Config.Clone()
	return registry.Export(ctx, hostPath, c.s.tarOpener(ctx, tree), registry.ExportOptions{
		Tag:      o.Tag,
		Platform: cfg.Platform,
		Format:   o.Format,
		Config: registry.Config{
			Env:        cfg.Env,
			WorkingDir: cfg.Workdir,
			Entrypoint: o.Entrypoint,
		},
	})
}

// Returns the error recorded while building the container, if any.
func (c *Container) Err() error {
	return c.err
}

func (c *Container) config(ctx context.Context) (*cache.ContainerConfig, error) {
	if c.err != nil {
		return nil, c.err
	}
	r, err := c.s.evaluate(ctx, c.node)
	if err != nil {
		return nil, err
	}
	return r.Config.Clone(), nil
}

func (c *Container) output(ctx context.Context, kind graph.Kind, output string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	n, err := c.s.builder.Append(kind, nil, c.node)
	if err != nil {
		return "", err
	}
	return c.s.text(ctx, n, output)
}

// Returns a function producing a fresh tar stream of tree on every call.
func (s *Session) tarOpener(ctx context.Context, tree *cas.Tree) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(cas.WriteTar(ctx, s.store, tree, pw))
		}()
		return pr, nil
	}
}

func fileOpts(opts []FileOpts) FileOpts {
	if len(opts) > 0 {
		return opts[0]
	}
	return FileOpts{}
}
