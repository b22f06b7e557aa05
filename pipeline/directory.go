package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cruciblehq/cruxflow/internal/cache"
	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/graph"
)

// Immutable filesystem tree.
type Directory struct {
	s    *Session    // Owning session.
	node *graph.Node // Operation producing the tree, nil when err is set.
	err  error       // Construction error.
}

func (s *Session) directory(n *graph.Node, err error) *Directory {
	return &Directory{s: s, node: n, err: err}
}

func (d *Directory) with(kind graph.Kind, params []graph.Value, others ...*graph.Node) *Directory {
	if d.err != nil {
		return d
	}
	return d.s.directory(d.s.builder.Append(kind, params, append([]*graph.Node{d.node}, others...)...))
}

// Writes a file at a path relative to the directory.
func (d *Directory) WithNewFile(p, contents string, opts ...FileOpts) *Directory {
	return d.with(graph.KindDirectoryWithNewFile, []graph.Value{
		graph.String(p),
		graph.String(contents),
		graph.Int(int64(fileOpts(opts).Permissions)),
	})
}

// Copies src into the directory at a relative path.
func (d *Directory) WithDirectory(p string, src *Directory) *Directory {
	if src.err != nil {
		return &Directory{s: d.s, err: src.err}
	}
	return d.with(graph.KindDirectoryWithDirectory, []graph.Value{graph.String(p)}, src.node)
}

// Returns a file of the directory.
func (d *Directory) File(p string) *File {
	if d.err != nil {
		return &File{s: d.s, err: d.err}
	}
	n, err := d.s.builder.Append(graph.KindDirectoryFile, []graph.Value{graph.String(p)}, d.node)
	return &File{s: d.s, node: n, err: err}
}

// Returns the names of the entries directly in the directory, sorted.
func (d *Directory) Entries(ctx context.Context) ([]string, error) {
	tree, err := d.tree(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := cas.ReadDir(tree, "")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInternal, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Path
	}
	return names, nil
}

// Forces evaluation and returns the directory for further chaining.
func (d *Directory) Sync(ctx context.Context) (*Directory, error) {
	if _, err := d.tree(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Writes the directory contents to a host path, which must not exist yet
// or be empty.
func (d *Directory) Export(ctx context.Context, hostPath string) error {
	tree, err := d.tree(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(hostPath), 0755); err != nil {
		return err
	}
	return cas.Materialize(ctx, d.s.store, tree, hostPath)
}

// Returns the error recorded while building the directory, if any.
func (d *Directory) Err() error {
	return d.err
}

// Evaluates the directory and loads its tree.
func (d *Directory) tree(ctx context.Context) (*cas.Tree, error) {
	if d.err != nil {
		return nil, d.err
	}
	r, err := d.s.evaluate(ctx, d.node)
	if err != nil {
		return nil, err
	}
	dgst, _ := r.Output(cache.OutputTree)
	tree, err := cas.LoadTree(ctx, d.s.store, dgst)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInternal, err)
	}
	return tree, nil
}

// Immutable file contents.
type File struct {
	s    *Session    // Owning session.
	node *graph.Node // Operation producing the file, nil when err is set.
	err  error       // Construction error.
}

// Returns the contents of the file.
func (f *File) Contents(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.s.text(ctx, f.node, cache.OutputFile)
}

// Forces evaluation and returns the file for further chaining.
func (f *File) Sync(ctx context.Context) (*File, error) {
	if f.err != nil {
		return nil, f.err
	}
	if _, err := f.s.evaluate(ctx, f.node); err != nil {
		return nil, err
	}
	return f, nil
}

// Returns the error recorded while building the file, if any.
func (f *File) Err() error {
	return f.err
}

// Named persistent volume mounted with [Container.WithMountedCache].
type CacheVolume struct {
	name string
}

// Returns the volume name.
func (v *CacheVolume) Name() string {
	return v.name
}
