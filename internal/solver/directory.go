package solver

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/cruxflow/internal/cache"
	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
)

// Returns a directory of the container.
//
// Paths at or below a directory mount read from the mounted tree, so a
// directory mounted for an exec can be read back from the container.
func (s *Solver) containerDirectory(ctx context.Context, ctr *cache.Result, p string) (*cache.Result, error) {
	p = path.Clean(p)

	src, rel, err := s.sourceOf(ctx, ctr, p)
	if err != nil {
		return nil, err
	}

	sub, err := cas.Subtree(src, rel)
	if err != nil {
		return nil, lookupError(err)
	}
	return s.directoryResult(ctx, sub)
}

// Returns the tree holding p inside the container and the path of p
// relative to that tree.
func (s *Solver) sourceOf(ctx context.Context, ctr *cache.Result, p string) (*cas.Tree, string, error) {
	if ctr.Config != nil {
		var best *cache.Mount
		for i, m := range ctr.Config.Mounts {
			if within(p, m.Target) && (best == nil || len(m.Target) > len(best.Target)) {
				best = &ctr.Config.Mounts[i]
			}
		}
		if best != nil {
			if best.Volume != "" {
				return nil, "", errdefs.Wrapf(errdefs.ErrInvalidOperation, "%s is inside cache volume %q", p, best.Volume)
			}
			t, err := cas.LoadTree(ctx, s.store, best.Tree)
			if err != nil {
				return nil, "", internal(ctx, err)
			}
			return t, strings.TrimPrefix(strings.TrimPrefix(p, best.Target), "/"), nil
		}
	}

	t, err := s.loadTree(ctx, ctr, cache.OutputRootfs)
	if err != nil {
		return nil, "", err
	}
	return t, p, nil
}

// Verifies a directory ingested from the host.
func (s *Solver) hostDirectory(ctx context.Context, p string, tree digest.Digest) (*cache.Result, error) {
	t, err := cas.LoadTree(ctx, s.store, tree)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errdefs.Wrapf(errdefs.ErrResolution, "host directory %s: %w", p, err)
	}
	ok, err := cas.HasAll(ctx, s.store, t.Blobs()...)
	if err != nil {
		return nil, internal(ctx, err)
	}
	if !ok {
		return nil, errdefs.Wrapf(errdefs.ErrResolution, "host directory %s: contents missing from the store", p)
	}
	return cache.Succeeded(map[string]digest.Digest{cache.OutputTree: tree}, 0, nil), nil
}

// Returns an empty directory.
func (s *Solver) emptyDirectory(ctx context.Context) (*cache.Result, error) {
	return s.directoryResult(ctx, cas.EmptyTree())
}

// Writes a file into a directory.
func (s *Solver) directoryWithNewFile(ctx context.Context, dir *cache.Result, p, contents string, perm int64) (*cache.Result, error) {
	base, err := s.loadTree(ctx, dir, cache.OutputTree)
	if err != nil {
		return nil, err
	}
	t, err := s.addFile(ctx, base, p, contents, perm)
	if err != nil {
		return nil, err
	}
	return s.directoryResult(ctx, t)
}

// Copies src into a directory.
func (s *Solver) directoryWithDirectory(ctx context.Context, dir, src *cache.Result, p string) (*cache.Result, error) {
	base, err := s.loadTree(ctx, dir, cache.OutputTree)
	if err != nil {
		return nil, err
	}
	add, err := s.loadTree(ctx, src, cache.OutputTree)
	if err != nil {
		return nil, err
	}
	t, err := cas.Overlay(base, add, p)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidOperation, err)
	}
	return s.directoryResult(ctx, t)
}

// Returns a file of a directory.
func (s *Solver) directoryFile(ctx context.Context, dir *cache.Result, p string) (*cache.Result, error) {
	t, err := s.loadTree(ctx, dir, cache.OutputTree)
	if err != nil {
		return nil, err
	}
	e, ok := t.Lookup(p)
	if !ok {
		return nil, errdefs.Wrapf(errdefs.ErrResolution, "%s: %w", p, cas.ErrNotFound)
	}
	if e.Type != cas.TypeFile {
		return nil, errdefs.Wrapf(errdefs.ErrResolution, "%s is not a regular file", p)
	}
	e.Path = path.Base(e.Path)
	tree, err := s.saveTree(ctx, &cas.Tree{Entries: []cas.Entry{e}})
	if err != nil {
		return nil, err
	}
	return cache.Succeeded(map[string]digest.Digest{
		cache.OutputFile: e.Digest,
		cache.OutputTree: tree,
	}, 0, nil), nil
}

// Stores a tree and wraps it in a directory result.
func (s *Solver) directoryResult(ctx context.Context, t *cas.Tree) (*cache.Result, error) {
	dgst, err := s.saveTree(ctx, t)
	if err != nil {
		return nil, err
	}
	return cache.Succeeded(map[string]digest.Digest{cache.OutputTree: dgst}, 0, nil), nil
}

// Stores file contents and adds them to base at p.
func (s *Solver) addFile(ctx context.Context, base *cas.Tree, p, contents string, perm int64) (*cas.Tree, error) {
	dgst, err := cas.PutBytes(ctx, s.store, []byte(contents))
	if err != nil {
		return nil, internal(ctx, err)
	}
	mode := fs.FileMode(perm)
	if mode == 0 {
		mode = defaultFilePerm
	}
	t, err := cas.WithEntry(base, cas.Entry{
		Path:   p,
		Type:   cas.TypeFile,
		Mode:   mode,
		Size:   int64(len(contents)),
		Digest: dgst,
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidOperation, err)
	}
	return t, nil
}

// Classifies a failed path lookup in a tree.
func lookupError(err error) error {
	if errors.Is(err, cas.ErrInvalidPath) {
		return errdefs.Wrap(errdefs.ErrInvalidOperation, err)
	}
	return errdefs.Wrap(errdefs.ErrResolution, err)
}

// Whether p is dir or below it.
func within(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, strings.TrimSuffix(dir, "/")+"/")
}
