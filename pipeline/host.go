package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/graph"
)

// Access to the host filesystem.
type Host struct {
	s *Session
}

// Options of [Host.Directory].
type HostDirectoryOpts struct {
	Exclude []string // Paths, relative to the directory, whose contents are skipped.
}

// Returns a host directory as an input.
//
// The directory is read into the store immediately so its contents become
// part of the operation's identity: changing a file yields a different
// directory, unchanged contents the same one. Reading cannot be cancelled;
// use [Host.DirectoryContext] to bound it.
func (h *Host) Directory(p string, opts ...HostDirectoryOpts) *Directory {
	return h.DirectoryContext(context.Background(), p, opts...)
}

// Returns a host directory as an input, reading it under ctx.
//
// When ctx ends before the directory is stored, the returned directory
// carries the context error and fails the first terminal call.
func (h *Host) DirectoryContext(ctx context.Context, p string, opts ...HostDirectoryOpts) *Directory {
	var o HostDirectoryOpts
	if len(opts) > 0 {
		o = opts[0]
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return &Directory{s: h.s, err: errdefs.Wrap(errdefs.ErrInvalidOperation, err)}
	}

	tree, err := cas.IngestDir(ctx, h.s.store, abs, o.Exclude)
	if err != nil {
		return &Directory{s: h.s, err: hostError(ctx, "host directory", abs, err)}
	}
	return h.s.directory(h.s.builder.Append(graph.KindHostDirectory, []graph.Value{
		graph.String(abs),
		graph.Digest(tree),
	}))
}

// Returns a host file as an input.
//
// Like [Host.Directory], the contents are read into the store immediately.
// The file keeps its permission bits.
func (h *Host) File(p string) *File {
	return h.FileContext(context.Background(), p)
}

// Returns a host file as an input, reading it under ctx.
func (h *Host) FileContext(ctx context.Context, p string) *File {
	abs, err := filepath.Abs(p)
	if err != nil {
		return &File{s: h.s, err: errdefs.Wrap(errdefs.ErrInvalidOperation, err)}
	}

	tree, err := h.ingestFile(ctx, abs)
	if err != nil {
		return &File{s: h.s, err: hostError(ctx, "host file", abs, err)}
	}
	dir := h.s.directory(h.s.builder.Append(graph.KindHostDirectory, []graph.Value{
		graph.String(filepath.Dir(abs)),
		graph.Digest(tree),
	}))
	return dir.File(filepath.Base(abs))
}

// Classifies a failure to read a host path.
func hostError(ctx context.Context, what, abs string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errdefs.FromContext(ctxErr)
	}
	return errdefs.Wrapf(errdefs.ErrResolution, "%s %s: %w", what, abs, err)
}

// Stores a regular file and returns the digest of a tree holding only it.
func (h *Host) ingestFile(ctx context.Context, abs string) (digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("not a regular file")
	}

	dgst, size, err := h.s.store.Put(ctx, f)
	if err != nil {
		return "", err
	}
	return cas.SaveTree(ctx, h.s.store, &cas.Tree{Entries: []cas.Entry{{
		Path:   filepath.Base(abs),
		Type:   cas.TypeFile,
		Mode:   info.Mode().Perm(),
		Size:   size,
		Digest: dgst,
	}}})
}
