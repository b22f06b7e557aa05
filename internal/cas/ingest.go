package cas

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// Prefix of OCI whiteout markers. Flattened image streams never contain
// them, but layer tarballs may; they are dropped on ingestion.
const whiteoutPrefix = ".wh."

// Stores a host directory and returns the digest of its tree.
//
// Regular files are uploaded concurrently. Symlinks are recorded without
// being followed. Devices, sockets and pipes are skipped. Contents below
// any of the exclude paths (relative to dir) are skipped while the excluded
// directories themselves are kept.
func IngestDir(ctx context.Context, s Store, dir string, exclude []string) (digest.Digest, error) {
	skip := make(map[string]bool, len(exclude))
	for _, p := range exclude {
		p, err := CleanPath(p)
		if err != nil {
			return "", err
		}
		if p != "" {
			skip[p] = true
		}
	}

	var (
		mu      sync.Mutex
		entries []Entry
	)
	add := func(e Entry) {
		mu.Lock()
		entries = append(entries, e)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := gctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			add(Entry{Path: rel, Type: TypeDir, Mode: info.Mode()})
			if skip[rel] {
				return filepath.SkipDir
			}

		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			add(Entry{Path: rel, Type: TypeSymlink, Mode: 0777, Target: target})

		case info.Mode().IsRegular():
			mode := info.Mode()
			g.Go(func() error {
				dgst, size, err := putFile(gctx, s, p)
				if err != nil {
					return fmt.Errorf("ingest %s: %w", rel, err)
				}
				add(Entry{Path: rel, Type: TypeFile, Mode: mode, Size: size, Digest: dgst})
				return nil
			})

		default:
			slog.Debug("skipping special file", "path", p, "mode", info.Mode().String())
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return "", err
	}
	if walkErr != nil {
		return "", walkErr
	}

	tree, err := NewTree(entries)
	if err != nil {
		return "", err
	}
	return SaveTree(ctx, s, tree)
}

// Stores every object of a tar stream and returns the digest of the tree.
//
// Entries apply in stream order, so an entry below a path the stream first
// held as a symlink turns that path into a directory. Hard links resolve to
// the entry they point at, which must precede them in the stream. Whiteout
// markers and special files are skipped.
func IngestTar(ctx context.Context, s Store, r io.Reader) (digest.Digest, error) {
	tr := tar.NewReader(r)
	byPath := make(map[string]Entry)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		p, err := CleanPath(hdr.Name)
		if err != nil {
			return "", err
		}
		if p == "" || strings.HasPrefix(filepath.Base(p), whiteoutPrefix) {
			continue
		}

		mode := fs.FileMode(hdr.Mode).Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			put(byPath, Entry{Path: p, Type: TypeDir, Mode: mode})

		case tar.TypeReg:
			dgst, size, err := s.Put(ctx, tr)
			if err != nil {
				return "", fmt.Errorf("ingest %s: %w", p, err)
			}
			put(byPath, Entry{Path: p, Type: TypeFile, Mode: mode, Size: size, Digest: dgst})

		case tar.TypeSymlink:
			put(byPath, Entry{Path: p, Type: TypeSymlink, Mode: 0777, Target: hdr.Linkname})

		case tar.TypeLink:
			target, err := CleanPath(hdr.Linkname)
			if err != nil {
				return "", err
			}
			linked, ok := byPath[target]
			if !ok || linked.Type != TypeFile {
				return "", fmt.Errorf("%w: hard link %s to missing %s", ErrInvalidPath, p, target)
			}
			linked.Path = p
			put(byPath, linked)

		default:
			slog.Debug("skipping special tar entry", "path", p, "type", string(hdr.Typeflag))
		}
	}

	entries := make([]Entry, 0, len(byPath))
	for _, e := range byPath {
		entries = append(entries, e)
	}
	tree, err := NewTree(entries)
	if err != nil {
		return "", err
	}
	return SaveTree(ctx, s, tree)
}

// Stores the contents of a host file.
func putFile(ctx context.Context, s Store, p string) (digest.Digest, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return s.Put(ctx, f)
}
