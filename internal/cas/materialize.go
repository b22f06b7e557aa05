package cas

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// Writes a tree into the host directory dir.
//
// Directories are created first, file contents are written concurrently and
// symlinks last. Directory permissions are applied after their contents, so
// read-only directories do not block the writes below them. The directory
// dir must be empty or absent.
func Materialize(ctx context.Context, s Store, t *Tree, dir string) error {
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return err
	}

	for _, e := range t.Entries {
		if e.Type == TypeDir {
			if err := os.MkdirAll(hostPath(dir, e.Path), defaultDirPerm|0200); err != nil {
				return err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, e := range t.Entries {
		if e.Type != TypeFile {
			continue
		}
		g.Go(func() error {
			return writeFile(gctx, s, e, hostPath(dir, e.Path))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, e := range t.Entries {
		if e.Type == TypeSymlink {
			if err := os.Symlink(e.Target, hostPath(dir, e.Path)); err != nil {
				return err
			}
		}
	}

	dirs := slices.Clone(t.Entries)
	slices.Reverse(dirs)
	for _, e := range dirs {
		if e.Type == TypeDir {
			if err := os.Chmod(hostPath(dir, e.Path), e.Mode); err != nil {
				return err
			}
		}
	}
	return nil
}

// Writes a tree as a tar stream.
//
// Headers carry a fixed modification time so the same tree always produces
// the same bytes.
func WriteTar(ctx context.Context, s Store, t *Tree, w io.Writer) error {
	tw := tar.NewWriter(w)
	epoch := time.Unix(0, 0).UTC()

	for _, e := range t.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr := &tar.Header{
			Name:    e.Path,
			Mode:    int64(e.Mode),
			ModTime: epoch,
			Format:  tar.FormatPAX,
		}

		switch e.Type {
		case TypeDir:
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
		case TypeSymlink:
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.Target
		case TypeFile:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = e.Size
		default:
			return fmt.Errorf("%w: unknown entry type %q at %s", ErrInvalidPath, e.Type, e.Path)
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if e.Type == TypeFile {
			if err := copyBlob(ctx, s, e, tw); err != nil {
				return err
			}
		}
	}

	return tw.Close()
}

// Writes the contents of a file entry to a host path.
func writeFile(ctx context.Context, s Store, e Entry, dest string) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, e.Mode.Perm()|0200)
	if err != nil {
		return err
	}
	if err := copyBlob(ctx, s, e, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(dest, e.Mode)
}

// Copies the contents of a file entry to w.
func copyBlob(ctx context.Context, s Store, e Entry, w io.Writer) error {
	rc, err := s.Get(ctx, e.Digest)
	if err != nil {
		return fmt.Errorf("%s: %w", e.Path, err)
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

// Converts a tree path to a host path below dir.
func hostPath(dir, p string) string {
	return filepath.Join(dir, filepath.FromSlash(p))
}
