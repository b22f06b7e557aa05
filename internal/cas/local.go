package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"
)

const (

	// Permission mode for store directories.
	dirMode os.FileMode = 0755

	// Permission mode for blob files. Blobs are never rewritten in place.
	blobMode os.FileMode = 0444
)

// Keeps blobs on the local filesystem.
//
// Blobs live at <root>/blobs/<algorithm>/<first two hex chars>/<hex>. Writes
// go to a temporary file under <root>/ingest and are renamed into place once
// the digest is known, so a blob path either does not exist or holds the
// complete content.
type Local struct {
	root string // Root directory of the store.
}

// Creates a local store rooted at the given directory.
//
// The directory layout is created if it does not exist.
func NewLocal(root string) (*Local, error) {
	for _, dir := range []string{
		filepath.Join(root, "blobs", string(digest.Canonical)),
		filepath.Join(root, "ingest"),
	} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return nil, err
		}
	}
	return &Local{root: root}, nil
}

// Returns the root directory of the store.
func (s *Local) Root() string {
	return s.root
}

// Stores the bytes read from r.
func (s *Local) Put(ctx context.Context, r io.Reader) (digest.Digest, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "ingest"), "blob-*")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), readerWithContext(ctx, r))
	if err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}

	dgst := digester.Digest()
	target := s.path(dgst)

	if _, err := os.Stat(target); err == nil {
		return dgst, n, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
		return "", 0, err
	}
	if err := os.Chmod(tmp.Name(), blobMode); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", 0, err
	}

	slog.Debug("blob stored", "digest", dgst, "size", humanize.Bytes(uint64(n)))
	return dgst, n, nil
}

// Opens the blob with the given digest.
func (s *Local) Get(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	f, err := os.Open(s.path(dgst))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dgst)
		}
		return nil, err
	}
	return f, nil
}

// Reports whether the blob with the given digest is present.
func (s *Local) Has(ctx context.Context, dgst digest.Digest) (bool, error) {
	if dgst.Validate() != nil {
		return false, nil
	}
	_, err := os.Stat(s.path(dgst))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Removes a blob. Removing an absent blob is not an error.
//
// Deletion is reserved for an external retention policy; the engine itself
// never deletes blobs.
func (s *Local) Delete(ctx context.Context, dgst digest.Digest) error {
	if err := dgst.Validate(); err != nil {
		return err
	}
	if err := os.Remove(s.path(dgst)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Calls fn for every blob in the store with its digest and size.
//
// Iteration stops at the first error returned by fn or when ctx is done.
func (s *Local) Walk(ctx context.Context, fn func(digest.Digest, int64) error) error {
	base := filepath.Join(s.root, "blobs", string(digest.Canonical))
	return filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		dgst := digest.NewDigestFromEncoded(digest.Canonical, d.Name())
		if dgst.Validate() != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(dgst, info.Size())
	})
}

// Returns the on-disk path of a blob.
func (s *Local) path(dgst digest.Digest) string {
	enc := dgst.Encoded()
	return filepath.Join(s.root, "blobs", string(dgst.Algorithm()), enc[:2], enc)
}

// Wraps a reader so that reads fail once ctx is done.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return r.Read(p)
	})
}

// Adapts a function to [io.Reader].
type readerFunc func([]byte) (int, error)

// Implements [io.Reader].
func (f readerFunc) Read(p []byte) (int, error) {
	return f(p)
}
