package cas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// Persists immutable blobs addressed by content digest.
//
// Implementations must be safe for concurrent use. Put is idempotent: storing
// bytes that are already present returns the existing digest without error.
type Store interface {

	// Stores the bytes read from r and returns their digest and size.
	Put(ctx context.Context, r io.Reader) (digest.Digest, int64, error)

	// Opens the blob with the given digest. Returns [ErrNotFound] when the
	// blob is absent.
	Get(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error)

	// Reports whether the blob with the given digest is present.
	Has(ctx context.Context, dgst digest.Digest) (bool, error)
}

// Stores a byte slice.
func PutBytes(ctx context.Context, s Store, b []byte) (digest.Digest, error) {
	dgst, _, err := s.Put(ctx, bytes.NewReader(b))
	return dgst, err
}

// Reads a blob fully into memory.
func ReadBlob(ctx context.Context, s Store, dgst digest.Digest) ([]byte, error) {
	rc, err := s.Get(ctx, dgst)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Encodes v as JSON and stores it.
func PutJSON(ctx context.Context, s Store, v any) (digest.Digest, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return PutBytes(ctx, s, b)
}

// Reads a JSON blob into v.
func ReadJSON(ctx context.Context, s Store, dgst digest.Digest, v any) error {
	b, err := ReadBlob(ctx, s, dgst)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", dgst, err)
	}
	return nil
}

// Verifies that every digest is present in the store.
//
// Returns false on the first missing blob. Empty digests are ignored.
func HasAll(ctx context.Context, s Store, dgsts ...digest.Digest) (bool, error) {
	for _, d := range dgsts {
		if d == "" {
			continue
		}
		ok, err := s.Has(ctx, d)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
