package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/opencontainers/go-digest"
)

// Pairs a primary store with a secondary one.
//
// Writes go to the primary store and are copied to the secondary store.
// Reads are served by the primary store; a blob missing there is fetched
// from the secondary store and written back to the primary. The typical
// arrangement is a [Local] primary with an [S3] secondary shared between
// hosts.
type Tiered struct {
	primary   Store // Store that serves every read.
	secondary Store // Store that receives copies and fills primary misses.
}

// Creates a tiered store.
func NewTiered(primary, secondary Store) *Tiered {
	return &Tiered{primary: primary, secondary: secondary}
}

// Stores the bytes in the primary store and copies them to the secondary.
func (t *Tiered) Put(ctx context.Context, r io.Reader) (digest.Digest, int64, error) {
	dgst, n, err := t.primary.Put(ctx, r)
	if err != nil {
		return "", 0, err
	}

	if err := t.replicate(ctx, dgst); err != nil {
		return "", 0, err
	}
	return dgst, n, nil
}

// Opens the blob from the primary store, back-filling it from the secondary
// store on a miss.
func (t *Tiered) Get(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	rc, err := t.primary.Get(ctx, dgst)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return rc, err
	}

	remote, err := t.secondary.Get(ctx, dgst)
	if err != nil {
		return nil, err
	}
	defer remote.Close()

	got, _, err := t.primary.Put(ctx, remote)
	if err != nil {
		return nil, err
	}
	if got != dgst {
		return nil, fmt.Errorf("%w: secondary returned %s for %s", ErrDigestMismatch, got, dgst)
	}

	slog.Debug("blob back-filled from secondary store", "digest", dgst)
	return t.primary.Get(ctx, dgst)
}

// Reports whether either tier holds the blob.
func (t *Tiered) Has(ctx context.Context, dgst digest.Digest) (bool, error) {
	ok, err := t.primary.Has(ctx, dgst)
	if err != nil || ok {
		return ok, err
	}
	return t.secondary.Has(ctx, dgst)
}

// Copies a blob from the primary to the secondary store unless the
// secondary already holds it.
func (t *Tiered) replicate(ctx context.Context, dgst digest.Digest) error {
	ok, err := t.secondary.Has(ctx, dgst)
	if err != nil || ok {
		return err
	}

	rc, err := t.primary.Get(ctx, dgst)
	if err != nil {
		return err
	}
	defer rc.Close()

	_, _, err = t.secondary.Put(ctx, rc)
	return err
}
