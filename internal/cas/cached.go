package cas

import (
	"bytes"
	"context"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"
)

const (

	// Default number of blobs kept in memory by [Cached].
	DefaultCacheEntries = 4096

	// Blobs larger than this are never kept in memory. Tree manifests,
	// container configs and typical command output fall below it.
	maxCachedBlobSize = 1 << 20
)

// Fronts a [Store] with an in-memory LRU of small blobs.
//
// Tree manifests and captured output are read repeatedly while a graph is
// executed; keeping them in memory avoids a round trip to disk or to a
// remote tier for each read.
type Cached struct {
	Store                                   // Backing store.
	blobs *lru.Cache[digest.Digest, []byte] // Contents of recently used small blobs.
}

// Creates a cached view over the given store holding at most entries blobs.
func NewCached(store Store, entries int) (*Cached, error) {
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	blobs, err := lru.New[digest.Digest, []byte](entries)
	if err != nil {
		return nil, err
	}
	return &Cached{Store: store, blobs: blobs}, nil
}

// Opens the blob, serving it from memory when possible.
//
// Blobs read from the backing store are retained when they fit under the
// size limit. Larger blobs are streamed without being buffered.
func (c *Cached) Get(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	if b, ok := c.blobs.Get(dgst); ok {
		return io.NopCloser(bytes.NewReader(b)), nil
	}

	rc, err := c.Store.Get(ctx, dgst)
	if err != nil {
		return nil, err
	}

	head, err := io.ReadAll(io.LimitReader(rc, maxCachedBlobSize+1))
	if err != nil {
		rc.Close()
		return nil, err
	}

	if len(head) <= maxCachedBlobSize {
		rc.Close()
		c.blobs.Add(dgst, head)
		return io.NopCloser(bytes.NewReader(head)), nil
	}

	return struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), rc), rc}, nil
}

// Reports whether the blob is present, consulting memory first.
func (c *Cached) Has(ctx context.Context, dgst digest.Digest) (bool, error) {
	if c.blobs.Contains(dgst) {
		return true, nil
	}
	return c.Store.Has(ctx, dgst)
}

// Drops a blob from memory. The backing store is not modified.
func (c *Cached) Evict(dgst digest.Digest) {
	c.blobs.Remove(dgst)
}
