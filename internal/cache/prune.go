package cache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/cruxflow/internal/cas"
)

// Store that can enumerate and delete its blobs.
type PrunableStore interface {
	cas.Store
	Walk(ctx context.Context, fn func(digest.Digest, int64) error) error
	Delete(ctx context.Context, dgst digest.Digest) error
}

// Outcome of a [Prune].
type PruneStats struct {
	Records      int   // Index records examined.
	Dropped      int   // Index records removed because blobs were missing.
	Blobs        int   // Blobs examined.
	Removed      int   // Blobs deleted.
	RemovedBytes int64 // Bytes freed.
}

// Deletes every blob that no persisted result references.
//
// Records whose blobs are already incomplete are removed from the index
// first. Blobs produced by volatile nodes are never referenced by the index
// and are therefore always collected. Prune must not run while a session is
// using the store.
func Prune(ctx context.Context, idx *Index, s PrunableStore) (PruneStats, error) {
	var stats PruneStats
	live := make(map[digest.Digest]bool)
	var stale []digest.Digest

	err := idx.Walk(func(node digest.Digest, r *Result) error {
		stats.Records++
		refs, err := references(ctx, s, r)
		if errors.Is(err, cas.ErrNotFound) {
			stale = append(stale, node)
			return nil
		}
		if err != nil {
			return err
		}
		for _, d := range refs {
			live[d] = true
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	for _, node := range stale {
		if err := idx.Delete(node); err != nil {
			return stats, err
		}
		stats.Dropped++
	}

	var dead []digest.Digest
	sizes := make(map[digest.Digest]int64)
	err = s.Walk(ctx, func(d digest.Digest, size int64) error {
		stats.Blobs++
		if !live[d] {
			dead = append(dead, d)
			sizes[d] = size
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	for _, d := range dead {
		if err := s.Delete(ctx, d); err != nil {
			return stats, err
		}
		stats.Removed++
		stats.RemovedBytes += sizes[d]
	}

	slog.Debug("prune complete", "records", stats.Records, "dropped", stats.Dropped, "removed", stats.Removed)
	return stats, nil
}

// Returns every blob a result depends on. Fails with [cas.ErrNotFound] when
// any of them is missing.
func references(ctx context.Context, s cas.Store, r *Result) ([]digest.Digest, error) {
	refs := r.Blobs()
	for _, d := range refs {
		ok, err := s.Has(ctx, d)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, cas.ErrNotFound
		}
	}
	for _, d := range r.Trees() {
		t, err := cas.LoadTree(ctx, s, d)
		if err != nil {
			return nil, err
		}
		for _, b := range t.Blobs() {
			ok, err := s.Has(ctx, b)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, cas.ErrNotFound
			}
			refs = append(refs, b)
		}
	}
	return refs, nil
}
