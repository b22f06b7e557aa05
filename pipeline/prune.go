package pipeline

import (
	"context"
	"fmt"

	"github.com/cruciblehq/cruxflow/internal/cache"
	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/internal/paths"
)

// Outcome of [Prune].
type PruneStats = cache.PruneStats

// Deletes the blobs under dataDir that no persisted result references.
//
// The cache index is locked for the duration, so Prune waits for open
// sessions on the same directory and fails when they outlast the index
// lock timeout. An empty dataDir selects the default data directory.
func Prune(ctx context.Context, dataDir string) (PruneStats, error) {
	if dataDir == "" {
		dataDir = paths.Data()
	}

	idx, err := cache.OpenIndex(paths.CacheIndex(dataDir))
	if err != nil {
		return PruneStats{}, err
	}
	defer idx.Close()

	store, err := cas.NewLocal(paths.Store(dataDir))
	if err != nil {
		return PruneStats{}, fmt.Errorf("open blob store: %w", err)
	}
	return cache.Prune(ctx, idx, store)
}
