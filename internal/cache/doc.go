// Package cache memoizes the results of graph nodes.
//
// A node is identified by its digest, so a result computed once can be reused
// wherever the same operation appears. Within a session every final result
// is remembered and concurrent requests for one node share a single
// execution. Across sessions, succeeded results of non-volatile nodes are
// kept in a bbolt [Index]; a record is only reused while every blob it
// references is still present in the content-addressed store. Nodes that
// mount a cache volume are volatile and always execute again in a new
// session.
//
// Example usage:
//
//	idx, err := cache.OpenIndex(paths.CacheIndex())
//	if err != nil {
//	    return err
//	}
//	defer idx.Close()
//
//	c := cache.New(store, cache.WithIndex(idx))
//
//	res, err := c.Do(ctx, node, func(ctx context.Context) (*cache.Result, error) {
//	    return solver.Execute(ctx, node, parents)
//	})
package cache
