// Package cas stores immutable blobs keyed by their sha256 content digest.
//
// A [Store] holds file contents, captured command output, container configs
// and tree manifests. The [Local] store keeps blobs on disk under a
// sharded directory layout and writes them atomically, so independent
// writers never observe partial blobs. [Cached] fronts any store with an
// in-memory LRU of small blobs, [Tiered] pairs a local store with a remote
// one (write-through, read-back-fill), and [S3] keeps blobs in an
// S3-compatible bucket.
//
// Filesystem snapshots are represented as a [Tree]: a canonical, sorted
// manifest of entries whose file contents live in the same store. A tree is
// itself stored as a blob, so its digest is the identity of the snapshot.
// Trees are produced by ingesting a host directory or a tar stream, combined
// with pure operations (overlay, subtree), and turned back into a directory
// or a tar stream when a command needs to run against them.
//
// Example usage:
//
//	store, err := cas.NewLocal(root)
//	if err != nil {
//	    return err
//	}
//
//	dgst, err := cas.IngestDir(ctx, store, "./src", nil)
//	if err != nil {
//	    return err
//	}
//
//	tree, err := cas.LoadTree(ctx, store, dgst)
//	if err != nil {
//	    return err
//	}
//
//	if err := cas.Materialize(ctx, store, tree, scratch); err != nil {
//	    return err
//	}
package cas
