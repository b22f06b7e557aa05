package graph

import (
	"sync"

	"github.com/opencontainers/go-digest"
)

// Prefix of the canonical node encoding. Changing it invalidates every
// persisted cache record.
const encodingVersion = "cruxflow.node/v1"

// Creates and deduplicates nodes for one session.
//
// A builder is safe for concurrent use.
type Builder struct {
	mu    sync.Mutex
	nodes map[digest.Digest]*Node // Node table keyed by digest.
	next  uint64                  // Next insertion sequence number.
}

// Creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{nodes: make(map[digest.Digest]*Node)}
}

// Appends an operation to the graph.
//
// The operation is validated against the contract of its kind and fails
// with [errdefs.ErrInvalidOperation] on any violation. When a node with the
// same digest already exists it is returned unchanged, keeping its original
// sequence number. Parents must have been created by this builder.
func (b *Builder) Append(kind Kind, params []Value, parents ...*Node) (*Node, error) {
	s, err := validate(kind, params, parents)
	if err != nil {
		return nil, err
	}

	dgst := Hash(kind, params, parents)

	b.mu.Lock()
	defer b.mu.Unlock()

	if n, ok := b.nodes[dgst]; ok {
		return n, nil
	}

	volatile := kind == KindWithMountedCache
	for _, p := range parents {
		volatile = volatile || p.volatile
	}

	n := &Node{
		kind:     kind,
		params:   append([]Value(nil), params...),
		parents:  append([]*Node(nil), parents...),
		digest:   dgst,
		seq:      b.next,
		result:   s.result,
		volatile: volatile,
	}
	b.next++
	b.nodes[dgst] = n
	return n, nil
}

// Returns the node with the given digest.
func (b *Builder) Get(dgst digest.Digest) (*Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[dgst]
	return n, ok
}

// Returns the number of distinct nodes.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nodes)
}

// Computes the digest of an operation without appending it.
//
// The encoding is a version prefix, the kind, the parameters and the parent
// digests, each length-prefixed. It depends on nothing but its inputs, so
// the same operation hashes identically in every process.
func Hash(kind Kind, params []Value, parents []*Node) digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()

	writeString(h, encodingVersion)
	writeString(h, string(kind))
	writeUvarint(h, uint64(len(params)))
	for _, v := range params {
		v.encode(h)
	}
	writeUvarint(h, uint64(len(parents)))
	for _, p := range parents {
		writeString(h, string(p.digest))
	}
	return d.Digest()
}
