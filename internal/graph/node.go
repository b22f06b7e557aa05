package graph

import (
	"cmp"
	"slices"

	"github.com/opencontainers/go-digest"
)

// Immutable operation in the DAG.
//
// Nodes are created by a [Builder] only. Two nodes with the same digest
// describe the same operation; within one builder they are the same pointer.
type Node struct {
	kind     Kind          // Operation kind.
	params   []Value       // Ordered parameters.
	parents  []*Node       // Ordered parent nodes.
	digest   digest.Digest // Content address over kind, params and parent digests.
	seq      uint64        // Insertion sequence; the first append wins.
	result   ResultType    // Type of the value produced.
	volatile bool          // Whether the node or an ancestor uses a cache volume.
}

// Returns the operation kind.
func (n *Node) Kind() Kind {
	return n.kind
}

// Returns a copy of the parameters.
func (n *Node) Params() []Value {
	return slices.Clone(n.params)
}

// Returns the parameter at index i.
//
// The index is guaranteed valid for the kind by the builder.
func (n *Node) Param(i int) Value {
	return n.params[i]
}

// Returns a copy of the parent list.
func (n *Node) Parents() []*Node {
	return slices.Clone(n.parents)
}

// Returns the content address of the node.
func (n *Node) Digest() digest.Digest {
	return n.digest
}

// Returns the insertion sequence number.
func (n *Node) Seq() uint64 {
	return n.seq
}

// Returns the type of the value produced by the node.
func (n *Node) Type() ResultType {
	return n.result
}

// Whether the result depends on the contents of a cache volume.
//
// Volatile results must not be reused across sessions.
func (n *Node) Volatile() bool {
	return n.volatile
}

// Returns every node reachable from root, root included, ordered by
// insertion sequence.
//
// Parents always precede their children in the result because a node can
// only be appended after its parents exist.
func Reachable(root *Node) []*Node {
	seen := map[digest.Digest]bool{root.digest: true}
	stack := []*Node{root}
	var out []*Node
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, n)
		for _, p := range n.parents {
			if !seen[p.digest] {
				seen[p.digest] = true
				stack = append(stack, p)
			}
		}
	}
	slices.SortFunc(out, func(a, b *Node) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}
