// Package graph builds the immutable operation DAG that describes a pipeline.
//
// Every operation is a [Node]: a kind, an ordered list of typed parameters
// and zero or more parent nodes. The identity of a node is the sha256 digest
// of a canonical encoding of those three things, so two structurally equal
// operations built anywhere in a session are the same node. The [Builder]
// validates each operation against the contract of its kind, computes the
// digest and deduplicates against the nodes it already holds.
//
// Nothing in this package executes anything. Nodes only describe work; the
// scheduler walks them and the solver turns them into filesystem snapshots.
//
// Example usage:
//
//	b := graph.NewBuilder()
//
//	base, err := b.Append(graph.KindFromImage, []graph.Value{
//	    graph.String("alpine:3.20"),
//	    graph.String(""),
//	})
//	if err != nil {
//	    return err
//	}
//
//	exec, err := b.Append(graph.KindWithExec, []graph.Value{
//	    graph.Strings("echo", "hi"),
//	    graph.Bool(false),
//	    graph.String(""),
//	}, base)
//	if err != nil {
//	    return err
//	}
//
//	out, err := b.Append(graph.KindStdout, nil, exec)
package graph
