// Executes individual graph nodes.
//
// The [Solver] is the executor behind the scheduler: given a node and the
// results of its parents it produces the node's result. Most operations are
// pure tree manipulations in the content-addressed store. Two cross the
// runtime boundary: FromImage resolves an image through a [Puller] and
// ingests its flattened filesystem, and WithExec materialises the container
// into a scratch directory, runs the command through a [Sandbox] and ingests
// the filesystem the command left behind.
//
// Failures are returned as errors classified by the errdefs taxonomy; the
// cache records them as the failed result of the node.
package solver
