// Package scheduler executes the operation graph below a requested node.
//
// A run collects every node reachable from the root, dispatches nodes whose
// parents have all succeeded in insertion order, and executes independent
// nodes concurrently up to a worker limit. Each node is resolved through the
// cache, so nodes already computed in the session, persisted by an earlier
// session or currently being computed by a concurrent run are never executed
// twice.
//
// The first failure stops dispatching. Nodes already running finish, and the
// run reports the failure of the earliest dispatched failed node wrapped in
// an [errdefs.NodeError] naming the path from that node to the root.
//
// Example usage:
//
//	s := scheduler.New(c, solver, scheduler.WithWorkers(4))
//	res, err := s.Run(ctx, node)
package scheduler
