// Defines the error taxonomy shared by the engine packages.
//
// Every class is a sentinel that wraps the matching containerd error class,
// so callers may test with either [errors.Is] against the sentinels defined
// here or with the helpers of github.com/containerd/errdefs:
//
//	ErrInvalidOperation   malformed graph construction (invalid argument)
//	ErrResolution         image or input resolution failure (unavailable)
//	ErrExecution          non-zero exit from a command
//	ErrDeadlineExceeded   cooperative cancellation on deadline expiry
//	ErrInternal           store or index inconsistency
//
// Construction errors are returned immediately by the graph builder.
// Execution errors are captured per node and wrapped in a [NodeError] that
// records the chain of operations leading from the failed node to the
// node that was forced by a terminal call.
package errdefs
