package pipeline

import "github.com/cruciblehq/cruxflow/internal/errdefs"

// Error classes returned by terminal calls. Test with [errors.Is].
var (
	ErrInvalidOperation = errdefs.ErrInvalidOperation // Malformed operation.
	ErrResolution       = errdefs.ErrResolution       // Image or input could not be resolved.
	ErrExecution        = errdefs.ErrExecution        // Command exited with a non-zero code.
	ErrDeadlineExceeded = errdefs.ErrDeadlineExceeded // Context deadline expired during a run.
	ErrInternal         = errdefs.ErrInternal         // Store or index inconsistency.
)

// Details of a command that exited with a non-zero code. Retrieve with
// [errors.As].
type ExecutionError = errdefs.ExecutionError

// Failure of one operation, with the chain of operations leading from it
// to the handle a terminal call was made on.
type NodeError = errdefs.NodeError
