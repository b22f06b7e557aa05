package errdefs

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Identifies one operation in the chain attached to a [NodeError].
type Frame struct {
	Kind   string        // Operation kind, e.g. "withExec".
	Digest digest.Digest // Content address of the node.
}

// Implements [fmt.Stringer].
//
// A malformed digest is printed as is.
func (f Frame) String() string {
	enc := string(f.Digest)
	if f.Digest.Validate() == nil {
		enc = f.Digest.Encoded()
	}
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return fmt.Sprintf("%s@%s", f.Kind, enc)
}

// Attaches graph context to an error raised while executing a node.
//
// Chain lists the failed node first, followed by each descendant on the path
// to the node that was forced by the terminal call.
type NodeError struct {
	Chain []Frame // Failed node followed by its descendants up to the root.
	Err   error   // Underlying error, classified by the taxonomy.
}

// Implements the error interface.
func (e *NodeError) Error() string {
	frames := make([]string, len(e.Chain))
	for i, f := range e.Chain {
		frames[i] = f.String()
	}
	return fmt.Sprintf("%s: %v", strings.Join(frames, " <- "), e.Err)
}

// Returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// Returns the frame of the node that failed.
func (e *NodeError) Failed() Frame {
	if len(e.Chain) == 0 {
		return Frame{}
	}
	return e.Chain[0]
}
