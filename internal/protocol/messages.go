package protocol

import (
	"errors"

	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/recipe"
)

// Payload of [CmdBuild].
type BuildRequest struct {
	Recipe    *recipe.Recipe `json:"recipe"`              // Recipe to run.
	Output    string         `json:"output"`              // Directory receiving the image archives.
	Root      string         `json:"root"`                // Build context, for copy sources.
	Tag       string         `json:"tag,omitempty"`       // Image name recorded in the archives.
	Platforms []string       `json:"platforms,omitempty"` // Target platforms, host platform when empty.
}

// Successful response to [CmdBuild].
type BuildResult struct {
	Output   string   `json:"output"`   // Directory holding the archives.
	Images   []string `json:"images"`   // Archive paths, in platform order.
	Duration string   `json:"duration"` // Wall time of the build.
}

// Successful response to [CmdStatus].
type StatusResult struct {
	Running  bool   `json:"running"`  // Always true for a responding daemon.
	Version  string `json:"version"`  // Daemon version string.
	Pid      int    `json:"pid"`      // Daemon process ID.
	Uptime   string `json:"uptime"`   // Time since the daemon started.
	DataDir  string `json:"dataDir"`  // Directory holding the store and the cache index.
	Builds   int    `json:"builds"`   // Builds completed successfully.
	Failures int    `json:"failures"` // Builds that failed.
	Active   bool   `json:"active"`   // Whether a build or prune is in progress.
}

// Successful response to [CmdPrune].
type PruneResult struct {
	Records      int   `json:"records"`      // Cache records examined.
	Dropped      int   `json:"dropped"`      // Cache records dropped.
	Blobs        int   `json:"blobs"`        // Blobs examined.
	Removed      int   `json:"removed"`      // Blobs deleted.
	RemovedBytes int64 `json:"removedBytes"` // Bytes freed.
}

// Error classes carried by [ErrorResult].
const (
	ClassInvalidOperation = "invalid-operation"
	ClassResolution       = "resolution"
	ClassExecution        = "execution"
	ClassDeadlineExceeded = "deadline-exceeded"
	ClassInternal         = "internal"
	ClassProtocol         = "protocol"
)

// Failed response.
type ErrorResult struct {
	Message  string `json:"message"`            // Error text.
	Class    string `json:"class,omitempty"`    // Error class, empty when unclassified.
	ExitCode int    `json:"exitCode,omitempty"` // Exit code of a failed command.
	Stderr   string `json:"stderr,omitempty"`   // Standard error of a failed command.
}

// Creates the response for an error.
func NewErrorResult(err error) *ErrorResult {
	res := &ErrorResult{Message: err.Error(), Class: classify(err)}
	var execErr *errdefs.ExecutionError
	if errors.As(err, &execErr) {
		res.ExitCode = execErr.ExitCode
		res.Stderr = execErr.Stderr
	}
	return res
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrProtocol):
		return ClassProtocol
	case errdefs.IsInvalidOperation(err):
		return ClassInvalidOperation
	case errdefs.IsResolution(err):
		return ClassResolution
	case errdefs.IsExecution(err):
		return ClassExecution
	case errdefs.IsDeadlineExceeded(err):
		return ClassDeadlineExceeded
	case errdefs.IsInternal(err):
		return ClassInternal
	default:
		return ""
	}
}

// Error reported by the daemon.
type RemoteError struct {
	ErrorResult
}

// Implements [error].
func (e *RemoteError) Error() string {
	return e.Message
}

// Maps the remote class back to the matching error class, so callers can
// use [errors.Is] on remote failures.
func (e *RemoteError) Unwrap() error {
	switch e.Class {
	case ClassInvalidOperation:
		return errdefs.ErrInvalidOperation
	case ClassResolution:
		return errdefs.ErrResolution
	case ClassExecution:
		return errdefs.ErrExecution
	case ClassDeadlineExceeded:
		return errdefs.ErrDeadlineExceeded
	case ClassInternal:
		return errdefs.ErrInternal
	case ClassProtocol:
		return ErrProtocol
	default:
		return nil
	}
}
