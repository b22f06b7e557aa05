package errdefs

import (
	"fmt"
	"strings"
)

// Maximum number of stderr bytes rendered by [ExecutionError.Error]. The
// full stderr is always kept in the Stderr field.
const stderrExcerpt = 4096

// Describes a command that exited with a non-zero code.
type ExecutionError struct {
	Args     []string // Command vector that was executed.
	ExitCode int      // Exit code reported by the sandbox.
	Stdout   string   // Captured standard output.
	Stderr   string   // Captured standard error.
}

// Implements the error interface.
func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("process %q did not complete successfully: exit code: %d", strings.Join(e.Args, " "), e.ExitCode)
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return msg
	}
	if len(stderr) > stderrExcerpt {
		stderr = "..." + stderr[len(stderr)-stderrExcerpt:]
	}
	return msg + "\n" + stderr
}

// Makes every [ExecutionError] match [ErrExecution].
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}
