package errdefs

import (
	"context"
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

var (
	ErrInvalidOperation = fmt.Errorf("invalid operation: %w", cerrdefs.ErrInvalidArgument)
	ErrResolution       = fmt.Errorf("resolution failed: %w", cerrdefs.ErrUnavailable)
	ErrExecution        = errors.New("execution failed")
	ErrDeadlineExceeded = fmt.Errorf("deadline exceeded: %w", context.DeadlineExceeded)
	ErrInternal         = fmt.Errorf("internal error: %w", cerrdefs.ErrInternal)
)

// Wraps err under the given error class.
//
// The result matches both class and err with [errors.Is]. A nil err yields
// the bare class.
func Wrap(class, err error) error {
	if err == nil {
		return class
	}
	return fmt.Errorf("%w: %w", class, err)
}

// Wraps a formatted message under the given error class.
func Wrapf(class error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", class, fmt.Errorf(format, args...))
}

// Whether err belongs to the invalid operation class.
func IsInvalidOperation(err error) bool {
	return errors.Is(err, ErrInvalidOperation)
}

// Whether err belongs to the resolution class.
func IsResolution(err error) bool {
	return errors.Is(err, ErrResolution)
}

// Whether err belongs to the execution class.
func IsExecution(err error) bool {
	return errors.Is(err, ErrExecution)
}

// Whether err belongs to the deadline class.
func IsDeadlineExceeded(err error) bool {
	return errors.Is(err, ErrDeadlineExceeded)
}

// Whether err belongs to the internal class.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}

// Maps a context error to the engine taxonomy.
//
// [context.DeadlineExceeded] becomes [ErrDeadlineExceeded]. Any other error,
// including [context.Canceled], is returned unchanged.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrDeadlineExceeded) {
		return Wrap(ErrDeadlineExceeded, err)
	}
	return err
}
