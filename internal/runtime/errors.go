package runtime

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

var (
	ErrRuntime     = errors.New("runtime error")
	ErrInvalidSpec = fmt.Errorf("invalid sandbox spec: %w", cerrdefs.ErrInvalidArgument)
)
