package volume

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

var (
	ErrInvalidName = fmt.Errorf("invalid volume name: %w", cerrdefs.ErrInvalidArgument)
	ErrLock        = errors.New("failed to lock volume")
)
