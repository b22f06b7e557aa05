package registry

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

var (
	ErrInvalidReference = fmt.Errorf("invalid image reference: %w", cerrdefs.ErrInvalidArgument)
	ErrInvalidPlatform  = fmt.Errorf("invalid platform: %w", cerrdefs.ErrInvalidArgument)
	ErrNoMatchingImage  = fmt.Errorf("no image for platform: %w", cerrdefs.ErrNotFound)
	ErrPull             = errors.New("image pull failed")
	ErrExport           = errors.New("image export failed")
)
