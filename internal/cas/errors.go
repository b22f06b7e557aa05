package cas

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

var (
	ErrNotFound       = fmt.Errorf("blob not found: %w", cerrdefs.ErrNotFound)
	ErrDigestMismatch = errors.New("digest mismatch")
	ErrInvalidPath    = fmt.Errorf("invalid path: %w", cerrdefs.ErrInvalidArgument)
	ErrNotDirectory   = errors.New("not a directory")
)
