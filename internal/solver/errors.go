package solver

import (
	"fmt"

	"github.com/cruciblehq/cruxflow/internal/errdefs"
)

var (
	ErrNoSandbox = fmt.Errorf("%w: no sandbox configured", errdefs.ErrInternal)
	ErrNoPuller  = fmt.Errorf("%w: no image puller configured", errdefs.ErrInternal)
	ErrNoVolumes = fmt.Errorf("%w: no cache volume manager configured", errdefs.ErrInternal)
)
