package runtime

import (
	"fmt"
	"io"
	"path"
	"path/filepath"
)

// Describes one command to run in a sandbox.
type Spec struct {
	Rootfs   string    // Host directory used as the root filesystem.
	Args     []string  // Command and arguments.
	Env      []string  // Environment in KEY=value form, merged over the defaults.
	Workdir  string    // Working directory inside the container.
	Mounts   []Mount   // Bind mounts.
	Platform string    // OCI platform, defaults to the host platform.
	Stdin    io.Reader // Standard input, nil for none.
}

// Host directory bound into the container.
type Mount struct {
	Source   string // Host path.
	Target   string // Absolute path inside the container.
	ReadOnly bool   // Whether the mount is read-only.
}

// Checks that the spec can be run.
func (s *Spec) Validate() error {
	if s.Rootfs == "" || !filepath.IsAbs(s.Rootfs) {
		return fmt.Errorf("%w: rootfs %q must be an absolute host path", ErrInvalidSpec, s.Rootfs)
	}
	if len(s.Args) == 0 {
		return fmt.Errorf("%w: empty command", ErrInvalidSpec)
	}
	if s.Workdir != "" && !path.IsAbs(s.Workdir) {
		return fmt.Errorf("%w: workdir %q must be absolute", ErrInvalidSpec, s.Workdir)
	}
	for _, m := range s.Mounts {
		if !path.IsAbs(m.Target) || !filepath.IsAbs(m.Source) {
			return fmt.Errorf("%w: mount %s -> %s must use absolute paths", ErrInvalidSpec, m.Source, m.Target)
		}
	}
	return nil
}
