package cache

import (
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Lifecycle state of a [Result].
type Status int

const (
	StatusPending   Status = iota // Scheduled, not started.
	StatusRunning                 // Executing.
	StatusSucceeded               // Finished successfully.
	StatusFailed                  // Finished with an error.
)

// Implements [fmt.Stringer].
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Names of result outputs.
const (
	OutputRootfs = "rootfs" // Tree of a container filesystem.
	OutputStdout = "stdout" // Captured standard output.
	OutputStderr = "stderr" // Captured standard error.
	OutputTree   = "tree"   // Tree of a directory value.
	OutputFile   = "file"   // Contents of a file value.
)

// Outputs whose digest names a tree manifest rather than a plain blob.
var treeOutputs = []string{OutputRootfs, OutputTree}

// Filesystem mounted into a container for its execs.
type Mount struct {
	Target string        `json:"target"`           // Absolute path inside the container.
	Tree   digest.Digest `json:"tree,omitempty"`   // Directory tree, for directory mounts.
	Volume string        `json:"volume,omitempty"` // Cache volume name, for cache mounts.
}

// Execution attributes carried from one container operation to the next.
type ContainerConfig struct {
	Workdir  string   `json:"workdir,omitempty"`  // Working directory of execs.
	Env      []string `json:"env,omitempty"`      // Environment in KEY=value form.
	Mounts   []Mount  `json:"mounts,omitempty"`   // Mounts, sorted by target.
	Args     []string `json:"args,omitempty"`     // Command of the most recent exec.
	Platform string   `json:"platform,omitempty"` // Platform of the base image.
}

// Returns a deep copy of the config.
func (c *ContainerConfig) Clone() *ContainerConfig {
	if c == nil {
		return &ContainerConfig{}
	}
	return &ContainerConfig{
		Workdir:  c.Workdir,
		Env:      slices.Clone(c.Env),
		Mounts:   slices.Clone(c.Mounts),
		Args:     slices.Clone(c.Args),
		Platform: c.Platform,
	}
}

// Returns the value of an environment variable.
func (c *ContainerConfig) Getenv(name string) (string, bool) {
	for i := len(c.Env) - 1; i >= 0; i-- {
		k, v, _ := strings.Cut(c.Env[i], "=")
		if k == name {
			return v, true
		}
	}
	return "", false
}

// Sets an environment variable, replacing any previous value.
func (c *ContainerConfig) Setenv(name, value string) {
	kv := name + "=" + value
	for i, e := range c.Env {
		if k, _, _ := strings.Cut(e, "="); k == name {
			c.Env[i] = kv
			return
		}
	}
	c.Env = append(c.Env, kv)
}

// Removes an environment variable.
func (c *ContainerConfig) Unsetenv(name string) {
	c.Env = slices.DeleteFunc(c.Env, func(e string) bool {
		k, _, _ := strings.Cut(e, "=")
		return k == name
	})
}

// Adds a mount, replacing any mount at the same target.
func (c *ContainerConfig) Mount(m Mount) {
	c.Mounts = slices.DeleteFunc(c.Mounts, func(x Mount) bool {
		return x.Target == m.Target
	})
	c.Mounts = append(c.Mounts, m)
	slices.SortFunc(c.Mounts, func(a, b Mount) int {
		return strings.Compare(a.Target, b.Target)
	})
}

// Outcome of executing one node.
//
// A result is created when its node is scheduled and moves to a final state
// exactly once. Final results are shared between callers and must not be
// modified.
type Result struct {
	Status   Status                   `json:"-"`                 // Lifecycle state.
	Outputs  map[string]digest.Digest `json:"outputs,omitempty"` // Named output blobs.
	ExitCode int                      `json:"exitCode"`          // Exit code of the most recent exec.
	Config   *ContainerConfig         `json:"config,omitempty"`  // Container config, for container values.
	Err      error                    `json:"-"`                 // Failure detail, for failed results.
}

// Creates a succeeded result.
func Succeeded(outputs map[string]digest.Digest, exitCode int, cfg *ContainerConfig) *Result {
	return &Result{
		Status:   StatusSucceeded,
		Outputs:  outputs,
		ExitCode: exitCode,
		Config:   cfg,
	}
}

// Creates a failed result.
func Failed(err error) *Result {
	return &Result{Status: StatusFailed, Err: err}
}

// Returns the digest of a named output.
func (r *Result) Output(name string) (digest.Digest, bool) {
	d, ok := r.Outputs[name]
	return d, ok && d != ""
}

// Returns every blob the result references directly: its outputs and the
// trees of its directory mounts.
func (r *Result) Blobs() []digest.Digest {
	var out []digest.Digest
	for _, d := range r.Outputs {
		if d != "" {
			out = append(out, d)
		}
	}
	if r.Config != nil {
		for _, m := range r.Config.Mounts {
			if m.Tree != "" {
				out = append(out, m.Tree)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Returns the referenced digests that name tree manifests.
func (r *Result) Trees() []digest.Digest {
	var out []digest.Digest
	for _, name := range treeOutputs {
		if d, ok := r.Output(name); ok {
			out = append(out, d)
		}
	}
	if r.Config != nil {
		for _, m := range r.Config.Mounts {
			if m.Tree != "" {
				out = append(out, m.Tree)
			}
		}
	}
	return out
}
