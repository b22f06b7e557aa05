package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/oci"
	cerrdefs "github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Environment every sandbox starts from. Entries of [Spec.Env] override it.
var defaultEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
}

// Sequence counter for generating unique container identifiers.
var containerSeq uint64

// Returns a unique container identifier.
//
// The process ID keeps identifiers from concurrent engine processes sharing
// one containerd namespace apart.
func nextContainerID() string {
	return fmt.Sprintf("cruxflow-%d-%d", os.Getpid(), atomic.AddUint64(&containerSeq, 1))
}

// Creates a containerd container for a spec.
//
// The container uses the host network namespace and resolver configuration
// and runs directly on the host rootfs directory without a snapshot.
func (rt *Runtime) create(ctx context.Context, id string, spec *Spec) (containerd.Container, error) {
	platform := spec.Platform
	if platform == "" {
		platform = defaultPlatform()
	}

	opts := []oci.SpecOpts{
		oci.WithDefaultSpecForPlatform(platform),
		oci.WithRootFSPath(spec.Rootfs),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
		oci.WithProcessArgs(spec.Args...),
		oci.WithEnv(mergeEnv(defaultEnv, spec.Env)),
		oci.WithMounts(bindMounts(spec.Mounts)),
	}
	if spec.Workdir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.Workdir))
	}

	return rt.client.NewContainer(ctx, id,
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithNewSpec(opts...),
	)
}

// Converts sandbox mounts into OCI bind mounts.
func bindMounts(mounts []Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		out = append(out, specs.Mount{
			Destination: m.Target,
			Type:        "bind",
			Source:      m.Source,
			Options:     []string{"rbind", mode},
		})
	}
	return out
}

// Removes a container and its task.
//
// Runs with a context detached from ctx so that a cancelled run still
// cleans up after itself. Errors are logged, not returned.
func (rt *Runtime) remove(ctx context.Context, ctr containerd.Container) {
	ctx = context.WithoutCancel(ctx)

	if task, err := ctr.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !cerrdefs.IsNotFound(err) {
			slog.Warn("failed to delete task", "id", ctr.ID(), "error", err)
		}
	}

	if err := ctr.Delete(ctx); err != nil && !cerrdefs.IsNotFound(err) {
		slog.Warn("failed to delete container", "id", ctr.ID(), "error", err)
	}
}

// Merges override env vars on top of a base env slice.
//
// The result is sorted so that the same inputs always produce the same
// process spec.
func mergeEnv(base, overrides []string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, entry := range base {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}
	for _, entry := range overrides {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}

	result := make([]string, 0, len(merged))
	for k, v := range merged {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}
