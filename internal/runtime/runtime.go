package runtime

import (
	"context"
	goruntime "runtime"

	containerd "github.com/containerd/containerd/v2/client"

	"github.com/cruciblehq/cruxflow/internal/errdefs"
)

// OCI runtime shim for running containers.
const ociRuntime = "io.containerd.runc.v2"

// Runs commands in containerd containers.
//
// Containers are created without a snapshot: the root filesystem is a host
// directory prepared by the caller, so the runtime never pulls or unpacks
// images itself.
type Runtime struct {
	client *containerd.Client // Containerd client for managing containers.
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. The
// runtime must be closed when no longer needed.
func New(address, namespace string) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, errdefs.Wrap(ErrRuntime, err)
	}
	return &Runtime{client: client}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Returns the version of the containerd daemon.
func (rt *Runtime) Version(ctx context.Context) (string, error) {
	v, err := rt.client.Version(ctx)
	if err != nil {
		return "", errdefs.Wrap(ErrRuntime, err)
	}
	return v.Version, nil
}

// Returns the default OCI platform for the host architecture.
func defaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}
