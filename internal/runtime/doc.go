// Package runtime runs commands in containers backed by containerd.
//
// A [Runtime] connects to a containerd daemon and runs each command in a
// fresh container whose root filesystem is a host directory prepared by the
// caller. Host directories can be bound into the container, the process
// runs with the host network, and its output is streamed to the caller.
// The container is removed as soon as the process exits. Cancelling the
// context kills the process.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "cruxflow")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	var stdout, stderr bytes.Buffer
//	code, err := rt.Run(ctx, &runtime.Spec{
//	    Rootfs:  "/var/lib/cruxflow/scratch/rootfs",
//	    Args:    []string{"echo", "hello"},
//	    Workdir: "/",
//	}, &stdout, &stderr)
//	if err != nil {
//	    return err
//	}
package runtime
