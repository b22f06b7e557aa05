package runtime

import (
	"context"
	"io"
	"log/slog"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"

	"github.com/cruciblehq/cruxflow/internal/errdefs"
)

// Runs a command in a fresh container and returns its exit code.
//
// The container is created on spec.Rootfs, the command runs as its primary
// process with stdout and stderr connected to the given writers, and the
// container is removed once the process exits. A non-zero exit code is not
// treated as an error; the caller decides. When ctx is done the process is
// killed with SIGKILL and the context error is returned.
func (rt *Runtime) Run(ctx context.Context, spec *Spec, stdout, stderr io.Writer) (int, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}

	id := nextContainerID()
	ctr, err := rt.create(ctx, id, spec)
	if err != nil {
		return 0, errdefs.Wrap(ErrRuntime, err)
	}
	defer rt.remove(ctx, ctr)

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	var stdin io.Reader
	var stdinDone <-chan struct{}
	var fed *stdinReader
	if spec.Stdin != nil {
		fed = newStdinReader(spec.Stdin)
		stdin = fed
		stdinDone = fed.Done()
	}

	task, err := ctr.NewTask(ctx, cio.NewCreator(cio.WithStreams(stdin, stdout, stderr)))
	if err != nil {
		return 0, errdefs.Wrap(ErrRuntime, err)
	}

	slog.Debug("sandbox started", "id", id, "args", spec.Args)
	code, err := awaitProcess(ctx, task, stdinDone)
	if fed != nil {
		slog.Debug("sandbox exited", "id", id, "code", code, "stdin", fed.Len(), "error", err)
	} else {
		slog.Debug("sandbox exited", "id", id, "code", code, "error", err)
	}
	return code, err
}

// Waits for a process to exit and returns the exit code.
//
// The process is started, then the function blocks until it exits. If
// stdinDone is non-nil, the process stdin is closed when the channel fires
// so the process receives EOF. If ctx is done first the process is killed
// and ctx's error is returned once it has exited.
func awaitProcess(ctx context.Context, process containerd.Process, stdinDone <-chan struct{}) (int, error) {
	// Waiting must outlive ctx so the exit of a killed process is observed.
	waitCtx := context.WithoutCancel(ctx)

	statusC, err := process.Wait(waitCtx)
	if err != nil {
		return 0, errdefs.Wrap(ErrRuntime, err)
	}

	if err := process.Start(ctx); err != nil {
		return 0, errdefs.Wrap(ErrRuntime, err)
	}

	// Close the container's stdin after the reader is exhausted. Without this
	// the shim keeps its write end of the stdin FIFO open and the process
	// never receives EOF.
	if stdinDone != nil {
		go func() {
			select {
			case <-stdinDone:
				process.CloseIO(waitCtx, containerd.WithStdinCloser)
			case <-ctx.Done():
			}
		}()
	}

	select {
	case exitStatus := <-statusC:
		code, _, err := exitStatus.Result()
		if err != nil {
			return 0, errdefs.Wrap(ErrRuntime, err)
		}
		return int(code), nil

	case <-ctx.Done():
		if err := process.Kill(waitCtx, syscall.SIGKILL); err != nil {
			slog.Warn("failed to kill process", "id", process.ID(), "error", err)
		}
		<-statusC
		return 0, errdefs.FromContext(ctx.Err())
	}
}
