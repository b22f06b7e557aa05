package cli

import (
	"context"
	"log/slog"

	"github.com/cruciblehq/cruxflow/internal"
	"github.com/cruciblehq/cruxflow/internal/server"
)

// Represents the 'cruxflow start' command.
type StartCmd struct {
	SessionFlags `embed:""`

	PIDFile string `help:"Override the default PID file path." placeholder:"PATH" env:"CRUXFLOW_PID_FILE"`
	Metrics string `help:"Address serving Prometheus metrics at /metrics. Empty disables it." placeholder:"HOST:PORT" env:"CRUXFLOW_METRICS"`
}

// Executes the start command.
//
// Starts the daemon on a Unix domain socket and blocks until the context
// is cancelled (e.g. via SIGINT or SIGTERM) or a client requests shutdown.
func (c *StartCmd) Run(ctx context.Context) error {
	srv, err := server.New(server.Config{
		SocketPath:     RootCmd.Socket,
		PIDFile:        c.PIDFile,
		DataDir:        c.DataDir,
		MetricsAddress: c.Metrics,
		Session:        c.options(),
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info(internal.Name+" is running", "version", internal.VersionString())

	stopped := make(chan struct{})
	go func() {
		srv.Wait()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case <-stopped:
	}
	return srv.Stop()
}
