package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/cruciblehq/cruxflow/internal/protocol"
	"github.com/cruciblehq/cruxflow/pipeline"
)

// Represents the 'cruxflow status' command.
type StatusCmd struct{}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	var res protocol.StatusResult
	if err := protocol.Call(ctx, socket(), protocol.CmdStatus, nil, &res); err != nil {
		return err
	}

	fmt.Printf("version:  %s\n", res.Version)
	fmt.Printf("pid:      %d\n", res.Pid)
	fmt.Printf("uptime:   %s\n", res.Uptime)
	fmt.Printf("data:     %s\n", res.DataDir)
	fmt.Printf("builds:   %d succeeded, %d failed\n", res.Builds, res.Failures)
	if res.Active {
		fmt.Println("busy:     yes")
	}
	return nil
}

// Represents the 'cruxflow stop' command.
type StopCmd struct{}

// Executes the stop command.
func (c *StopCmd) Run(ctx context.Context) error {
	if err := protocol.Call(ctx, socket(), protocol.CmdShutdown, nil, nil); err != nil {
		return err
	}
	slog.Info("shutdown requested")
	return nil
}

// Represents the 'cruxflow prune' command.
type PruneCmd struct {
	Local   bool   `help:"Prune in this process instead of through the daemon. The daemon must not be running on the same data directory."`
	DataDir string `help:"Data directory pruned with --local." default:"${dataDir}" type:"path" env:"CRUXFLOW_DATA_DIR"`
}

// Executes the prune command.
func (c *PruneCmd) Run(ctx context.Context) error {
	var res protocol.PruneResult
	if c.Local {
		stats, err := pipeline.Prune(ctx, c.DataDir)
		if err != nil {
			return err
		}
		res = protocol.PruneResult{
			Records:      stats.Records,
			Dropped:      stats.Dropped,
			Blobs:        stats.Blobs,
			Removed:      stats.Removed,
			RemovedBytes: stats.RemovedBytes,
		}
	} else if err := protocol.Call(ctx, socket(), protocol.CmdPrune, nil, &res); err != nil {
		return err
	}

	fmt.Printf("removed %d of %d blobs, %s freed\n", res.Removed, res.Blobs, humanize.Bytes(uint64(res.RemovedBytes)))
	if res.Dropped > 0 {
		fmt.Printf("dropped %d stale cache records\n", res.Dropped)
	}
	return nil
}
