package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cruciblehq/cruxflow/internal/build"
	"github.com/cruciblehq/cruxflow/internal/protocol"
	"github.com/cruciblehq/cruxflow/internal/recipe"
	"github.com/cruciblehq/cruxflow/pipeline"
)

// Represents the 'cruxflow build' command.
type BuildCmd struct {
	SessionFlags `embed:""`

	Recipe   string   `arg:"" optional:"" help:"Recipe file." default:"${recipe}" type:"existingfile"`
	Output   string   `short:"o" help:"Directory receiving the image archives." default:"${output}" type:"path"`
	Root     string   `help:"Build context for copy sources. Defaults to the recipe's directory." type:"path"`
	Tag      string   `short:"t" help:"Image name recorded in the archives."`
	Platform []string `short:"p" help:"Target platform, repeatable. Defaults to the host." sep:","`
	Local    bool     `help:"Build in this process instead of through the daemon."`
}

// Executes the build command.
func (c *BuildCmd) Run(ctx context.Context) error {
	rcp, err := recipe.Load(c.Recipe)
	if err != nil {
		return err
	}

	root := c.Root
	if root == "" {
		root = filepath.Dir(c.Recipe)
	}
	output, err := filepath.Abs(c.Output)
	if err != nil {
		return err
	}

	opts := build.Options{
		Recipe:    rcp,
		Output:    output,
		Root:      root,
		Tag:       c.Tag,
		Platforms: c.Platform,
	}

	start := time.Now()
	var images []string
	if c.Local {
		images, err = c.runLocal(ctx, opts)
	} else {
		images, err = c.runRemote(ctx, opts)
	}
	if err != nil {
		return err
	}

	for _, img := range images {
		fmt.Println(describe(img))
	}
	slog.Info("build finished", "duration", time.Since(start).Truncate(time.Millisecond))
	return nil
}

// Runs the build in a session owned by this process.
func (c *BuildCmd) runLocal(ctx context.Context, opts build.Options) (_ []string, err error) {
	sess, err := pipeline.Connect(ctx, c.options()...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	res, err := build.Run(ctx, sess, opts)
	if err != nil {
		return nil, err
	}
	return res.Images, nil
}

// Sends the build to the daemon. The daemon resolves copy sources on this
// host, so the context must be an absolute path.
func (c *BuildCmd) runRemote(ctx context.Context, opts build.Options) ([]string, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}

	var res protocol.BuildResult
	err = protocol.Call(ctx, socket(), protocol.CmdBuild, &protocol.BuildRequest{
		Recipe:    opts.Recipe,
		Output:    opts.Output,
		Root:      root,
		Tag:       opts.Tag,
		Platforms: opts.Platforms,
	}, &res)
	if err != nil {
		return nil, err
	}
	return res.Images, nil
}

// Formats an image archive path with its size.
func describe(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return path
	}
	return fmt.Sprintf("%s (%s)", path, humanize.Bytes(uint64(info.Size())))
}
