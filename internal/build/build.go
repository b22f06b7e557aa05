package build

import (
	"context"
	"log/slog"
	"os"
	goruntime "runtime"

	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/paths"
	"github.com/cruciblehq/cruxflow/internal/recipe"
	"github.com/cruciblehq/cruxflow/pipeline"
)

// Name of the image archive written to each output directory.
const ImageFile = "image.tar"

// Controls recipe execution.
type Options struct {
	Recipe    *recipe.Recipe // Recipe to execute.
	Output    string         // Directory for the exported image.
	Root      string         // Build context, for resolving copy sources.
	Tag       string         // Image name recorded in the archive.
	Platforms []string       // Target platforms (e.g., ["linux/amd64"]). Defaults to host.
}

// Returned after successful recipe execution.
type Result struct {
	Output string   // Directory containing the exported images.
	Images []string // Path of each exported archive, in platform order.
}

// Executes a recipe on a pipeline session.
//
// Stages are compiled in declaration order and the non-transient stage is
// exported as the final image to the output directory.
func Run(ctx context.Context, s *pipeline.Session, opts Options) (*Result, error) {
	if len(opts.Platforms) == 0 {
		opts.Platforms = []string{"linux/" + goruntime.GOARCH}
	}

	slog.Info("executing recipe",
		"output", opts.Output,
		"stages", len(opts.Recipe.Stages),
		"platforms", opts.Platforms,
	)

	if err := os.MkdirAll(opts.Output, paths.DefaultDirMode); err != nil {
		return nil, errdefs.Wrap(ErrOutput, err)
	}

	return newBuilder(s, opts).build(ctx, opts.Recipe.Stages)
}
