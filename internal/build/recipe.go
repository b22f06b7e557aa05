package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/paths"
	"github.com/cruciblehq/cruxflow/internal/recipe"
	"github.com/cruciblehq/cruxflow/pipeline"
)

// Holds shared state for building all stages of a recipe.
type builder struct {
	s          *pipeline.Session // Session the stages are compiled on.
	output     string            // Output directory for the final build artifact.
	context    string            // Build context, root for resolving copy sources.
	tag        string            // Image name recorded in the archive.
	entrypoint []string          // OCI entrypoint to set on the output image.
	platforms  []string          // Target platforms to build for.
}

// Creates a new [builder] from the given options.
func newBuilder(s *pipeline.Session, opts Options) *builder {
	return &builder{
		s:          s,
		output:     opts.Output,
		context:    opts.Root,
		tag:        opts.Tag,
		entrypoint: opts.Recipe.Entrypoint,
		platforms:  opts.Platforms,
	}
}

// Builds the recipe end-to-end.
//
// Each target platform is built independently. Stages are compiled in
// declaration order for each platform and the non-transient stage is
// exported to the platform's output directory.
func (b *builder) build(ctx context.Context, stages []recipe.Stage) (*Result, error) {
	res := &Result{Output: b.output}
	for _, platform := range b.platforms {
		image, err := b.buildPlatform(ctx, stages, platform)
		if err != nil {
			return nil, err
		}
		res.Images = append(res.Images, image)
	}
	return res, nil
}

// Builds all stages of the recipe for a single platform and returns the path
// of the exported archive.
//
// Each platform keeps its own set of named stage containers for cross-stage
// copy lookups.
func (b *builder) buildPlatform(ctx context.Context, stages []recipe.Stage, platform string) (string, error) {
	slog.Info("building platform", "platform", platform)

	output := b.platformOutput(platform)
	if err := os.MkdirAll(output, paths.DefaultDirMode); err != nil {
		return "", errdefs.Wrap(ErrOutput, err)
	}

	named := make(map[string]*pipeline.Container)
	image := filepath.Join(output, ImageFile)

	for i, stage := range stages {
		ctr, err := b.buildStage(ctx, stage, i, platform, named)
		if err != nil {
			return "", errdefs.Wrapf(ErrBuild, "platform %s, stage %s: %w", platform, recipe.StageLabel(stage.Name, i), err)
		}
		if stage.Name != "" {
			named[stage.Name] = ctr
		}
		if stage.Transient {
			continue
		}

		err = ctr.Export(ctx, image, pipeline.ExportOpts{
			Tag:        b.tag,
			Format:     pipeline.FormatOCI,
			Entrypoint: b.entrypoint,
		})
		if err != nil {
			return "", errdefs.Wrapf(ErrExport, "platform %s, stage %s: %w", platform, recipe.StageLabel(stage.Name, i), err)
		}
		if info, err := os.Stat(image); err == nil {
			slog.Info("exported image", "platform", platform, "path", image, "size", humanize.Bytes(uint64(info.Size())))
		}
	}

	return image, nil
}

// Compiles a single stage for a specific platform.
//
// The stage container starts from the base image and is evaluated once so
// the step state can inherit the image's working directory and environment.
func (b *builder) buildStage(ctx context.Context, stage recipe.Stage, index int, platform string, named map[string]*pipeline.Container) (*pipeline.Container, error) {
	slog.Info(fmt.Sprintf("building stage %s", recipe.StageLabel(stage.Name, index)), "platform", platform)

	ctr := b.s.Container().FromPlatform(stage.From, platform)

	state, err := stateOf(ctx, ctr)
	if err != nil {
		return nil, err
	}

	sb := &stageBuild{
		s:        b.s,
		ctr:      ctr,
		platform: platform,
		root:     b.context,
		named:    named,
	}
	if err := sb.executeSteps(ctx, stage.Steps, state); err != nil {
		return nil, err
	}

	// Evaluate every stage, so a failing transient stage fails the build
	// even when nothing copies from it.
	return sb.ctr.Sync(ctx)
}

// Returns the output directory for a specific platform.
//
// When building for a single platform, the output directory is left as-is
// to preserve the {output}/image.tar convention. For multi-platform builds,
// each platform gets a subdirectory (e.g., {output}/linux-amd64).
func (b *builder) platformOutput(platform string) string {
	if len(b.platforms) == 1 {
		return b.output
	}
	return filepath.Join(b.output, platformSlug(platform))
}

// Converts a platform string to a filesystem-safe slug.
//
// Replaces slashes with dashes (e.g., "linux/amd64" becomes "linux-amd64").
func platformSlug(platform string) string {
	return strings.ReplaceAll(platform, "/", "-")
}
