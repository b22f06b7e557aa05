// Package build compiles recipes into pipelines and exports the result.
//
// A recipe is an ordered sequence of stages, each starting from a base
// image. Every stage becomes a chain of container operations on a pipeline
// session: run steps become commands, copy steps become directory or file
// copies from the build context or from an earlier stage. The final
// non-transient stage is exported as an OCI image archive. Multi-platform
// builds repeat the compilation per platform, writing each archive to a
// platform-specific output directory.
//
// Step state (environment variables, working directory, shell) is
// accumulated across steps within a stage and reset between stages.
// Standalone modifiers also become part of the stage's container config and
// therefore of the exported image. Modifiers attached to an operation apply
// to that operation only.
//
// Since the pipeline caches every operation, rebuilding an unchanged recipe
// only re-runs the steps whose inputs changed.
//
// Example usage:
//
//	result, err := build.Run(ctx, session, build.Options{
//	    Recipe:    recipe,
//	    Output:    "dist",
//	    Root:      ".",
//	    Platforms: []string{"linux/amd64", "linux/arm64"},
//	})
//	if err != nil {
//	    return err
//	}
package build
