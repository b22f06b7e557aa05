package build

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/recipe"
	"github.com/cruciblehq/cruxflow/pipeline"
)

// Compilation state of one stage.
type stageBuild struct {
	s        *pipeline.Session              // Session the stage is compiled on.
	ctr      *pipeline.Container            // Container after the steps compiled so far.
	platform string                         // Target platform.
	root     string                         // Build context, root for resolving copy sources.
	named    map[string]*pipeline.Container // Earlier named stages, for cross-stage copies.
}

// Executes a list of steps in order.
func (sb *stageBuild) executeSteps(ctx context.Context, steps []recipe.Step, state *stepState) error {
	for i, step := range steps {
		if err := sb.executeStep(ctx, step, state); err != nil {
			return errdefs.Wrapf(ErrBuild, "step %d: %w", i+1, err)
		}
	}
	return nil
}

// Executes a single step, dispatching to operation execution, group recursion,
// or state mutation depending on the step's fields.
func (sb *stageBuild) executeStep(ctx context.Context, step recipe.Step, state *stepState) error {

	// Platform group: apply group-level modifiers and recurse.
	if step.IsGroup() {
		if !step.AppliesTo(sb.platform) {
			slog.Debug("skipping platform group", "group", step.Platform, "platform", sb.platform)
			return nil
		}
		sb.modify(state, step)
		return sb.executeSteps(ctx, step.Steps, state)
	}

	// Operation with optional scoped modifiers.
	if step.IsOperation() {
		return sb.executeOperation(ctx, step, state)
	}

	// Standalone modifier(s): persist in state.
	sb.modify(state, step)
	return nil
}

// Persists the modifiers of a step in the state and the stage container.
func (sb *stageBuild) modify(state *stepState, step recipe.Step) {
	state.apply(step)
	if step.Workdir != "" {
		sb.ctr = sb.ctr.WithWorkdir(state.workdir)
	}
	for _, k := range slices.Sorted(maps.Keys(step.Env)) {
		sb.ctr = sb.ctr.WithEnvVariable(k, step.Env[k])
	}
}

// Executes a run or copy operation with scoped modifier overrides.
//
// Step-level modifiers override the persistent state for this operation only:
// they are set on the container before the operation and reverted after it.
// The operation is evaluated right away so failures are reported against
// their step.
func (sb *stageBuild) executeOperation(ctx context.Context, step recipe.Step, state *stepState) error {
	resolved := state.resolve(step)

	ctr := sb.ctr
	if step.Workdir != "" {
		ctr = ctr.WithWorkdir(resolved.workdir)
	}
	for _, k := range slices.Sorted(maps.Keys(step.Env)) {
		ctr = ctr.WithEnvVariable(k, step.Env[k])
	}

	switch {
	case step.Run != "":
		slog.Debug("run", "command", step.Run, "shell", resolved.shell, "workdir", resolved.workdir, "env", resolved.environ())
		ctr = ctr.WithExec([]string{resolved.shell, "-c", step.Run})

	case step.Copy != "":
		var err error
		if ctr, err = sb.executeCopy(ctx, ctr, step.Copy, resolved.workdir); err != nil {
			return err
		}
	}

	if _, err := ctr.Sync(ctx); err != nil {
		return err
	}
	sb.ctr = restore(ctr, state, step)
	return nil
}

// Reverts the modifiers a step set for its operation.
func restore(ctr *pipeline.Container, state *stepState, step recipe.Step) *pipeline.Container {
	if step.Workdir != "" && state.workdir != "" {
		ctr = ctr.WithWorkdir(state.workdir)
	}
	for _, k := range slices.Sorted(maps.Keys(step.Env)) {
		if v, ok := state.env[k]; ok {
			ctr = ctr.WithEnvVariable(k, v)
		} else {
			ctr = ctr.WithoutEnvVariable(k)
		}
	}
	return ctr
}
