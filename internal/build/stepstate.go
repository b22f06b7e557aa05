package build

import (
	"context"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/cruciblehq/cruxflow/internal/recipe"
	"github.com/cruciblehq/cruxflow/pipeline"
)

// Default shell used for run steps when no shell modifier has been set.
const defaultShell = "/bin/sh"

// Tracks accumulated modifiers during step execution.
//
// State flows linearly through the step list. Standalone modifiers update
// the state permanently via apply. Operations read the effective values for
// a single step via resolve without modifying the persistent state.
type stepState struct {
	shell   string
	workdir string
	env     map[string]string
}

// Creates a new [stepState] starting from a working directory and an
// environment in KEY=value form.
func newStepState(workdir string, environ []string) *stepState {
	s := &stepState{
		shell:   defaultShell,
		workdir: workdir,
		env:     make(map[string]string, len(environ)),
	}
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		s.env[k] = v
	}
	return s
}

// Creates the state of a stage from its base container.
func stateOf(ctx context.Context, ctr *pipeline.Container) (*stepState, error) {
	workdir, err := ctr.Workdir(ctx)
	if err != nil {
		return nil, err
	}
	env, err := ctr.EnvVariables(ctx)
	if err != nil {
		return nil, err
	}
	return newStepState(workdir, env), nil
}

// Persists modifier fields from a step into the state.
//
// Called for standalone modifier steps and platform groups. The state is
// mutated permanently, affecting all subsequent steps.
func (s *stepState) apply(step recipe.Step) {
	if step.Shell != "" {
		s.shell = step.Shell
	}
	if step.Workdir != "" {
		s.workdir = s.join(step.Workdir)
	}
	maps.Copy(s.env, step.Env)
}

// Returns a new [stepState] with step-level modifiers overlaid on the
// persistent state. The receiver is not modified.
//
// Step-level modifiers override the corresponding state values for this
// operation only.
func (s *stepState) resolve(step recipe.Step) *stepState {
	resolved := &stepState{
		shell:   s.shell,
		workdir: s.workdir,
		env:     make(map[string]string, len(s.env)+len(step.Env)),
	}
	maps.Copy(resolved.env, s.env)
	maps.Copy(resolved.env, step.Env)

	if step.Shell != "" {
		resolved.shell = step.Shell
	}
	if step.Workdir != "" {
		resolved.workdir = s.join(step.Workdir)
	}

	return resolved
}

// Formats the environment as a sorted list of "key=value" strings.
func (s *stepState) environ() []string {
	env := make([]string, 0, len(s.env))
	for _, k := range slices.Sorted(maps.Keys(s.env)) {
		env = append(env, k+"="+s.env[k])
	}
	return env
}

// Resolves a working directory against the current one.
func (s *stepState) join(dir string) string {
	if path.IsAbs(dir) || s.workdir == "" {
		return dir
	}
	return path.Join(s.workdir, dir)
}
