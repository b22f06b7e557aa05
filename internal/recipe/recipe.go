package recipe

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cruciblehq/cruxflow/internal/errdefs"
)

// Build recipe.
type Recipe struct {
	Entrypoint []string `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"` // Entrypoint of the output image.
	Stages     []Stage  `yaml:"stages" json:"stages"`                             // Stages in build order.
}

// Container built from an image by a list of steps.
type Stage struct {
	Name      string `yaml:"name,omitempty" json:"name,omitempty"`           // Name referenced by cross-stage copies.
	From      string `yaml:"from" json:"from"`                               // Base image reference.
	Transient bool   `yaml:"transient,omitempty" json:"transient,omitempty"` // Whether the stage is only a copy source.
	Steps     []Step `yaml:"steps,omitempty" json:"steps,omitempty"`         // Steps in order.
}

// One entry of a stage.
//
// Run and Copy are operations and exclusive. Shell, Workdir and Env are
// modifiers. Platform and Steps form a group.
type Step struct {
	Run      string            `yaml:"run,omitempty" json:"run,omitempty"`           // Shell command.
	Copy     string            `yaml:"copy,omitempty" json:"copy,omitempty"`         // "src dest" or "stage:src dest".
	Shell    string            `yaml:"shell,omitempty" json:"shell,omitempty"`       // Shell running commands.
	Workdir  string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`   // Working directory.
	Env      map[string]string `yaml:"env,omitempty" json:"env,omitempty"`           // Environment variables.
	Platform string            `yaml:"platform,omitempty" json:"platform,omitempty"` // Platform the group applies to.
	Steps    []Step            `yaml:"steps,omitempty" json:"steps,omitempty"`       // Grouped steps.
}

// Whether the step performs an operation.
func (s Step) IsOperation() bool {
	return s.Run != "" || s.Copy != ""
}

// Whether the step is a group.
func (s Step) IsGroup() bool {
	return len(s.Steps) > 0
}

// Whether a group applies when building for platform.
func (s Step) AppliesTo(platform string) bool {
	return s.Platform == "" || s.Platform == platform
}

// Reads and validates a recipe file.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(ErrRead, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Decodes and validates a recipe. Unknown fields are rejected.
func Parse(data []byte) (*Recipe, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var r Recipe
	if err := dec.Decode(&r); err != nil {
		return nil, errdefs.Wrap(ErrInvalid, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Checks the structure of the recipe.
func (r *Recipe) Validate() error {
	if len(r.Stages) == 0 {
		return errdefs.Wrapf(ErrInvalid, "no stages")
	}

	names := make(map[string]bool)
	output := -1
	for i, st := range r.Stages {
		label := StageLabel(st.Name, i)

		if st.Name != "" {
			if strings.ContainsAny(st.Name, ":/ \t") {
				return errdefs.Wrapf(ErrInvalid, "stage %s: name must not contain ':', '/' or spaces", label)
			}
			if names[st.Name] {
				return errdefs.Wrapf(ErrInvalid, "stage %s: duplicate name", label)
			}
			names[st.Name] = true
		}
		if strings.TrimSpace(st.From) == "" {
			return errdefs.Wrapf(ErrInvalid, "stage %s: missing from", label)
		}
		if !st.Transient {
			if output >= 0 {
				return errdefs.Wrapf(ErrInvalid, "stages %s and %s are both non-transient", StageLabel(r.Stages[output].Name, output), label)
			}
			output = i
		}
		if err := validateSteps(st.Steps, false); err != nil {
			return errdefs.Wrapf(ErrInvalid, "stage %s: %w", label, err)
		}
	}

	if output < 0 {
		return errdefs.Wrapf(ErrInvalid, "every stage is transient")
	}
	return nil
}

// Returns the non-transient stage.
func (r *Recipe) Output() (Stage, int) {
	for i, st := range r.Stages {
		if !st.Transient {
			return st, i
		}
	}
	return Stage{}, -1
}

func validateSteps(steps []Step, nested bool) error {
	for i, s := range steps {
		if err := validateStep(s, nested); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func validateStep(s Step, nested bool) error {
	switch {
	case s.Run != "" && s.Copy != "":
		return fmt.Errorf("run and copy are exclusive")
	case s.IsGroup() && s.IsOperation():
		return fmt.Errorf("a group cannot run or copy")
	case s.IsGroup() && nested:
		return fmt.Errorf("groups cannot be nested")
	case s.Platform != "" && !s.IsGroup():
		return fmt.Errorf("platform requires steps")
	case !s.IsGroup() && !s.IsOperation() && s.Shell == "" && s.Workdir == "" && len(s.Env) == 0:
		return fmt.Errorf("empty step")
	}
	if s.Copy != "" && len(strings.Fields(s.Copy)) != 2 {
		return fmt.Errorf("copy expects source and destination, got %q", s.Copy)
	}
	return validateSteps(s.Steps, true)
}

// Returns a label for a stage, preferring the name when available and falling
// back to the 1-based index.
func StageLabel(name string, index int) string {
	if name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("%d", index+1)
}
