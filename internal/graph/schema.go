package graph

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/cruciblehq/cruxflow/internal/errdefs"
)

// Contract of an operation kind.
type schema struct {
	params  []ValueType                // Parameter types, in order.
	parents []ResultType               // Parent result types, in order.
	result  ResultType                 // Type of the value produced.
	check   func(params []Value) error // Additional parameter rules.
}

// Valid cache volume and environment variable names.
var (
	volumeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	envName    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

var schemas = map[Kind]schema{
	KindScratch: {
		result: TypeContainer,
	},
	KindFromImage: {
		params: []ValueType{ValueString, ValueString},
		result: TypeContainer,
		check: func(p []Value) error {
			if strings.TrimSpace(p[0].Str()) == "" {
				return fmt.Errorf("empty image reference")
			}
			return nil
		},
	},
	KindWithDirectory: {
		params:  []ValueType{ValueString},
		parents: []ResultType{TypeContainer, TypeDirectory},
		result:  TypeContainer,
		check:   absolute(0),
	},
	KindWithMountedDirectory: {
		params:  []ValueType{ValueString},
		parents: []ResultType{TypeContainer, TypeDirectory},
		result:  TypeContainer,
		check:   mountTarget(0),
	},
	KindWithMountedCache: {
		params:  []ValueType{ValueString, ValueString},
		parents: []ResultType{TypeContainer},
		result:  TypeContainer,
		check: func(p []Value) error {
			if err := mountTarget(0)(p); err != nil {
				return err
			}
			if !volumeName.MatchString(p[1].Str()) {
				return fmt.Errorf("invalid cache volume name %q", p[1].Str())
			}
			return nil
		},
	},
	KindWithWorkdir: {
		params:  []ValueType{ValueString},
		parents: []ResultType{TypeContainer},
		result:  TypeContainer,
		check: func(p []Value) error {
			if p[0].Str() == "" {
				return fmt.Errorf("empty working directory")
			}
			return nil
		},
	},
	KindWithEnvVariable: {
		params:  []ValueType{ValueString, ValueString},
		parents: []ResultType{TypeContainer},
		result:  TypeContainer,
		check: func(p []Value) error {
			if !envName.MatchString(p[0].Str()) {
				return fmt.Errorf("invalid environment variable name %q", p[0].Str())
			}
			return nil
		},
	},
	KindWithFile: {
		params:  []ValueType{ValueString, ValueInt},
		parents: []ResultType{TypeContainer, TypeFile},
		result:  TypeContainer,
		check:   chain(absolute(0), notRoot(0), permission(1)),
	},
	KindWithoutEnvVariable: {
		params:  []ValueType{ValueString},
		parents: []ResultType{TypeContainer},
		result:  TypeContainer,
		check: func(p []Value) error {
			if !envName.MatchString(p[0].Str()) {
				return fmt.Errorf("invalid environment variable name %q", p[0].Str())
			}
			return nil
		},
	},
	KindWithNewFile: {
		params:  []ValueType{ValueString, ValueString, ValueInt},
		parents: []ResultType{TypeContainer},
		result:  TypeContainer,
		check:   chain(absolute(0), notRoot(0), permission(2)),
	},
	KindWithExec: {
		params:  []ValueType{ValueStrings, ValueBool, ValueString},
		parents: []ResultType{TypeContainer},
		result:  TypeContainer,
		check: func(p []Value) error {
			args := p[0].List()
			if len(args) == 0 || args[0] == "" {
				return fmt.Errorf("empty command")
			}
			return nil
		},
	},
	KindStdout: {
		parents: []ResultType{TypeContainer},
		result:  TypeString,
	},
	KindStderr: {
		parents: []ResultType{TypeContainer},
		result:  TypeString,
	},
	KindExitCode: {
		parents: []ResultType{TypeContainer},
		result:  TypeInt,
	},
	KindContainerDirectory: {
		params:  []ValueType{ValueString},
		parents: []ResultType{TypeContainer},
		result:  TypeDirectory,
		check:   absolute(0),
	},
	KindHostDirectory: {
		params: []ValueType{ValueString, ValueDigest},
		result: TypeDirectory,
		check: func(p []Value) error {
			if err := p[1].Digest().Validate(); err != nil {
				return fmt.Errorf("invalid tree digest: %w", err)
			}
			return nil
		},
	},
	KindEmptyDirectory: {
		result: TypeDirectory,
	},
	KindDirectoryWithNewFile: {
		params:  []ValueType{ValueString, ValueString, ValueInt},
		parents: []ResultType{TypeDirectory},
		result:  TypeDirectory,
		check:   chain(inside(0), notRoot(0), permission(2)),
	},
	KindDirectoryWithDirectory: {
		params:  []ValueType{ValueString},
		parents: []ResultType{TypeDirectory, TypeDirectory},
		result:  TypeDirectory,
		check:   inside(0),
	},
	KindDirectoryFile: {
		params:  []ValueType{ValueString},
		parents: []ResultType{TypeDirectory},
		result:  TypeFile,
		check:   chain(inside(0), notRoot(0)),
	},
}

// Checks params and parents against the contract of kind.
func validate(kind Kind, params []Value, parents []*Node) (schema, error) {
	s, ok := schemas[kind]
	if !ok {
		return schema{}, errdefs.Wrapf(errdefs.ErrInvalidOperation, "unknown operation %q", kind)
	}

	if len(params) != len(s.params) {
		return s, errdefs.Wrapf(errdefs.ErrInvalidOperation, "%s: expected %d parameters, got %d", kind, len(s.params), len(params))
	}
	for i, want := range s.params {
		if params[i].Type() != want {
			return s, errdefs.Wrapf(errdefs.ErrInvalidOperation, "%s: parameter %d has type %q, want %q", kind, i, params[i].Type(), want)
		}
	}

	if len(parents) != len(s.parents) {
		return s, errdefs.Wrapf(errdefs.ErrInvalidOperation, "%s: expected %d parents, got %d", kind, len(s.parents), len(parents))
	}
	for i, want := range s.parents {
		if parents[i] == nil {
			return s, errdefs.Wrapf(errdefs.ErrInvalidOperation, "%s: parent %d is nil", kind, i)
		}
		if got := parents[i].Type(); got != want {
			return s, errdefs.Wrapf(errdefs.ErrInvalidOperation, "%s: parent %d is a %s, want a %s", kind, i, got, want)
		}
	}

	if s.check != nil {
		if err := s.check(params); err != nil {
			return s, errdefs.Wrap(errdefs.ErrInvalidOperation, fmt.Errorf("%s: %w", kind, err))
		}
	}
	return s, nil
}

// Requires the path parameter at index i to be absolute and not escape the
// root.
func absolute(i int) func([]Value) error {
	return func(p []Value) error {
		s := p[i].Str()
		if !path.IsAbs(s) {
			return fmt.Errorf("path %q must be absolute", s)
		}
		return noEscape(s)
	}
}

// Requires a mount target: absolute and not the root.
func mountTarget(i int) func([]Value) error {
	return chain(absolute(i), notRoot(i))
}

// Requires the path parameter at index i to stay inside its directory.
func inside(i int) func([]Value) error {
	return func(p []Value) error {
		return noEscape(p[i].Str())
	}
}

// Rejects paths that resolve to the root.
func notRoot(i int) func([]Value) error {
	return func(p []Value) error {
		if path.Clean("/"+p[i].Str()) == "/" {
			return fmt.Errorf("path %q refers to the root", p[i].Str())
		}
		return nil
	}
}

// Requires the integer parameter at index i to be a permission mode.
func permission(i int) func([]Value) error {
	return func(p []Value) error {
		if n := p[i].Int(); n < 0 || n > 0o7777 {
			return fmt.Errorf("invalid permissions %#o", n)
		}
		return nil
	}
}

func noEscape(s string) error {
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("path %q contains a NUL byte", s)
	}
	for _, part := range strings.Split(s, "/") {
		if part == ".." {
			return fmt.Errorf("path %q escapes the root", s)
		}
	}
	return nil
}

func chain(checks ...func([]Value) error) func([]Value) error {
	return func(p []Value) error {
		for _, c := range checks {
			if err := c(p); err != nil {
				return err
			}
		}
		return nil
	}
}
