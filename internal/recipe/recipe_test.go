package recipe

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
entrypoint: ["/usr/local/bin/app"]
stages:
  - name: build
    from: golang:1.25
    transient: true
    steps:
      - workdir: /src
      - copy: . /src
      - run: go build -o /out/app .
        env:
          CGO_ENABLED: "0"
  - from: alpine:latest
    steps:
      - copy: build:/out/app /usr/local/bin/app
      - platform: linux/arm64
        steps:
          - run: echo arm64 > /etc/flavor
`

func TestParse(t *testing.T) {
	r, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(r.Stages) != 2 {
		t.Fatalf("len(stages) = %d, want 2", len(r.Stages))
	}
	if got := r.Entrypoint; len(got) != 1 || got[0] != "/usr/local/bin/app" {
		t.Fatalf("entrypoint = %v", got)
	}

	build := r.Stages[0]
	if build.Name != "build" || build.From != "golang:1.25" || !build.Transient {
		t.Fatalf("stage 1 = %+v", build)
	}
	if build.Steps[2].Run != "go build -o /out/app ." || build.Steps[2].Env["CGO_ENABLED"] != "0" {
		t.Fatalf("step 3 = %+v", build.Steps[2])
	}

	out, i := r.Output()
	if i != 1 || out.From != "alpine:latest" {
		t.Fatalf("output = %d %+v", i, out)
	}

	group := out.Steps[1]
	if !group.IsGroup() || group.IsOperation() {
		t.Fatalf("step 2 should be a group: %+v", group)
	}
	if !group.AppliesTo("linux/arm64") || group.AppliesTo("linux/amd64") {
		t.Fatal("group should apply to linux/arm64 only")
	}
}

func TestParseRejectsInvalidRecipes(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no stages", "stages: []", "no stages"},
		{"missing from", "stages: [{steps: [{run: x}]}]", "missing from"},
		{"all transient", "stages: [{from: a, transient: true}]", "every stage is transient"},
		{"two outputs", "stages: [{from: a}, {from: b}]", "both non-transient"},
		{"duplicate names", "stages: [{name: x, from: a, transient: true}, {name: x, from: b}]", "duplicate name"},
		{"name with colon", "stages: [{name: 'a:b', from: a}]", "must not contain"},
		{"run and copy", "stages: [{from: a, steps: [{run: x, copy: a b}]}]", "exclusive"},
		{"empty step", "stages: [{from: a, steps: [{}]}]", "empty step"},
		{"bad copy", "stages: [{from: a, steps: [{copy: onlyone}]}]", "source and destination"},
		{"platform without steps", "stages: [{from: a, steps: [{platform: linux/amd64}]}]", "platform requires steps"},
		{"nested group", "stages: [{from: a, steps: [{steps: [{steps: [{run: x}]}]}]}]", "nested"},
		{"group with run", "stages: [{from: a, steps: [{run: x, steps: [{run: y}]}]}]", "group cannot"},
		{"unknown field", "stages: [{from: a, image: b}]", "image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("error %v is not ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recipe.yaml")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Stages) != 2 {
		t.Fatalf("len(stages) = %d, want 2", len(r.Stages))
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); !errors.Is(err, ErrRead) {
		t.Fatalf("error = %v, want ErrRead", err)
	}
}

func TestStageLabel(t *testing.T) {
	if got := StageLabel("build", 0); got != `"build"` {
		t.Errorf("label = %s", got)
	}
	if got := StageLabel("", 2); got != "3" {
		t.Errorf("label = %s", got)
	}
}
