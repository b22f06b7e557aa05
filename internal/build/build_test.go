package build

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"slices"
	"testing"

	"github.com/cruciblehq/cruxflow/internal/recipe"
	"github.com/cruciblehq/cruxflow/internal/registry"
	"github.com/cruciblehq/cruxflow/internal/testutil"
	"github.com/cruciblehq/cruxflow/pipeline"
)

const testRecipe = `
entrypoint: ["/usr/local/bin/app"]
stages:
  - name: build
    from: golang:1.25
    transient: true
    steps:
      - workdir: /src
      - copy: . /src
      - run: cat main.go && write /out/app binary
  - from: alpine:latest
    steps:
      - env:
          MODE: release
      - copy: build:/out/app /usr/local/bin/app
      - copy: build:/src/main.go main.go
      - run: write /scoped.txt ok
        workdir: /tmp
        env:
          SCOPED: "1"
      - platform: linux/arm64
        steps:
          - run: write /etc/arch arm64
      - platform: linux/amd64
        steps:
          - run: write /etc/arch amd64
`

func testImages() map[string]testutil.Image {
	return map[string]testutil.Image{
		"golang:1.25": {
			Files:  map[string]string{"usr/local/go/VERSION": "go1.25\n"},
			Config: registry.Config{Env: []string{"PATH=/usr/local/go/bin:/usr/bin"}, WorkingDir: "/go"},
		},
		"alpine:latest": {
			Files:  map[string]string{"etc/alpine-release": "3.20.0\n"},
			Config: registry.Config{Env: []string{"PATH=/usr/bin:/bin"}},
		},
	}
}

func session(t *testing.T, dataDir string, sb *testutil.Sandbox, opts ...pipeline.Option) *pipeline.Session {
	t.Helper()
	opts = append([]pipeline.Option{
		pipeline.WithDataDir(dataDir),
		pipeline.WithSandbox(sb),
		pipeline.WithPuller(testutil.NewPuller(testImages())),
	}, opts...)
	s, err := pipeline.Connect(context.Background(), opts...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func buildContext(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRunMultiPlatform(t *testing.T) {
	r, err := recipe.Parse([]byte(testRecipe))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "dist")
	sb := testutil.NewSandbox()
	s := session(t, t.TempDir(), sb)

	res, err := Run(ctx, s, Options{
		Recipe:    r,
		Output:    out,
		Root:      buildContext(t),
		Tag:       "example.com/app:dev",
		Platforms: []string{"linux/amd64", "linux/arm64"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		filepath.Join(out, "linux-amd64", ImageFile),
		filepath.Join(out, "linux-arm64", ImageFile),
	}
	if !slices.Equal(res.Images, want) {
		t.Fatalf("images = %v, want %v", res.Images, want)
	}

	// Reads the archives back through a session that pulls them.
	reader, err := pipeline.Connect(ctx,
		pipeline.WithDataDir(t.TempDir()),
		pipeline.WithSandbox(testutil.NewSandbox()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	for i, platform := range []string{"linux/amd64", "linux/arm64"} {
		img := reader.Container().FromPlatform(registry.OCIArchivePrefix+res.Images[i], platform)

		files := map[string]string{
			"/etc/arch":           path.Base(platform),
			"/etc/alpine-release": "3.20.0\n",
			"/usr/local/bin/app":  "binary",
			"/main.go":            "package main\n",
			"/scoped.txt":         "ok",
		}
		for p, contents := range files {
			got, err := img.File(p).Contents(ctx)
			if err != nil {
				t.Fatalf("%s %s: %v", platform, p, err)
			}
			if got != contents {
				t.Errorf("%s %s = %q, want %q", platform, p, got, contents)
			}
		}

		env, err := img.EnvVariables(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Contains(env, "MODE=release") {
			t.Errorf("%s env = %v, want MODE=release", platform, env)
		}
		if slices.Contains(env, "SCOPED=1") {
			t.Errorf("%s env = %v, scoped variable leaked", platform, env)
		}

		workdir, err := img.Workdir(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if workdir != "/" {
			t.Errorf("%s workdir = %q, want /", platform, workdir)
		}
	}

	// The build stage does not depend on the platform-specific steps, but
	// its base image does, so it ran once per platform.
	if n := sb.CallsOf("/bin/sh", "-c", "cat main.go && write /out/app binary"); n != 2 {
		t.Errorf("build step ran %d times, want 2", n)
	}
}

func TestRunSinglePlatformUsesOutputDirectly(t *testing.T) {
	r, err := recipe.Parse([]byte("stages: [{from: alpine:latest, steps: [{run: write /hello world}]}]"))
	if err != nil {
		t.Fatal(err)
	}

	out := t.TempDir()
	res, err := Run(context.Background(), session(t, t.TempDir(), testutil.NewSandbox()), Options{
		Recipe:    r,
		Output:    out,
		Platforms: []string{"linux/amd64"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(out, ImageFile); len(res.Images) != 1 || res.Images[0] != want {
		t.Fatalf("images = %v, want [%s]", res.Images, want)
	}
	if _, err := os.Stat(res.Images[0]); err != nil {
		t.Fatal(err)
	}
}

func TestRunRebuildIsCached(t *testing.T) {
	r, err := recipe.Parse([]byte(testRecipe))
	if err != nil {
		t.Fatal(err)
	}

	dataDir := t.TempDir()
	root := buildContext(t)
	sb := testutil.NewSandbox()

	for range 2 {
		s := session(t, dataDir, sb)
		_, err := Run(context.Background(), s, Options{
			Recipe:    r,
			Output:    t.TempDir(),
			Root:      root,
			Platforms: []string{"linux/amd64"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		s.Close()
	}

	if n := sb.CallsOf("/bin/sh", "-c", "cat main.go && write /out/app binary"); n != 1 {
		t.Errorf("build step ran %d times, want 1", n)
	}
}

func TestRunFailingStep(t *testing.T) {
	r, err := recipe.Parse([]byte(`
stages:
  - from: alpine:latest
    steps:
      - run: "true"
      - run: cat /missing
`))
	if err != nil {
		t.Fatal(err)
	}

	_, err = Run(context.Background(), session(t, t.TempDir(), testutil.NewSandbox()), Options{
		Recipe: r,
		Output: t.TempDir(),
	})
	if !errors.Is(err, ErrBuild) {
		t.Fatalf("error = %v, want ErrBuild", err)
	}
	if !errors.Is(err, pipeline.ErrExecution) {
		t.Fatalf("error = %v, want ErrExecution", err)
	}

	var execErr *pipeline.ExecutionError
	if !errors.As(err, &execErr) || execErr.ExitCode != 1 {
		t.Fatalf("error = %v, want exit code 1", err)
	}
}

func TestRunCopyErrors(t *testing.T) {
	tests := []struct {
		name string
		copy string
	}{
		{"unknown stage", "nope:/x /x"},
		{"missing host file", "missing.txt /x"},
		{"relative stage path", "base:x /x"},
		{"missing stage path", "base:/missing /x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recipe.Recipe{Stages: []recipe.Stage{
				{Name: "base", From: "alpine:latest", Transient: true},
				{From: "alpine:latest", Steps: []recipe.Step{{Copy: tt.copy}}},
			}}
			_, err := Run(context.Background(), session(t, t.TempDir(), testutil.NewSandbox()), Options{
				Recipe: r,
				Output: t.TempDir(),
				Root:   t.TempDir(),
			})
			if !errors.Is(err, ErrCopy) {
				t.Fatalf("error = %v, want ErrCopy", err)
			}
		})
	}
}
