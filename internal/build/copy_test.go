package build

import (
	"testing"
)

func TestParseCopy(t *testing.T) {
	tests := map[string]struct {
		input   string
		workdir string
		src     string
		dest    string
	}{
		"absolute dest":         {input: "file.txt /opt/file.txt", src: "file.txt", dest: "/opt/file.txt"},
		"relative dest":         {input: "file.txt out/", workdir: "/app", src: "file.txt", dest: "/app/out"},
		"dest is cleaned":       {input: "bin ../opt/./bin/", workdir: "/app", src: "bin", dest: "/opt/bin"},
		"tab separated":         {input: "a\t/b", src: "a", dest: "/b"},
		"stage source kept":     {input: "build:/out/app /usr/bin/app", src: "build:/out/app", dest: "/usr/bin/app"},
		"root dest":             {input: ". /", src: ".", dest: "/"},
		"absolute dest ignores": {input: "x /y", workdir: "/app", src: "x", dest: "/y"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			src, dest, err := parseCopy(tt.input, tt.workdir)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if src != tt.src || dest != tt.dest {
				t.Fatalf("got (%q, %q), want (%q, %q)", src, dest, tt.src, tt.dest)
			}
		})
	}
}

func TestParseCopyRejects(t *testing.T) {
	tests := map[string]struct {
		input   string
		workdir string
	}{
		"relative dest without workdir": {input: "file.txt out/"},
		"missing destination":           {input: "file.txt", workdir: "/"},
		"too many tokens":               {input: "a b c", workdir: "/"},
		"empty string":                  {input: "   ", workdir: "/"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if _, _, err := parseCopy(tt.input, tt.workdir); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestParseStageCopy(t *testing.T) {
	stage, p, ok := parseStageCopy("build:/app/bin")
	if !ok || stage != "build" || p != "/app/bin" {
		t.Fatalf("got (%q, %q, %v), want (build, /app/bin, true)", stage, p, ok)
	}

	// The path is returned as written; absoluteness is checked by the copy.
	if _, p, ok := parseStageCopy("build:relative"); !ok || p != "relative" {
		t.Fatalf("got (%q, %v), want (relative, true)", p, ok)
	}

	for _, host := range []string{
		"/usr/local/bin",
		":/some/path",
		"/foo:bar",
		"some/stage:path",
		"file.txt",
		"./a:b",
	} {
		if _, _, ok := parseStageCopy(host); ok {
			t.Errorf("%q parsed as a stage copy", host)
		}
	}
}
