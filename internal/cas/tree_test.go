package cas

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func paths(t *Tree) []string {
	out := make([]string, len(t.Entries))
	for i, e := range t.Entries {
		out[i] = e.Path
	}
	return out
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "/", want: ""},
		{in: "", want: ""},
		{in: "/src/", want: "src"},
		{in: "a//b/./c", want: "a/b/c"},
		{in: "/mnt/../etc", wantErr: true},
		{in: "..", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CleanPath(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNewTreeAddsAncestors(t *testing.T) {
	tree, err := NewTree([]Entry{
		{Path: "/usr/bin/tool", Type: TypeFile, Mode: 0755},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"usr", "usr/bin", "usr/bin/tool"}, paths(tree))

	e, ok := tree.Lookup("/usr/bin")
	require.True(t, ok)
	require.Equal(t, TypeDir, e.Type)
}

func TestNewTreeEntryBelowSymlink(t *testing.T) {
	tree, err := NewTree([]Entry{
		{Path: "a", Type: TypeSymlink, Mode: 0777, Target: "/etc"},
		{Path: "a/x", Type: TypeFile, Mode: 0644},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "a/x"}, paths(tree))

	e, ok := tree.Lookup("a")
	require.True(t, ok)
	require.Equal(t, TypeDir, e.Type)
	require.Empty(t, e.Target)

	tree, err = NewTree([]Entry{
		{Path: "a/x", Type: TypeFile, Mode: 0644},
		{Path: "a", Type: TypeSymlink, Mode: 0777, Target: "/etc"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, paths(tree), "a later symlink drops what was below its path")
}

func TestOverlay(t *testing.T) {
	base, err := NewTree([]Entry{
		{Path: "etc/hosts", Type: TypeFile, Mode: 0644, Digest: digest.FromString("hosts")},
		{Path: "src", Type: TypeFile, Mode: 0644, Digest: digest.FromString("clash")},
		{Path: "keep", Type: TypeFile, Mode: 0644, Digest: digest.FromString("keep")},
	})
	require.NoError(t, err)

	src, err := NewTree([]Entry{
		{Path: "main.go", Type: TypeFile, Mode: 0644, Digest: digest.FromString("main")},
		{Path: "pkg/lib.go", Type: TypeFile, Mode: 0644, Digest: digest.FromString("lib")},
	})
	require.NoError(t, err)

	out, err := Overlay(base, src, "/src")
	require.NoError(t, err)
	require.Equal(t, []string{"etc", "etc/hosts", "keep", "src", "src/main.go", "src/pkg", "src/pkg/lib.go"}, paths(out))

	e, ok := out.Lookup("src")
	require.True(t, ok)
	require.Equal(t, TypeDir, e.Type, "file at mount path must be replaced by a directory")

	// Inputs are untouched.
	e, ok = base.Lookup("src")
	require.True(t, ok)
	require.Equal(t, TypeFile, e.Type)
}

func TestOverlayFileReplacesDirectory(t *testing.T) {
	base, err := NewTree([]Entry{
		{Path: "data/a", Type: TypeFile, Digest: digest.FromString("a")},
	})
	require.NoError(t, err)

	out, err := WithEntry(base, Entry{Path: "data", Type: TypeFile, Digest: digest.FromString("flat")})
	require.NoError(t, err)
	require.Equal(t, []string{"data"}, paths(out))
}

func TestSubtree(t *testing.T) {
	tree, err := NewTree([]Entry{
		{Path: "app/bin/run", Type: TypeFile, Digest: digest.FromString("run")},
		{Path: "app.txt", Type: TypeFile, Digest: digest.FromString("txt")},
	})
	require.NoError(t, err)

	sub, err := Subtree(tree, "/app")
	require.NoError(t, err)
	require.Equal(t, []string{"bin", "bin/run"}, paths(sub))

	_, err = Subtree(tree, "/missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = Subtree(tree, "/app.txt")
	require.ErrorIs(t, err, ErrNotDirectory)
}

func TestWithout(t *testing.T) {
	tree, err := NewTree([]Entry{
		{Path: "mnt/data/x", Type: TypeFile, Digest: digest.FromString("x")},
		{Path: "out", Type: TypeFile, Digest: digest.FromString("out")},
	})
	require.NoError(t, err)

	out, err := Without(tree, "/mnt")
	require.NoError(t, err)
	require.Equal(t, []string{"mnt", "out"}, paths(out))
}

func TestReadDir(t *testing.T) {
	tree, err := NewTree([]Entry{
		{Path: "a/one", Type: TypeFile, Digest: digest.FromString("1")},
		{Path: "a/two/deep", Type: TypeFile, Digest: digest.FromString("2")},
	})
	require.NoError(t, err)

	entries, err := ReadDir(tree, "a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "one", entries[0].Path)
	require.Equal(t, "two", entries[1].Path)
}

func TestIngestMaterializeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub", "skip"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "file.txt"), []byte("payload"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "skip", "hidden"), []byte("x"), 0644))
	require.NoError(t, os.Symlink("sub/file.txt", filepath.Join(src, "link")))

	dgst, err := IngestDir(ctx, s, src, []string{"sub/skip"})
	require.NoError(t, err)

	again, err := IngestDir(ctx, s, src, []string{"sub/skip"})
	require.NoError(t, err)
	require.Equal(t, dgst, again, "ingesting the same directory twice must yield the same digest")

	tree, err := LoadTree(ctx, s, dgst)
	require.NoError(t, err)
	require.Equal(t, []string{"link", "sub", "sub/file.txt", "sub/skip"}, paths(tree))

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Materialize(ctx, s, tree, dest))

	b, err := os.ReadFile(filepath.Join(dest, "sub", "file.txt"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(b))

	info, err := os.Stat(filepath.Join(dest, "sub", "file.txt"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0640), info.Mode().Perm())

	target, err := os.Readlink(filepath.Join(dest, "link"))
	require.NoError(t, err)
	require.Equal(t, "sub/file.txt", target)
}

func TestTarRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	f, err := PutBytes(ctx, s, []byte("contents"))
	require.NoError(t, err)

	tree, err := NewTree([]Entry{
		{Path: "bin/app", Type: TypeFile, Mode: 0755, Size: 8, Digest: f},
		{Path: "bin/alias", Type: TypeSymlink, Mode: 0777, Target: "app"},
	})
	require.NoError(t, err)
	want, err := SaveTree(ctx, s, tree)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteTar(ctx, s, tree, &buf))

	got, err := IngestTar(ctx, s, &buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestIngestTarEntryBelowSymlink(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "a", Typeflag: tar.TypeSymlink, Linkname: "/etc", Mode: 0777}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "a/x", Typeflag: tar.TypeReg, Mode: 0644, Size: 2}))
	_, err := tw.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	dgst, err := IngestTar(ctx, s, &buf)
	require.NoError(t, err)
	tree, err := LoadTree(ctx, s, dgst)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "a/x"}, paths(tree))

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Materialize(ctx, s, tree, dest))

	b, err := os.ReadFile(filepath.Join(dest, "a", "x"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(b))
}
