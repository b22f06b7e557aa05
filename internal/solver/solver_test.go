package solver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/cruxflow/internal/cache"
	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/graph"
	"github.com/cruciblehq/cruxflow/internal/registry"
	"github.com/cruciblehq/cruxflow/internal/scheduler"
	"github.com/cruciblehq/cruxflow/internal/testutil"
	"github.com/cruciblehq/cruxflow/internal/volume"
)

type harness struct {
	t       *testing.T
	store   *cas.Local
	sandbox *testutil.Sandbox
	puller  *testutil.Puller
	volumes *volume.Manager
	b       *graph.Builder
	sched   *scheduler.Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := cas.NewLocal(t.TempDir())
	require.NoError(t, err)
	vols, err := volume.NewManager(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		t:       t,
		store:   store,
		sandbox: testutil.NewSandbox(),
		puller: testutil.NewPuller(map[string]testutil.Image{
			"alpine": {
				Files:  map[string]string{"etc/os-release": "ID=alpine\n"},
				Config: registry.Config{Env: []string{"PATH=/usr/bin:/bin"}, WorkingDir: "/root"},
			},
		}),
		volumes: vols,
	}
	h.session()
	return h
}

// Starts a new session sharing the store and the volumes.
func (h *harness) session() {
	s := New(h.store,
		WithSandbox(h.sandbox),
		WithPuller(h.puller),
		WithVolumes(h.volumes),
		WithScratchDir(h.t.TempDir()),
	)
	h.b = graph.NewBuilder()
	h.sched = scheduler.New(cache.New(h.store), s)
}

func (h *harness) node(kind graph.Kind, params []graph.Value, parents ...*graph.Node) *graph.Node {
	h.t.Helper()
	n, err := h.b.Append(kind, params, parents...)
	require.NoError(h.t, err)
	return n
}

func (h *harness) from(ref string) *graph.Node {
	return h.node(graph.KindFromImage, []graph.Value{graph.String(ref), graph.String("")})
}

func (h *harness) exec(parent *graph.Node, args ...string) *graph.Node {
	return h.node(graph.KindWithExec, []graph.Value{graph.Strings(args...), graph.Bool(false), graph.String("")}, parent)
}

func (h *harness) run(n *graph.Node) (*cache.Result, error) {
	return h.sched.Run(context.Background(), n)
}

// Runs n and returns the contents of one of its outputs.
func (h *harness) text(n *graph.Node, output string) string {
	h.t.Helper()
	r, err := h.run(n)
	require.NoError(h.t, err)
	dgst, ok := r.Output(output)
	require.True(h.t, ok, "missing output %s", output)
	b, err := cas.ReadBlob(context.Background(), h.store, dgst)
	require.NoError(h.t, err)
	return string(b)
}

func (h *harness) stdout(ctr *graph.Node) string {
	return h.text(h.node(graph.KindStdout, nil, ctr), cache.OutputStdout)
}

func TestEchoStdout(t *testing.T) {
	h := newHarness(t)
	ctr := h.exec(h.from("alpine"), "echo", "hi")
	assert.Equal(t, "hi\n", h.stdout(ctr))
}

func TestNonZeroExitIsExecutionError(t *testing.T) {
	h := newHarness(t)
	ctr := h.exec(h.from("alpine"), "cat", "/missing")

	_, err := h.run(h.node(graph.KindStdout, nil, ctr))
	require.Error(t, err)
	assert.True(t, errdefs.IsExecution(err))

	var execErr *errdefs.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 1, execErr.ExitCode)
	assert.Contains(t, execErr.Stderr, "No such file or directory")

	var nodeErr *errdefs.NodeError
	require.True(t, errors.As(err, &nodeErr))
	assert.Equal(t, string(graph.KindWithExec), nodeErr.Failed().Kind)
	assert.Len(t, nodeErr.Chain, 2)
}

func TestAllowFailureExposesExitCode(t *testing.T) {
	h := newHarness(t)
	ctr := h.node(graph.KindWithExec, []graph.Value{graph.Strings("false"), graph.Bool(true), graph.String("")}, h.from("alpine"))

	r, err := h.run(h.node(graph.KindExitCode, nil, ctr))
	require.NoError(t, err)
	assert.Equal(t, 1, r.ExitCode)
}

func TestOutputWithoutExecIsInvalid(t *testing.T) {
	h := newHarness(t)
	for _, kind := range []graph.Kind{graph.KindStdout, graph.KindStderr, graph.KindExitCode} {
		_, err := h.run(h.node(kind, nil, h.from("alpine")))
		assert.True(t, errdefs.IsInvalidOperation(err), "%s: %v", kind, err)
	}
}

func TestOutputSurvivesLaterConfigChanges(t *testing.T) {
	h := newHarness(t)
	ctr := h.exec(h.from("alpine"), "echo", "kept")
	ctr = h.node(graph.KindWithWorkdir, []graph.Value{graph.String("/tmp")}, ctr)
	assert.Equal(t, "kept\n", h.stdout(ctr))
}

func TestStdinIsPassed(t *testing.T) {
	h := newHarness(t)
	ctr := h.node(graph.KindWithExec, []graph.Value{graph.Strings("cat"), graph.Bool(false), graph.String("from stdin")}, h.from("alpine"))
	assert.Equal(t, "from stdin", h.stdout(ctr))
}

func TestWriteThenMountRoundTrip(t *testing.T) {
	h := newHarness(t)

	producer := h.exec(h.from("alpine"), "write", "/out/greeting", "hello")
	out := h.node(graph.KindContainerDirectory, []graph.Value{graph.String("/out")}, producer)

	consumer := h.node(graph.KindFromImage, []graph.Value{graph.String("alpine"), graph.String("linux/amd64")})
	consumer = h.node(graph.KindWithMountedDirectory, []graph.Value{graph.String("/mnt")}, consumer, out)
	consumer = h.exec(consumer, "cat", "/mnt/greeting")

	assert.Equal(t, "hello", h.stdout(consumer))
}

func TestMountedContentsStayOutOfRootfs(t *testing.T) {
	h := newHarness(t)

	ctr := h.node(graph.KindWithNewFile, []graph.Value{graph.String("/src/original"), graph.String("v1"), graph.Int(0)}, h.from("alpine"))
	empty := h.node(graph.KindEmptyDirectory, nil)
	ctr = h.node(graph.KindWithMountedDirectory, []graph.Value{graph.String("/src")}, ctr, empty)
	ctr = h.exec(ctr, "write", "/src/scribble", "x")
	ctr = h.exec(ctr, "write", "/etc/motd", "welcome")

	r, err := h.run(ctr)
	require.NoError(t, err)
	rootfs, ok := r.Output(cache.OutputRootfs)
	require.True(t, ok)
	tree, err := cas.LoadTree(context.Background(), h.store, rootfs)
	require.NoError(t, err)

	_, ok = tree.Lookup("/src/original")
	assert.True(t, ok, "contents shadowed by the mount were lost")
	_, ok = tree.Lookup("/src/scribble")
	assert.False(t, ok, "writes to the mount leaked into the rootfs")
	_, ok = tree.Lookup("/etc/motd")
	assert.True(t, ok)
}

func TestMountPointSymlinkStaysInRootfs(t *testing.T) {
	h := newHarness(t)
	host := t.TempDir()
	h.puller = testutil.NewPuller(map[string]testutil.Image{
		"links": {Symlinks: map[string]string{"mnt": host}},
	})
	h.session()

	empty := h.node(graph.KindEmptyDirectory, nil)
	ctr := h.node(graph.KindWithMountedDirectory, []graph.Value{graph.String("/mnt/escaped")}, h.from("links"), empty)
	_, err := h.run(h.exec(ctr, "true"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(host, "escaped"))
	assert.True(t, os.IsNotExist(err), "mount point created on the host: %v", err)
}

func TestCacheVolumeReexecutesAcrossSessions(t *testing.T) {
	h := newHarness(t)

	build := func() *graph.Node {
		ctr := h.node(graph.KindWithMountedCache, []graph.Value{graph.String("/cache"), graph.String("runs")}, h.from("alpine"))
		ctr = h.exec(ctr, "append", "/cache/log", "x")
		return h.exec(ctr, "cat", "/cache/log")
	}

	assert.Equal(t, "x", h.stdout(build()))

	h.session()
	assert.Equal(t, "xx", h.stdout(build()))
	assert.Equal(t, 2, h.sandbox.CallsOf("append"))
}

func TestEnvAndWorkdir(t *testing.T) {
	h := newHarness(t)

	ctr := h.node(graph.KindWithEnvVariable, []graph.Value{graph.String("GREETING"), graph.String("hello")}, h.from("alpine"))
	ctr = h.node(graph.KindWithWorkdir, []graph.Value{graph.String("/app")}, ctr)
	ctr = h.node(graph.KindWithWorkdir, []graph.Value{graph.String("sub")}, ctr)

	assert.Equal(t, "/app/sub\n", h.stdout(h.exec(ctr, "pwd")))
	assert.Equal(t, "GREETING=hello\nPATH=/usr/bin:/bin\n", h.stdout(h.exec(ctr, "env")))
}

func TestImageWorkdirIsDefault(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "/root\n", h.stdout(h.exec(h.from("alpine"), "pwd")))
}

func TestDirectoryOperations(t *testing.T) {
	h := newHarness(t)

	dir := h.node(graph.KindEmptyDirectory, nil)
	dir = h.node(graph.KindDirectoryWithNewFile, []graph.Value{graph.String("a/b.txt"), graph.String("bee"), graph.Int(0o600)}, dir)
	other := h.node(graph.KindDirectoryWithNewFile, []graph.Value{graph.String("c.txt"), graph.String("sea"), graph.Int(0)}, h.node(graph.KindEmptyDirectory, nil))
	dir = h.node(graph.KindDirectoryWithDirectory, []graph.Value{graph.String("nested")}, dir, other)

	file := h.node(graph.KindDirectoryFile, []graph.Value{graph.String("nested/c.txt")}, dir)
	assert.Equal(t, "sea", h.text(file, cache.OutputFile))

	file = h.node(graph.KindDirectoryFile, []graph.Value{graph.String("a/b.txt")}, dir)
	assert.Equal(t, "bee", h.text(file, cache.OutputFile))

	_, err := h.run(h.node(graph.KindDirectoryFile, []graph.Value{graph.String("nope")}, dir))
	assert.True(t, errdefs.IsResolution(err), "%v", err)

	_, err = h.run(h.node(graph.KindDirectoryFile, []graph.Value{graph.String("a")}, dir))
	assert.True(t, errdefs.IsResolution(err), "%v", err)
}

func TestWithDirectoryCopiesIntoRootfs(t *testing.T) {
	h := newHarness(t)

	dir := h.node(graph.KindDirectoryWithNewFile, []graph.Value{graph.String("main.go"), graph.String("package main"), graph.Int(0)}, h.node(graph.KindEmptyDirectory, nil))
	ctr := h.node(graph.KindWithDirectory, []graph.Value{graph.String("/src")}, h.from("alpine"), dir)

	assert.Equal(t, "package main", h.stdout(h.exec(ctr, "cat", "/src/main.go")))
}

func TestWithFileKeepsPermissions(t *testing.T) {
	h := newHarness(t)

	dir := h.node(graph.KindDirectoryWithNewFile, []graph.Value{graph.String("bin/app"), graph.String("#!/bin/sh"), graph.Int(0o755)}, h.node(graph.KindEmptyDirectory, nil))
	file := h.node(graph.KindDirectoryFile, []graph.Value{graph.String("bin/app")}, dir)

	kept := h.node(graph.KindWithFile, []graph.Value{graph.String("/usr/local/bin/app"), graph.Int(0)}, h.from("alpine"), file)
	changed := h.node(graph.KindWithFile, []graph.Value{graph.String("/opt/app"), graph.Int(0o600)}, h.from("alpine"), file)

	for _, tc := range []struct {
		ctr  *graph.Node
		path string
		mode int64
	}{
		{kept, "usr/local/bin/app", 0o755},
		{changed, "opt/app", 0o600},
	} {
		r, err := h.run(tc.ctr)
		require.NoError(t, err)
		rootfs, _ := r.Output(cache.OutputRootfs)
		tree, err := cas.LoadTree(context.Background(), h.store, rootfs)
		require.NoError(t, err)

		e, ok := tree.Lookup(tc.path)
		require.True(t, ok, tc.path)
		assert.Equal(t, cas.TypeFile, e.Type)
		assert.EqualValues(t, tc.mode, e.Mode.Perm())
		assert.EqualValues(t, len("#!/bin/sh"), e.Size)
	}
	assert.Equal(t, "#!/bin/sh", h.stdout(h.exec(kept, "cat", "/usr/local/bin/app")))
}

func TestHostDirectoryMissingTree(t *testing.T) {
	h := newHarness(t)
	n := h.node(graph.KindHostDirectory, []graph.Value{graph.String("/tmp/src"), graph.Digest(digest.FromString("absent"))})

	_, err := h.run(n)
	assert.True(t, errdefs.IsResolution(err), "%v", err)
}

func TestUnknownImageIsResolutionError(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(h.from("does-not-exist"))
	assert.True(t, errdefs.IsResolution(err), "%v", err)
}

func TestScratchHasEmptyRootfs(t *testing.T) {
	h := newHarness(t)
	r, err := h.run(h.node(graph.KindScratch, nil))
	require.NoError(t, err)

	rootfs, ok := r.Output(cache.OutputRootfs)
	require.True(t, ok)
	tree, err := cas.LoadTree(context.Background(), h.store, rootfs)
	require.NoError(t, err)
	assert.Empty(t, tree.Entries)
}

func TestUnknownCommandExits127(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(h.exec(h.from("alpine"), "definitely-not-a-command"))

	var execErr *errdefs.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 127, execErr.ExitCode)
}

func TestWithoutSandboxExecFails(t *testing.T) {
	store, err := cas.NewLocal(t.TempDir())
	require.NoError(t, err)
	b := graph.NewBuilder()
	n, err := b.Append(graph.KindWithExec, []graph.Value{graph.Strings("true"), graph.Bool(false), graph.String("")}, mustAppend(t, b, graph.KindScratch))
	require.NoError(t, err)

	sched := scheduler.New(cache.New(store), New(store))
	_, err = sched.Run(context.Background(), n)
	assert.ErrorIs(t, err, ErrNoSandbox)
}

func mustAppend(t *testing.T, b *graph.Builder, kind graph.Kind) *graph.Node {
	t.Helper()
	n, err := b.Append(kind, nil)
	require.NoError(t, err)
	return n
}
