package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/graph"
)

type fixture struct {
	store *cas.Local
	index *Index
	nodes *graph.Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := cas.NewLocal(filepath.Join(dir, "store"))
	require.NoError(t, err)

	idx, err := OpenIndex(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	return &fixture{store: store, index: idx, nodes: graph.NewBuilder()}
}

func (f *fixture) node(t *testing.T, ref string) *graph.Node {
	t.Helper()
	n, err := f.nodes.Append(graph.KindFromImage, []graph.Value{graph.String(ref), graph.String("")})
	require.NoError(t, err)
	return n
}

func (f *fixture) volatileNode(t *testing.T) *graph.Node {
	t.Helper()
	n, err := f.nodes.Append(graph.KindWithMountedCache,
		[]graph.Value{graph.String("/cache"), graph.String("vol")}, f.node(t, "base"))
	require.NoError(t, err)
	return n
}

// Returns an exec function that stores a blob and counts its calls.
func (f *fixture) producer(calls *atomic.Int32, contents string) ExecFunc {
	return func(ctx context.Context) (*Result, error) {
		calls.Add(1)
		d, err := cas.PutBytes(ctx, f.store, []byte(contents))
		if err != nil {
			return nil, err
		}
		return Succeeded(map[string]digest.Digest{OutputStdout: d}, 0, nil), nil
	}
}

func TestDoSingleFlight(t *testing.T) {
	f := newFixture(t)
	c := New(f.store)
	n := f.node(t, "alpine")

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (*Result, error) {
		calls.Add(1)
		<-release
		return Succeeded(nil, 0, nil), nil
	}

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Do(context.Background(), n, fn)
			if err == nil {
				results[i] = r
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	for _, r := range results {
		require.NotNil(t, r)
		require.Equal(t, StatusSucceeded, r.Status)
	}

	_, err := c.Do(context.Background(), n, fn)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestDoRemembersFailure(t *testing.T) {
	f := newFixture(t)
	c := New(f.store, WithIndex(f.index))
	n := f.node(t, "alpine")

	boom := &errdefs.ExecutionError{Args: []string{"false"}, ExitCode: 1}
	var calls atomic.Int32
	fn := func(ctx context.Context) (*Result, error) {
		calls.Add(1)
		return nil, boom
	}

	r, err := c.Do(context.Background(), n, fn)
	require.ErrorIs(t, err, errdefs.ErrExecution)
	require.Equal(t, StatusFailed, r.Status)

	r, err = c.Do(context.Background(), n, fn)
	require.ErrorIs(t, err, errdefs.ErrExecution)
	require.Equal(t, StatusFailed, r.Status)
	require.EqualValues(t, 1, calls.Load())

	_, ok, err := f.index.Get(n.Digest())
	require.NoError(t, err)
	require.False(t, ok, "failed results must not be persisted")
}

func TestDoDoesNotRememberCancellation(t *testing.T) {
	f := newFixture(t)
	c := New(f.store)
	n := f.node(t, "alpine")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, n, func(ctx context.Context) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, errdefs.ErrDeadlineExceeded)

	var calls atomic.Int32
	r, err := c.Do(context.Background(), n, f.producer(&calls, "later"))
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, r.Status)
	require.EqualValues(t, 1, calls.Load())
}

func TestIndexPersistsAcrossSessions(t *testing.T) {
	f := newFixture(t)
	n := f.node(t, "alpine")

	var calls atomic.Int32
	first, err := New(f.store, WithIndex(f.index)).Do(context.Background(), n, f.producer(&calls, "hi\n"))
	require.NoError(t, err)

	second, err := New(f.store, WithIndex(f.index)).Do(context.Background(), n, f.producer(&calls, "hi\n"))
	require.NoError(t, err)

	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, first.Outputs, second.Outputs)
}

func TestIndexSkipsVolatileNodes(t *testing.T) {
	f := newFixture(t)
	n := f.volatileNode(t)

	var calls atomic.Int32
	_, err := New(f.store, WithIndex(f.index)).Do(context.Background(), n, f.producer(&calls, "v"))
	require.NoError(t, err)
	_, err = New(f.store, WithIndex(f.index)).Do(context.Background(), n, f.producer(&calls, "v"))
	require.NoError(t, err)

	require.EqualValues(t, 2, calls.Load())

	count, err := f.index.Len()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestDoReexecutesVolatileWithinSession(t *testing.T) {
	f := newFixture(t)
	c := New(f.store, WithIndex(f.index))
	n := f.volatileNode(t)

	var calls atomic.Int32
	_, err := c.Do(context.Background(), n, f.producer(&calls, "first"))
	require.NoError(t, err)
	second, err := c.Do(context.Background(), n, f.producer(&calls, "second"))
	require.NoError(t, err)

	require.EqualValues(t, 2, calls.Load())
	require.Zero(t, c.Len())

	out, ok := second.Output(OutputStdout)
	require.True(t, ok)
	require.Equal(t, digest.FromString("second"), out)

	_, ok, err = c.Lookup(context.Background(), n)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIndexMissingBlobIsMiss(t *testing.T) {
	f := newFixture(t)
	n := f.node(t, "alpine")

	var calls atomic.Int32
	r, err := New(f.store, WithIndex(f.index)).Do(context.Background(), n, f.producer(&calls, "gone"))
	require.NoError(t, err)

	out, ok := r.Output(OutputStdout)
	require.True(t, ok)
	require.NoError(t, f.store.Delete(context.Background(), out))

	c := New(f.store, WithIndex(f.index))
	_, ok, err = c.Lookup(context.Background(), n)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.Do(context.Background(), n, f.producer(&calls, "gone"))
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestStoreFirstWins(t *testing.T) {
	f := newFixture(t)
	c := New(f.store)
	n := f.node(t, "alpine")

	first := Succeeded(nil, 0, nil)
	require.NoError(t, c.Store(context.Background(), n, first))
	require.NoError(t, c.Store(context.Background(), n, Failed(errors.New("late"))))

	got, ok, err := c.Lookup(context.Background(), n)
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, first, got)

	err = c.Store(context.Background(), n, &Result{Status: StatusRunning})
	require.ErrorIs(t, err, errdefs.ErrInternal)
}

func TestPrune(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.node(t, "alpine")

	var calls atomic.Int32
	r, err := New(f.store, WithIndex(f.index)).Do(ctx, n, f.producer(&calls, "keep"))
	require.NoError(t, err)

	orphan, err := cas.PutBytes(ctx, f.store, []byte("orphan"))
	require.NoError(t, err)

	stats, err := Prune(ctx, f.index, f.store)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Records)
	require.Equal(t, 1, stats.Removed)

	ok, err := f.store.Has(ctx, orphan)
	require.NoError(t, err)
	require.False(t, ok)

	kept, _ := r.Output(OutputStdout)
	ok, err = f.store.Has(ctx, kept)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestContainerConfig(t *testing.T) {
	var cfg ContainerConfig
	cfg.Setenv("PATH", "/bin")
	cfg.Setenv("HOME", "/root")
	cfg.Setenv("PATH", "/usr/bin")
	require.Equal(t, []string{"PATH=/usr/bin", "HOME=/root"}, cfg.Env)

	v, ok := cfg.Getenv("HOME")
	require.True(t, ok)
	require.Equal(t, "/root", v)

	cfg.Mount(Mount{Target: "/src", Tree: digest.FromString("a")})
	cfg.Mount(Mount{Target: "/cache", Volume: "pip"})
	cfg.Mount(Mount{Target: "/src", Tree: digest.FromString("b")})
	require.Equal(t, []Mount{
		{Target: "/cache", Volume: "pip"},
		{Target: "/src", Tree: digest.FromString("b")},
	}, cfg.Mounts)

	clone := cfg.Clone()
	clone.Setenv("HOME", "/home")
	v, _ = cfg.Getenv("HOME")
	require.Equal(t, "/root", v)
}
