package volume

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func TestContentsPersistAcrossHolders(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	v, err := m.Acquire(ctx, "pip")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(v.Path, "marker"), []byte("1"), 0644))
	require.NoError(t, v.Release())

	v, err = m.Acquire(ctx, "pip")
	require.NoError(t, err)
	defer v.Release()

	b, err := os.ReadFile(filepath.Join(v.Path, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(b))
}

func TestAcquireIsExclusive(t *testing.T) {
	m := newTestManager(t)

	var holders, peak atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for range 8 {
		g.Go(func() error {
			v, err := m.Acquire(ctx, "shared")
			if err != nil {
				return err
			}
			n := holders.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)
			return v.Release()
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), peak.Load())
}

func TestAcquireHonoursContextAgainstOtherProcess(t *testing.T) {
	m := newTestManager(t)

	other := flock.New(filepath.Join(m.root, locksDir, "busy"))
	ok, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer other.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "busy")
	assert.ErrorIs(t, err, ErrLock)

	// The in-process lock must have been released on failure.
	require.NoError(t, other.Unlock())
	v, err := m.Acquire(context.Background(), "busy")
	require.NoError(t, err)
	require.NoError(t, v.Release())
}

func TestAcquireHonoursContextWithinProcess(t *testing.T) {
	m := newTestManager(t)

	held, err := m.Acquire(context.Background(), "busy")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "busy")
	assert.ErrorIs(t, err, ErrLock)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned wait must not keep the name once the holder releases it.
	require.NoError(t, held.Release())
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := m.Acquire(ctx, "busy")
	require.NoError(t, err)
	require.NoError(t, v.Release())
}

func TestAcquireAllDeduplicates(t *testing.T) {
	m := newTestManager(t)

	vols, err := m.AcquireAll(context.Background(), []string{"b", "a", "b"})
	require.NoError(t, err)
	require.Len(t, vols, 2)
	assert.Equal(t, "a", vols[0].Name)
	assert.Equal(t, "b", vols[1].Name)
	require.NoError(t, ReleaseAll(vols))
}

func TestInvalidName(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"", ".locks", "../escape", "a/b"} {
		_, err := m.Acquire(context.Background(), name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestListAndRemove(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	vols, err := m.AcquireAll(ctx, []string{"go-build", "apt"})
	require.NoError(t, err)
	require.NoError(t, ReleaseAll(vols))

	names, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"apt", "go-build"}, names)

	require.NoError(t, m.Remove(ctx, "apt"))
	names, err = m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"go-build"}, names)
}

func TestReleaseTwice(t *testing.T) {
	m := newTestManager(t)
	v, err := m.Acquire(context.Background(), "once")
	require.NoError(t, err)
	require.NoError(t, v.Release())
	require.NoError(t, v.Release())
}
