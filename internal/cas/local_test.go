package cas

import (
	"context"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Local {
	t.Helper()
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestLocalPutGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dgst, n, err := s.Put(ctx, strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, digest.FromString("hello"), dgst)
	require.EqualValues(t, 5, n)

	b, err := ReadBlob(ctx, s, dgst)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	ok, err := s.Has(ctx, dgst)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalPutIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := PutBytes(ctx, s, []byte("same"))
	require.NoError(t, err)
	b, err := PutBytes(ctx, s, []byte("same"))
	require.NoError(t, err)
	require.Equal(t, a, b)

	count := 0
	require.NoError(t, s.Walk(ctx, func(digest.Digest, int64) error {
		count++
		return nil
	}))
	require.Equal(t, 1, count)
}

func TestLocalGetMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, digest.FromString("absent"))
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Has(ctx, digest.FromString("absent"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.Has(ctx, digest.Digest("garbage"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocalDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dgst, err := PutBytes(ctx, s, []byte("gone"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, dgst))
	require.NoError(t, s.Delete(ctx, dgst))

	ok, err := s.Has(ctx, dgst)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCachedServesFromMemory(t *testing.T) {
	ctx := context.Background()
	backing := newTestStore(t)
	c, err := NewCached(backing, 8)
	require.NoError(t, err)

	dgst, err := PutBytes(ctx, c, []byte("cached"))
	require.NoError(t, err)

	b, err := ReadBlob(ctx, c, dgst)
	require.NoError(t, err)
	require.Equal(t, "cached", string(b))

	// Removing the blob from disk leaves the in-memory copy readable.
	require.NoError(t, backing.Delete(ctx, dgst))
	b, err = ReadBlob(ctx, c, dgst)
	require.NoError(t, err)
	require.Equal(t, "cached", string(b))

	c.Evict(dgst)
	_, err = c.Get(ctx, dgst)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTieredBackfill(t *testing.T) {
	ctx := context.Background()
	primary := newTestStore(t)
	secondary := newTestStore(t)

	dgst, err := PutBytes(ctx, secondary, []byte("remote"))
	require.NoError(t, err)

	tiered := NewTiered(primary, secondary)
	b, err := ReadBlob(ctx, tiered, dgst)
	require.NoError(t, err)
	require.Equal(t, "remote", string(b))

	ok, err := primary.Has(ctx, dgst)
	require.NoError(t, err)
	require.True(t, ok, "blob was not back-filled into the primary store")
}

func TestTieredReplicates(t *testing.T) {
	ctx := context.Background()
	primary := newTestStore(t)
	secondary := newTestStore(t)
	tiered := NewTiered(primary, secondary)

	dgst, err := PutBytes(ctx, tiered, []byte("both"))
	require.NoError(t, err)

	for _, s := range []Store{primary, secondary} {
		ok, err := s.Has(ctx, dgst)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestHasAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := PutBytes(ctx, s, []byte("a"))
	require.NoError(t, err)

	ok, err := HasAll(ctx, s, a, "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = HasAll(ctx, s, a, digest.FromString("b"))
	require.NoError(t, err)
	require.False(t, ok)
}
