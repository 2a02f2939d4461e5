package blobstore

import (
	"context"
	"io"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest runs the shared contract tests against one BlobStore
// implementation.
func storeUnderTest(t *testing.T, store BlobStore) {
	ctx := context.Background()

	t.Run("open missing", func(t *testing.T) {
		_, err := store.Open(ctx, "missing/blob.dat")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create then read", func(t *testing.T) {
		w, err := store.Create(ctx, "tablets/1/seg-0.dat")
		require.NoError(t, err)
		_, err = w.Write([]byte("hello "))
		require.NoError(t, err)
		_, err = w.Write([]byte("segment"))
		require.NoError(t, err)
		require.NoError(t, w.Sync())
		require.NoError(t, w.Close())

		b, err := store.Open(ctx, "tablets/1/seg-0.dat")
		require.NoError(t, err)
		defer b.Close()

		assert.Equal(t, int64(13), b.Size())

		p := make([]byte, 7)
		n, err := b.ReadAt(ctx, p, 6)
		require.NoError(t, err)
		assert.Equal(t, 7, n)
		assert.Equal(t, "segment", string(p))
	})

	t.Run("read range", func(t *testing.T) {
		b, err := store.Open(ctx, "tablets/1/seg-0.dat")
		require.NoError(t, err)
		defer b.Close()

		rc, err := b.ReadRange(ctx, 0, 5)
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, "hello", string(data))

		// Range beyond the blob is clipped.
		rc, err = b.ReadRange(ctx, 6, 100)
		require.NoError(t, err)
		data, err = io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "segment", string(data))
	})

	t.Run("list by prefix", func(t *testing.T) {
		w, err := store.Create(ctx, "tablets/2/seg-0.dat")
		require.NoError(t, err)
		_, err = w.Write([]byte("x"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		names, err := store.List(ctx, "tablets/1/")
		require.NoError(t, err)
		sort.Strings(names)
		assert.Equal(t, []string{"tablets/1/seg-0.dat"}, names)

		names, err = store.List(ctx, "tablets/")
		require.NoError(t, err)
		assert.Len(t, names, 2)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "tablets/2/seg-0.dat"))
		_, err := store.Open(ctx, "tablets/2/seg-0.dat")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting a missing blob is not an error.
		assert.NoError(t, store.Delete(ctx, "tablets/2/seg-0.dat"))
	})
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	storeUnderTest(t, NewLocalStore(t.TempDir()))
}

func TestMemoryStoreOpenIsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "a", []byte("one")))

	b, err := store.Open(ctx, "a")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, store.Put(ctx, "a", []byte("two")))

	p := make([]byte, 3)
	_, err = b.ReadAt(ctx, p, 0)
	require.NoError(t, err)
	assert.Equal(t, "one", string(p))
}

func TestMemoryBlobReadAtEOF(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "a", []byte("abc")))

	b, err := store.Open(ctx, "a")
	require.NoError(t, err)
	defer b.Close()

	p := make([]byte, 5)
	n, err := b.ReadAt(ctx, p, 1)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = b.ReadAt(ctx, p, 10)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLocalStoreCreateIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	w, err := store.Create(ctx, "tablets/1/seg-0.dat")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	// Not closed yet: the blob must not be visible under its final name.
	_, err = store.Open(ctx, "tablets/1/seg-0.dat")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.Close())

	b, err := store.Open(ctx, "tablets/1/seg-0.dat")
	require.NoError(t, err)
	assert.Equal(t, int64(7), b.Size())
	require.NoError(t, b.Close())
}

func TestLocalStoreListMissingRoot(t *testing.T) {
	store := NewLocalStore(t.TempDir() + "/nope")
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalBlobMappable(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	w, err := store.Create(ctx, "seg.dat")
	require.NoError(t, err)
	_, err = w.Write([]byte("mapped bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b, err := store.Open(ctx, "seg.dat")
	require.NoError(t, err)
	defer b.Close()

	m, ok := b.(Mappable)
	require.True(t, ok)
	data, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "mapped bytes", string(data))
}
