package pagestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageStores(t *testing.T) {
	for _, tc := range []struct {
		name string
		open func(t *testing.T) PageStore
	}{
		{
			name: "file",
			open: func(t *testing.T) PageStore {
				s, err := NewFileStore(t.TempDir())
				require.NoError(t, err)
				return s
			},
		},
		{
			name: "badger_in_memory",
			open: func(t *testing.T) PageStore {
				s, err := NewBadgerStore("")
				require.NoError(t, err)
				return s
			},
		},
		{
			name: "badger_on_disk",
			open: func(t *testing.T) PageStore {
				s, err := NewBadgerStore(t.TempDir())
				require.NoError(t, err)
				return s
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := tc.open(t)
			t.Cleanup(func() {
				require.NoError(t, store.Close())
			})

			require.NoError(t, store.WriteFixed(ctx, 0, []byte{1, 2, 3}))
			require.NoError(t, store.WriteVolatile(ctx, 0, []byte{4, 5}))
			require.NoError(t, store.WriteFixed(ctx, 1, []byte{6}))

			fixed, err := store.ReadFixed(ctx, 0, nil)
			require.NoError(t, err)
			require.Equal(t, []byte{1, 2, 3}, fixed)

			volatile, err := store.ReadVolatile(ctx, 0, make([]byte, 0, 64))
			require.NoError(t, err)
			require.Equal(t, []byte{4, 5}, volatile)

			// Volatile pages are rewritten in place.
			require.NoError(t, store.WriteVolatile(ctx, 0, []byte{7, 8}))
			volatile, err = store.ReadVolatile(ctx, 0, volatile)
			require.NoError(t, err)
			require.Equal(t, []byte{7, 8}, volatile)

			_, err = store.ReadVolatile(ctx, 1, nil)
			require.ErrorIs(t, err, ErrPageNotFound)
			require.ErrorIs(t, err, ErrPageIO)

			require.NoError(t, store.Clear())
			_, err = store.ReadFixed(ctx, 0, nil)
			require.ErrorIs(t, err, ErrPageNotFound)
			require.ErrorIs(t, err, ErrPageIO)
		})
	}
}

func TestFileStoreLayout(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root)
	require.NoError(t, err)

	require.Equal(t, root, filepath.Dir(store.Dir()))
	require.Equal(t, filepath.Join(store.Dir(), "00000012_term.page"), store.FixedPath(12))
	require.Equal(t, filepath.Join(store.Dir(), "00000012_volatile.page"), store.VolatilePath(12))

	require.NoError(t, store.WriteFixed(context.Background(), 12, []byte{1}))
	_, err = os.Stat(store.FixedPath(12))
	require.NoError(t, err)

	other, err := NewFileStore(root)
	require.NoError(t, err)
	require.NotEqual(t, store.Dir(), other.Dir())

	require.NoError(t, store.Close())
	_, err = os.Stat(store.Dir())
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NoError(t, other.Close())
}

func TestFileStoreWriteFailure(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(store.Dir()))

	err = store.WriteFixed(context.Background(), 0, []byte{1})
	require.ErrorIs(t, err, ErrPageIO)
	require.ErrorContains(t, err, "00000000_term.page")
}
