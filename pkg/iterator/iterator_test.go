package iterator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticIterator(t *testing.T) {
	ctx := context.Background()

	t.Run("yields_in_order", func(t *testing.T) {
		iter := NewStaticIterator(1, 2, 3)
		items, err := Drain(ctx, iter)
		require.NoError(t, err)
		require.Equal(t, []int{1, 2, 3}, items)

		_, err = iter.Next(ctx)
		require.ErrorIs(t, err, ErrIteratorDone)
	})

	t.Run("stop_ends_iteration", func(t *testing.T) {
		iter := NewStaticIterator("a", "b")
		iter.Stop()
		_, err := iter.Next(ctx)
		require.ErrorIs(t, err, ErrIteratorDone)
	})

	t.Run("cancelled_context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Drain(cctx, NewStaticIterator(1))
		require.ErrorIs(t, err, context.Canceled)
	})
}
