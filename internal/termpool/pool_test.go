package termpool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hlmrf/hlmrf/pkg/logger"
	"github.com/hlmrf/hlmrf/pkg/term"
)

func newTerm(t *testing.T, kind term.Kind) *term.Term {
	t.Helper()
	tm, err := term.New(kind, 0, []term.LocalVariable{{GlobalID: 0}}, []float32{1}, 0, term.LTE)
	require.NoError(t, err)
	return tm
}

func TestPool(t *testing.T) {
	t.Run("add_then_get_returns_pooled_instances_in_order", func(t *testing.T) {
		pool := New(4)
		a := newTerm(t, term.KindHingeLoss)
		b := newTerm(t, term.KindHingeLoss)
		pool.Add(a)
		pool.Add(b)
		pool.ResetForReuse()

		got, err := pool.Get(term.KindHingeLoss)
		require.NoError(t, err)
		require.Same(t, a, got)

		got, err = pool.Get(term.KindHingeLoss)
		require.NoError(t, err)
		require.Same(t, b, got)

		_, err = pool.Get(term.KindHingeLoss)
		require.ErrorIs(t, err, ErrPoolExhausted)
	})

	t.Run("keeps_the_largest_page_per_kind", func(t *testing.T) {
		pool := New(4)

		// First page: one hinge, one constraint.
		pool.Add(newTerm(t, term.KindHingeLoss))
		pool.Add(newTerm(t, term.KindLinearConstraint))
		pool.ResetForReuse()

		// Second page: three hinges.
		for i := 0; i < 3; i++ {
			pool.Add(newTerm(t, term.KindHingeLoss))
		}
		pool.ResetForReuse()

		require.Equal(t, 3, pool.Len(term.KindHingeLoss))
		require.Equal(t, 1, pool.Len(term.KindLinearConstraint))
		require.Equal(t, 0, pool.Len(term.KindLinearLoss))
	})

	t.Run("get_of_unused_kind_fails", func(t *testing.T) {
		_, err := New(2).Get(term.KindSquaredLinearLoss)
		require.ErrorIs(t, err, ErrPoolExhausted)
	})

	t.Run("add_past_page_size_is_ignored_with_warning", func(t *testing.T) {
		log, logs := logger.NewObserverLogger("warn")
		pool := New(2, WithLogger(log))
		pool.Add(newTerm(t, term.KindLinearLoss))
		pool.Add(newTerm(t, term.KindLinearLoss))
		pool.Add(newTerm(t, term.KindLinearLoss))

		require.Equal(t, 2, pool.Len(term.KindLinearLoss))
		require.Equal(t, 1, logs.Len())
	})

	t.Run("clear_empties_every_kind", func(t *testing.T) {
		pool := New(2)
		pool.Add(newTerm(t, term.KindLinearLoss))
		pool.Add(newTerm(t, term.KindSquaredHingeLoss))
		pool.Clear()

		for _, kind := range term.Kinds {
			require.Equal(t, 0, pool.Len(kind))
		}
		_, err := pool.Get(term.KindLinearLoss)
		require.ErrorIs(t, err, ErrPoolExhausted)
	})
}
