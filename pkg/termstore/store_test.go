package termstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hlmrf/hlmrf/internal/pagestore"
	"github.com/hlmrf/hlmrf/pkg/grounding"
	"github.com/hlmrf/hlmrf/pkg/iterator"
	"github.com/hlmrf/hlmrf/pkg/logger"
	"github.com/hlmrf/hlmrf/pkg/term"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const numAtoms = 12

// problem returns a hinge rule and a constraint rule whose ground rules have between one and
// three atoms, so terms on a page differ in size.
func problem(numGroundRules int) ([]grounding.Rule, *grounding.MemoryAtomStore) {
	values := make([]float32, numAtoms)
	for i := range values {
		values[i] = float32(i) / numAtoms
	}
	atoms := grounding.NewMemoryAtomStore(values...)

	var soft, hard []*grounding.GroundRule
	for i := 0; i < numGroundRules; i++ {
		size := i%3 + 1
		ids := make([]int32, size)
		coefficients := make([]float32, size)
		for j := 0; j < size; j++ {
			ids[j] = int32((i + j) % numAtoms)
			coefficients[j] = float32(i + 1)
		}

		if i%4 == 3 {
			hard = append(hard, &grounding.GroundRule{AtomIDs: ids, Coefficients: coefficients, Constant: 1, Comparator: term.LTE})
			continue
		}
		soft = append(soft, &grounding.GroundRule{AtomIDs: ids, Coefficients: coefficients, Comparator: term.LTE, Hinge: true})
	}

	return []grounding.Rule{
		grounding.NewWeightedRule("soft", 1.5, soft),
		grounding.NewConstraintRule("hard", hard),
	}, atoms
}

func newStore(t *testing.T, rules []grounding.Rule, atoms grounding.AtomStore, opts ...StoreOption) *Store {
	t.Helper()
	opts = append([]StoreOption{WithPageDir(t.TempDir())}, opts...)
	store, err := New(rules, atoms, grounding.NewHyperplaneGenerator(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

type snapshot map[string][]term.LocalVariable

// drain consumes it on one goroutine, recording every term's local variables as handed out and
// then applying visit before releasing it.
func drain(t *testing.T, it TermIterator, visit func(*term.Term)) snapshot {
	t.Helper()
	ctx := context.Background()
	seen := snapshot{}
	for {
		tm, err := it.Next(ctx)
		if errors.Is(err, iterator.ErrIteratorDone) {
			return seen
		}
		require.NoError(t, err)

		key := tm.String()
		require.NotContains(t, seen, key)
		seen[key] = append([]term.LocalVariable(nil), tm.Variables()...)

		if visit != nil {
			visit(tm)
		}
		it.Release(tm)
	}
}

// stamp sets every local value to a function of the term's structure and the pass number.
func stamp(pass int) func(*term.Term) {
	return func(tm *term.Term) {
		for i := range tm.Variables() {
			v := &tm.Variables()[i]
			v.Value = float32(pass) + tm.Coefficients()[0]/100 + float32(i)/1000
			v.Lagrange = -v.Value
		}
	}
}

func requireStamped(t *testing.T, pass int, seen snapshot) {
	t.Helper()
	for key, locals := range seen {
		for i, v := range locals {
			require.NotZero(t, v.Value, key)
			require.InDelta(t, -v.Value, v.Lagrange, 1e-9, key)
			require.InDelta(t, float32(pass)+float32(i)/1000, v.Value-coefficientOf(t, key)/100, 1e-4, key)
		}
	}
}

// coefficientOf parses the first coefficient out of a term's String form.
func coefficientOf(t *testing.T, key string) float32 {
	t.Helper()
	var c float32
	_, err := fmt.Sscanf(key[strings.IndexByte(key, '(')+1:], "%g", &c)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	rules, atoms := problem(4)

	t.Run("invalid_page_size", func(t *testing.T) {
		_, err := New(rules, atoms, grounding.NewHyperplaneGenerator(), WithPageSize(1), WithPageDir(t.TempDir()))
		require.ErrorIs(t, err, ErrInvalidPageSize)
	})

	t.Run("rejected_rules_are_logged", func(t *testing.T) {
		log, logs := logger.NewObserverLogger("warn")
		bulk := grounding.NewWeightedRule("bulk", 1, nil, grounding.WithoutIndividualGrounding())
		negative := grounding.NewWeightedRule("negative", -1, nil)

		_, err := New([]grounding.Rule{bulk, negative}, atoms, grounding.NewHyperplaneGenerator(),
			WithLogger(log), WithPageDir(t.TempDir()))
		require.ErrorIs(t, err, ErrNoValidRules)
		require.Equal(t, 2, logs.Len())
		require.Equal(t, "skipping rule that does not support individual grounding", logs.All()[0].Message)
		require.Equal(t, "skipping rule with negative weight", logs.All()[1].Message)
	})

	t.Run("warnings_can_be_silenced", func(t *testing.T) {
		log, logs := logger.NewObserverLogger("warn")
		bulk := grounding.NewWeightedRule("bulk", 1, nil, grounding.WithoutIndividualGrounding())

		store := newStore(t, append([]grounding.Rule{bulk}, rules...), atoms, WithLogger(log), WithWarnRules(false))
		require.Len(t, store.Rules(), 2)
		require.Equal(t, 0, logs.Len())
	})

	t.Run("consensus_seeded_from_atoms", func(t *testing.T) {
		store := newStore(t, rules, atoms)
		require.Equal(t, atoms.Values(), store.ConsensusValues())
		require.Equal(t, StateBuilding, store.State())
	})
}

func TestRounds(t *testing.T) {
	for _, tc := range []struct {
		name      string
		shuffle   bool
		randomize bool
	}{
		{name: "in_order"},
		{name: "shuffled_pages", shuffle: true},
		{name: "randomized_page_access", randomize: true},
		{name: "shuffled_and_randomized", shuffle: true, randomize: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rules, atoms := problem(23)
			store := newStore(t, rules, atoms,
				WithPageSize(4),
				WithShufflePage(tc.shuffle),
				WithRandomizePageAccess(tc.randomize),
				WithSeed(7))

			_, err := store.NoWriteIterator()
			require.ErrorIs(t, err, ErrNotLoaded)

			it, err := store.Iterator()
			require.NoError(t, err)

			_, err = store.Iterator()
			require.ErrorIs(t, err, ErrIteratorActive)

			initial := drain(t, it, stamp(1))
			require.Len(t, initial, 23)
			require.Equal(t, StateLoaded, store.State())
			require.Equal(t, 23, store.NumTerms())
			require.Equal(t, 6, store.NumPages())

			// Every local variable started at the consensus value of its atom.
			for key, locals := range initial {
				for _, v := range locals {
					require.InDelta(t, float32(v.GlobalID)/numAtoms, v.Value, 1e-6, key)
				}
			}

			for pass := 2; pass <= 4; pass++ {
				it, err := store.Iterator()
				require.NoError(t, err)
				seen := drain(t, it, stamp(pass))
				require.Len(t, seen, 23)
				requireStamped(t, pass-1, seen)
			}

			readonly, err := store.NoWriteIterator()
			require.NoError(t, err)
			requireStamped(t, 4, drain(t, readonly, stamp(99)))

			// The read-only pass did not persist its changes.
			readonly, err = store.NoWriteIterator()
			require.NoError(t, err)
			requireStamped(t, 4, drain(t, readonly, nil))
		})
	}
}

func TestConcurrentConsumers(t *testing.T) {
	rules, atoms := problem(101)
	store := newStore(t, rules, atoms, WithPageSize(7))

	for pass := 1; pass <= 3; pass++ {
		it, err := store.Iterator()
		require.NoError(t, err)

		var mu sync.Mutex
		var keys []string
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					tm, err := it.Next(context.Background())
					if errors.Is(err, iterator.ErrIteratorDone) {
						return
					}
					if err != nil {
						errs <- err
						return
					}
					stamp(pass)(tm)
					mu.Lock()
					keys = append(keys, tm.String())
					mu.Unlock()
					it.Release(tm)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		require.Len(t, keys, 101)
		sort.Strings(keys)
		for i := 1; i < len(keys); i++ {
			require.NotEqual(t, keys[i-1], keys[i])
		}
	}

	readonly, err := store.NoWriteIterator()
	require.NoError(t, err)
	requireStamped(t, 3, drain(t, readonly, nil))
}

func TestPageFiles(t *testing.T) {
	rules, atoms := problem(9)
	pages, err := pagestore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pages.Close()) })

	store := newStore(t, rules, atoms, WithPageSize(4), WithPageStore(pages))
	it, err := store.Iterator()
	require.NoError(t, err)
	drain(t, it, nil)

	for p := 0; p < 3; p++ {
		_, err := os.Stat(pages.FixedPath(p))
		require.NoError(t, err)
		_, err = os.Stat(pages.VolatilePath(p))
		require.NoError(t, err)
	}
	_, err = os.Stat(pages.FixedPath(3))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestStopInitialRound(t *testing.T) {
	rules, atoms := problem(10)
	store := newStore(t, rules, atoms, WithPageSize(3))

	it, err := store.Iterator()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		tm, err := it.Next(context.Background())
		require.NoError(t, err)
		it.Release(tm)
	}
	it.Stop()

	_, err = it.Next(context.Background())
	require.ErrorIs(t, err, iterator.ErrIteratorDone)
	require.Equal(t, StateBuilding, store.State())

	it, err = store.Iterator()
	require.NoError(t, err)
	require.Len(t, drain(t, it, nil), 10)
	require.Equal(t, StateLoaded, store.State())
}

func TestIterationCompleteStopsUnfinishedIterator(t *testing.T) {
	rules, atoms := problem(10)
	store := newStore(t, rules, atoms, WithPageSize(3))

	it, err := store.Iterator()
	require.NoError(t, err)
	drain(t, it, nil)

	it, err = store.Iterator()
	require.NoError(t, err)
	tm, err := it.Next(context.Background())
	require.NoError(t, err)
	it.Release(tm)

	store.IterationComplete()

	it, err = store.Iterator()
	require.NoError(t, err)
	require.Len(t, drain(t, it, nil), 10)
}

func TestEmptyRules(t *testing.T) {
	atoms := grounding.NewMemoryAtomStore(0.5)
	store := newStore(t, []grounding.Rule{grounding.NewWeightedRule("empty", 1, nil)}, atoms)

	for pass := 0; pass < 2; pass++ {
		it, err := store.Iterator()
		require.NoError(t, err)
		require.Empty(t, drain(t, it, nil))
	}
	require.Equal(t, 0, store.NumPages())
}

type failingPages struct {
	pagestore.PageStore
	failVolatileWrites bool
}

func (f *failingPages) WriteVolatile(ctx context.Context, page int, data []byte) error {
	if f.failVolatileWrites {
		return fmt.Errorf("%w: disk full", pagestore.ErrPageIO)
	}
	return f.PageStore.WriteVolatile(ctx, page, data)
}

func TestPageFailureIsFatal(t *testing.T) {
	rules, atoms := problem(10)
	inner, err := pagestore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, inner.Close()) })

	pages := &failingPages{PageStore: inner}
	store := newStore(t, rules, atoms, WithPageSize(3), WithPageStore(pages))

	it, err := store.Iterator()
	require.NoError(t, err)
	drain(t, it, nil)

	pages.failVolatileWrites = true
	it, err = store.Iterator()
	require.NoError(t, err)

	ctx := context.Background()
	for {
		tm, err := it.Next(ctx)
		if err != nil {
			require.ErrorIs(t, err, ErrStoreFailed)
			require.ErrorIs(t, err, pagestore.ErrPageIO)
			break
		}
		it.Release(tm)
	}

	_, err = store.Iterator()
	require.ErrorIs(t, err, ErrStoreFailed)

	// Clearing resets the failure and the store grounds again.
	pages.failVolatileWrites = false
	require.NoError(t, store.Clear())
	it, err = store.Iterator()
	require.NoError(t, err)
	require.Len(t, drain(t, it, nil), 10)
}

func TestWeightAndSync(t *testing.T) {
	rules, atoms := problem(4)
	store := newStore(t, rules, atoms)

	require.InDelta(t, 1.5, store.Weight(0), 1e-9)
	rules[0].(*grounding.MemoryRule).SetWeight(2.5)
	require.InDelta(t, 2.5, store.Env().Weights.Weight(0), 1e-9)

	store.ConsensusValues()[3] = 0.99
	store.SyncAtoms()
	require.InDelta(t, 0.99, atoms.Value(3), 1e-6)

	v := store.CreateLocalVariable(3)
	require.Equal(t, term.LocalVariable{GlobalID: 3, Value: 0.99}, v)
}
