package termstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/hlmrf/hlmrf/pkg/iterator"
	"github.com/hlmrf/hlmrf/pkg/term"
)

// cacheIterator streams pages back from the page store. Unless read-only, each page's volatile
// part is rewritten once all of its terms have been released.
type cacheIterator struct {
	store    *Store
	readonly bool

	mu       sync.Mutex
	inflight inflight

	pageOrder []int
	next      int
	current   int
	pos       int

	done bool
	err  error
}

var _ TermIterator = (*cacheIterator)(nil)

func newCacheIterator(s *Store, readonly bool) *cacheIterator {
	var order []int
	if s.randomizePageAccess {
		order = s.rng.Perm(s.numPages)
	} else {
		order = make([]int, s.numPages)
		for i := range order {
			order[i] = i
		}
	}

	it := &cacheIterator{
		store:     s,
		readonly:  readonly,
		pageOrder: order,
		current:   -1,
	}
	it.inflight = newInflight(&it.mu)

	return it
}

func (it *cacheIterator) Next(ctx context.Context) (*term.Term, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	s := it.store
	for {
		if it.err != nil {
			return nil, it.err
		}

		if it.done {
			return nil, iterator.ErrIteratorDone
		}

		if it.current >= 0 && it.pos < len(s.page) {
			t := s.page[it.pos]
			it.pos++
			it.inflight.count++
			return t, nil
		}

		if it.inflight.busy() {
			continue
		}

		if it.current >= 0 {
			if !it.readonly {
				if err := s.writeVolatile(ctx, it.current); err != nil {
					it.fail(err)
					continue
				}
			}
			it.current = -1
		}

		if it.next >= len(it.pageOrder) {
			it.finish()
			continue
		}

		p := it.pageOrder[it.next]
		it.next++
		if err := s.loadPage(ctx, p); err != nil {
			it.fail(err)
			continue
		}
		it.current = p
		it.pos = 0
	}
}

func (it *cacheIterator) Release(*term.Term) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.inflight.release()
}

// Stop abandons the pass. Local values of the resident page that were not yet written back are
// discarded.
func (it *cacheIterator) Stop() {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.done || it.err != nil {
		return
	}

	it.finish()
}

func (it *cacheIterator) finish() {
	it.done = true
	it.inflight.drained.Broadcast()
	it.store.release(it, nil)
}

func (it *cacheIterator) fail(err error) {
	it.err = fmt.Errorf("%w: %w", ErrStoreFailed, err)
	it.inflight.drained.Broadcast()
	it.store.release(it, err)
}
