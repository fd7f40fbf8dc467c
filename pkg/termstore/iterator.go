package termstore

import (
	"sync"

	"github.com/hlmrf/hlmrf/pkg/iterator"
	"github.com/hlmrf/hlmrf/pkg/term"
)

// TermIterator hands out terms to any number of goroutines. Every term returned by Next must
// be given back with Release once the caller is done with it; a page is only flushed or
// replaced after all of its terms have been released. A goroutine must release the term it
// holds before calling Next again.
//
// Next returns iterator.ErrIteratorDone once every term has been handed out and released.
type TermIterator interface {
	iterator.Iterator[*term.Term]
	Release(t *term.Term)
}

// inflight counts terms handed out but not yet released. Callers hold the mutex backing
// drained.
type inflight struct {
	count   int
	drained *sync.Cond
}

func newInflight(mu *sync.Mutex) inflight {
	return inflight{drained: sync.NewCond(mu)}
}

func (f *inflight) release() {
	f.count--
	if f.count == 0 {
		f.drained.Broadcast()
	}
}

// busy reports whether terms are still out, waiting once for a release if so. Callers re-check
// their state afterwards since another goroutine may have advanced the iterator meanwhile.
func (f *inflight) busy() bool {
	if f.count == 0 {
		return false
	}
	f.drained.Wait()
	return true
}
