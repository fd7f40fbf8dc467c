package termstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hlmrf/hlmrf/pkg/grounding"
	"github.com/hlmrf/hlmrf/pkg/iterator"
	"github.com/hlmrf/hlmrf/pkg/term"
)

// initialRoundIterator grounds every rule, hands out the generated terms and writes them to
// pages as they fill up.
type initialRoundIterator struct {
	store *Store

	mu       sync.Mutex
	inflight inflight

	ruleIndex   int
	groundRules iterator.Iterator[*grounding.GroundRule]
	pending     []*term.Term
	page        []*term.Term

	numPages int
	numTerms int
	done     bool
	err      error
}

var _ TermIterator = (*initialRoundIterator)(nil)

func newInitialRoundIterator(s *Store) *initialRoundIterator {
	it := &initialRoundIterator{
		store: s,
		page:  make([]*term.Term, 0, s.pageSize),
	}
	it.inflight = newInflight(&it.mu)
	s.pool.ResetForReuse()
	return it
}

func (it *initialRoundIterator) Next(ctx context.Context) (*term.Term, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	for {
		if it.err != nil {
			return nil, it.err
		}

		if it.done {
			return nil, iterator.ErrIteratorDone
		}

		if len(it.page) == it.store.pageSize {
			if it.inflight.busy() {
				continue
			}
			if err := it.flush(ctx); err != nil {
				it.fail(err)
			}
			continue
		}

		if len(it.pending) == 0 {
			more, err := it.generate(ctx)
			if err != nil {
				it.fail(err)
				continue
			}

			if !more {
				if it.inflight.busy() {
					continue
				}
				if err := it.finish(ctx); err != nil {
					it.fail(err)
				}
			}
			continue
		}

		t := it.pending[0]
		it.pending[0] = nil
		it.pending = it.pending[1:]

		it.page = append(it.page, t)
		it.store.pool.Add(t)
		it.numTerms++
		it.inflight.count++

		return t, nil
	}
}

func (it *initialRoundIterator) Release(*term.Term) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.inflight.release()
}

// Stop abandons the round. Pages written so far are discarded and the store goes back to
// building.
func (it *initialRoundIterator) Stop() {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.done || it.err != nil {
		return
	}

	it.done = true
	if it.groundRules != nil {
		it.groundRules.Stop()
		it.groundRules = nil
	}
	it.pending = nil
	it.inflight.drained.Broadcast()

	s := it.store
	s.pool.Clear()
	if err := s.pages.Clear(); err != nil {
		s.release(it, err)
		return
	}
	s.release(it, nil)
}

// generate grounds until at least one term is pending. It returns false once every rule has
// been exhausted.
func (it *initialRoundIterator) generate(ctx context.Context) (bool, error) {
	s := it.store

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		if it.groundRules == nil {
			if it.ruleIndex >= len(s.rules) {
				return false, nil
			}

			rule := s.rules[it.ruleIndex]
			groundRules, err := rule.Ground(ctx)
			if err != nil {
				return false, fmt.Errorf("unable to ground rule %q: %w", rule.Name(), err)
			}
			it.groundRules = groundRules
		}

		rule := s.rules[it.ruleIndex]
		groundRule, err := it.groundRules.Next(ctx)
		if err != nil {
			if errors.Is(err, iterator.ErrIteratorDone) {
				it.groundRules.Stop()
				it.groundRules = nil
				it.ruleIndex++
				continue
			}
			return false, fmt.Errorf("unable to ground rule %q: %w", rule.Name(), err)
		}

		terms, err := s.generator.Generate(int32(it.ruleIndex), rule.IsWeighted(), groundRule, s)
		if err != nil {
			return false, fmt.Errorf("unable to generate terms for rule %q: %w", rule.Name(), err)
		}

		if len(terms) == 0 {
			continue
		}

		termsGeneratedCounter.Add(float64(len(terms)))
		it.pending = append(it.pending, terms...)
		return true, nil
	}
}

func (it *initialRoundIterator) flush(ctx context.Context) error {
	if err := it.store.writePage(ctx, it.numPages, it.page); err != nil {
		return err
	}

	it.numPages++
	clear(it.page)
	it.page = it.page[:0]
	it.store.pool.ResetForReuse()

	return nil
}

func (it *initialRoundIterator) finish(ctx context.Context) error {
	if len(it.page) > 0 {
		if err := it.flush(ctx); err != nil {
			return err
		}
	}

	it.done = true
	it.inflight.drained.Broadcast()
	it.store.completeInitialRound(it, it.numPages, it.numTerms)

	return nil
}

func (it *initialRoundIterator) fail(err error) {
	it.err = fmt.Errorf("%w: %w", ErrStoreFailed, err)
	if it.groundRules != nil {
		it.groundRules.Stop()
		it.groundRules = nil
	}
	it.inflight.drained.Broadcast()
	it.store.release(it, err)
}
