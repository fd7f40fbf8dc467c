// Package termpool recycles term instances between pages so that streaming a page from disk
// allocates nothing once the first round is done.
package termpool

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hlmrf/hlmrf/pkg/logger"
	"github.com/hlmrf/hlmrf/pkg/term"
)

// ErrPoolExhausted is returned when a page needs more terms of a kind than the pool holds.
// The pool is filled during the first round, so this indicates a programming error.
var ErrPoolExhausted = errors.New("term pool exhausted")

type slot struct {
	terms  []*term.Term
	cursor int
}

// Pool holds, per term kind, the instances seen during the first round and a cursor to the
// next reusable one. A Pool is not safe for concurrent use.
type Pool struct {
	pageSize int
	logger   logger.Logger
	slots    map[term.Kind]*slot
}

type PoolOption func(*Pool)

func WithLogger(l logger.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

func New(pageSize int, opts ...PoolOption) *Pool {
	p := &Pool{
		pageSize: pageSize,
		logger:   logger.NewNoopLogger(),
		slots:    make(map[term.Kind]*slot, len(term.Kinds)),
	}

	for _, opt := range opts {
		opt(p)
	}

	for _, kind := range term.Kinds {
		p.slots[kind] = &slot{}
	}

	return p
}

// Get returns the next reusable instance of kind and advances its cursor.
func (p *Pool) Get(kind term.Kind) (*term.Term, error) {
	s, ok := p.slots[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown term kind %d", ErrPoolExhausted, kind)
	}

	if s.cursor >= len(s.terms) {
		return nil, fmt.Errorf("%w: %s requested past %d pooled instances; the pool must be reset before reuse", ErrPoolExhausted, kind, len(s.terms))
	}

	t := s.terms[s.cursor]
	s.cursor++

	return t, nil
}

// Add records that the current page uses one more term of t's kind. The instance is kept only
// when the page holds more terms of that kind than any page before it.
func (p *Pool) Add(t *term.Term) {
	s := p.slots[t.Kind()]

	if s.cursor == p.pageSize {
		p.logger.Warn("term pool is full for the page size; ignoring added term",
			zap.Stringer("kind", t.Kind()),
			zap.Int("page_size", p.pageSize))
		return
	}

	s.cursor++
	if s.cursor > len(s.terms) {
		s.terms = append(s.terms, t)
	}
}

// ResetForReuse rewinds every cursor so the pooled instances can back the next page.
func (p *Pool) ResetForReuse() {
	for _, s := range p.slots {
		s.cursor = 0
	}
}

// Clear drops every pooled instance.
func (p *Pool) Clear() {
	for _, s := range p.slots {
		s.terms = nil
		s.cursor = 0
	}
}

// Len returns the number of pooled instances of kind.
func (p *Pool) Len(kind term.Kind) int {
	if s, ok := p.slots[kind]; ok {
		return len(s.terms)
	}
	return 0
}
