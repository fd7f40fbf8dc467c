package grounding

import (
	"context"
	"sync"

	"github.com/hlmrf/hlmrf/pkg/iterator"
)

// MemoryAtomStore is an AtomStore backed by a slice.
type MemoryAtomStore struct {
	mu     sync.RWMutex
	values []float32
}

var _ AtomStore = (*MemoryAtomStore)(nil)

func NewMemoryAtomStore(values ...float32) *MemoryAtomStore {
	return &MemoryAtomStore{values: append([]float32(nil), values...)}
}

func (s *MemoryAtomStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

func (s *MemoryAtomStore) Value(id int32) float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[id]
}

// SetValue stores value clamped to [0, 1].
func (s *MemoryAtomStore) SetValue(id int32, value float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id] = min(max(value, 0), 1)
}

// Values returns a copy of every atom value.
func (s *MemoryAtomStore) Values() []float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]float32(nil), s.values...)
}

// MemoryRule is a Rule whose ground rules are known up front.
type MemoryRule struct {
	mu          sync.RWMutex
	name        string
	weight      float64
	weighted    bool
	individual  bool
	groundRules []*GroundRule
}

var _ Rule = (*MemoryRule)(nil)

type MemoryRuleOption func(*MemoryRule)

// WithoutIndividualGrounding marks the rule as groundable only in bulk.
func WithoutIndividualGrounding() MemoryRuleOption {
	return func(r *MemoryRule) {
		r.individual = false
	}
}

// NewWeightedRule returns a soft rule with the given weight.
func NewWeightedRule(name string, weight float64, groundRules []*GroundRule, opts ...MemoryRuleOption) *MemoryRule {
	return newMemoryRule(name, weight, true, groundRules, opts)
}

// NewConstraintRule returns a hard rule.
func NewConstraintRule(name string, groundRules []*GroundRule, opts ...MemoryRuleOption) *MemoryRule {
	return newMemoryRule(name, 0, false, groundRules, opts)
}

func newMemoryRule(name string, weight float64, weighted bool, groundRules []*GroundRule, opts []MemoryRuleOption) *MemoryRule {
	r := &MemoryRule{
		name:        name,
		weight:      weight,
		weighted:    weighted,
		individual:  true,
		groundRules: groundRules,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *MemoryRule) Name() string {
	return r.name
}

func (r *MemoryRule) IsWeighted() bool {
	return r.weighted
}

func (r *MemoryRule) Weight() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.weight
}

// SetWeight changes the weight seen by terms already generated from this rule.
func (r *MemoryRule) SetWeight(weight float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.weight = weight
}

func (r *MemoryRule) SupportsIndividualGrounding() bool {
	return r.individual
}

func (r *MemoryRule) Ground(_ context.Context) (iterator.Iterator[*GroundRule], error) {
	return iterator.NewStaticIterator(r.groundRules...), nil
}
