// Package grounding describes the collaborators that feed the term store: rules that can be
// grounded one at a time, the atoms their ground rules reference, and the generator that
// turns ground rules into objective terms.
package grounding

import (
	"context"
	"errors"

	"github.com/hlmrf/hlmrf/pkg/iterator"
	"github.com/hlmrf/hlmrf/pkg/term"
)

// ErrInfeasibleGroundRule is returned when an unweighted ground rule has no variables left and
// its constant makes it unsatisfiable.
var ErrInfeasibleGroundRule = errors.New("infeasible ground rule")

// Rule is a template that produces ground rules.
type Rule interface {
	Name() string
	IsWeighted() bool
	// Weight is read every time a term of this rule is minimized or evaluated, so it may change
	// between optimizations.
	Weight() float64
	SupportsIndividualGrounding() bool
	Ground(ctx context.Context) (iterator.Iterator[*GroundRule], error)
}

// GroundRule is a ground rule already reduced to hyperplane form: the sum of Coefficients[i]
// times atom AtomIDs[i], compared against Constant.
type GroundRule struct {
	AtomIDs      []int32
	Coefficients []float32
	Constant     float32
	Comparator   term.Comparator

	// Hinge selects max(0, c.x - k) over the raw linear value for weighted rules.
	Hinge bool
	// Squared squares the loss of weighted rules.
	Squared bool
}

// AtomStore holds the current value of every random variable atom, indexed by global id.
type AtomStore interface {
	Count() int
	Value(id int32) float32
	SetValue(id int32, value float32)
}

// VariableSource creates the local copy of a global variable for a new term.
type VariableSource interface {
	CreateLocalVariable(atomID int32) term.LocalVariable
}

// TermGenerator turns one ground rule into zero or more terms.
type TermGenerator interface {
	Generate(ruleIndex int32, weighted bool, groundRule *GroundRule, vars VariableSource) ([]*term.Term, error)
}
