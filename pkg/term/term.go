// Package term models the objective terms of a hinge-loss Markov random field as they are
// consumed by a consensus optimizer. A term couples a hyperplane over a handful of global
// variables with one of five loss shapes, and keeps its own local copy of every variable it
// touches together with the matching Lagrange multiplier.
package term

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// RelaxedEpsilon is the tolerance used when checking equality constraints.
const RelaxedEpsilon = 1e-3

var (
	// ErrInvalidTerm is returned when a term is constructed from inconsistent parts.
	ErrInvalidTerm = errors.New("invalid term")

	// ErrMalformed is returned when a serialized term cannot be decoded.
	ErrMalformed = errors.New("malformed term encoding")
)

// Kind is the closed set of term shapes. The numeric values are written to term pages and
// must not change.
type Kind int32

const (
	KindSquaredHingeLoss Kind = iota
	KindSquaredLinearLoss
	KindHingeLoss
	KindLinearLoss
	KindLinearConstraint
)

// Kinds lists every term kind in tag order.
var Kinds = []Kind{
	KindSquaredHingeLoss,
	KindSquaredLinearLoss,
	KindHingeLoss,
	KindLinearLoss,
	KindLinearConstraint,
}

func (k Kind) Valid() bool {
	return k >= KindSquaredHingeLoss && k <= KindLinearConstraint
}

func (k Kind) IsConstraint() bool {
	return k == KindLinearConstraint
}

func (k Kind) String() string {
	switch k {
	case KindSquaredHingeLoss:
		return "squared_hinge_loss"
	case KindSquaredLinearLoss:
		return "squared_linear_loss"
	case KindHingeLoss:
		return "hinge_loss"
	case KindLinearLoss:
		return "linear_loss"
	case KindLinearConstraint:
		return "linear_constraint"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// Comparator relates a constraint hyperplane to its constant.
type Comparator int32

const (
	EQ Comparator = iota
	LTE
	GTE
)

func (c Comparator) Valid() bool {
	return c >= EQ && c <= GTE
}

func (c Comparator) String() string {
	switch c {
	case EQ:
		return "="
	case LTE:
		return "<="
	case GTE:
		return ">="
	default:
		return fmt.Sprintf("comparator(%d)", int32(c))
	}
}

// LocalVariable is a term's private copy of a global variable.
type LocalVariable struct {
	GlobalID int32
	Value    float32
	Lagrange float32
}

// WeightSource resolves the current weight of the rule a term was generated from.
type WeightSource interface {
	Weight(ruleIndex int32) float32
}

// Env bundles the shared state terms consult while minimizing and evaluating.
type Env struct {
	Weights WeightSource
	Factors *FactorCache
}

func NewEnv(weights WeightSource) *Env {
	return &Env{
		Weights: weights,
		Factors: NewFactorCache(),
	}
}

// Term is a single objective term. A Term is not safe for concurrent use; the optimizer
// hands each term to exactly one worker at a time.
type Term struct {
	kind         Kind
	ruleIndex    int32
	variables    []LocalVariable
	coefficients []float32
	constant     float32
	comparator   Comparator

	factor  *Factor
	scratch []float64
}

// New builds a term of the given kind. The comparator is only meaningful for constraints.
func New(
	kind Kind,
	ruleIndex int32,
	variables []LocalVariable,
	coefficients []float32,
	constant float32,
	comparator Comparator,
) (*Term, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidTerm, kind)
	}

	if len(variables) == 0 {
		return nil, fmt.Errorf("%w: a term needs at least one variable", ErrInvalidTerm)
	}

	if len(variables) != len(coefficients) {
		return nil, fmt.Errorf("%w: %d variables but %d coefficients", ErrInvalidTerm, len(variables), len(coefficients))
	}

	for i, c := range coefficients {
		if c == 0 || math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
			return nil, fmt.Errorf("%w: coefficient %d is %v", ErrInvalidTerm, i, c)
		}
	}

	if kind.IsConstraint() {
		if !comparator.Valid() {
			return nil, fmt.Errorf("%w: unknown comparator %d", ErrInvalidTerm, comparator)
		}
	} else {
		comparator = LTE
	}

	return &Term{
		kind:         kind,
		ruleIndex:    ruleIndex,
		variables:    append([]LocalVariable(nil), variables...),
		coefficients: append([]float32(nil), coefficients...),
		constant:     constant,
		comparator:   comparator,
	}, nil
}

// Blank returns an empty term of the given kind, ready to be filled by DecodeFixed.
func Blank(kind Kind) *Term {
	return &Term{kind: kind, comparator: LTE}
}

func (t *Term) Kind() Kind {
	return t.kind
}

func (t *Term) RuleIndex() int32 {
	return t.ruleIndex
}

func (t *Term) Size() int {
	return len(t.variables)
}

// Variables returns the term's local variables. The slice is owned by the term.
func (t *Term) Variables() []LocalVariable {
	return t.variables
}

func (t *Term) Coefficients() []float32 {
	return t.coefficients
}

func (t *Term) Constant() float32 {
	return t.constant
}

func (t *Term) Comparator() Comparator {
	return t.comparator
}

// UpdateLagrange performs the dual step y = y + stepSize * (x - z).
func (t *Term) UpdateLagrange(stepSize float32, consensus []float32) {
	for i := range t.variables {
		v := &t.variables[i]
		v.Lagrange += stepSize * (v.Value - consensus[v.GlobalID])
	}
}

// Evaluate returns the term's loss at its local values.
func (t *Term) Evaluate(env *Env) float64 {
	return t.loss(env, t.dotLocal()-float64(t.constant))
}

// EvaluateAt returns the term's loss at the given consensus values.
func (t *Term) EvaluateAt(env *Env, consensus []float32) float64 {
	return t.loss(env, t.dotAt(consensus)-float64(t.constant))
}

func (t *Term) loss(env *Env, h float64) float64 {
	if t.kind.IsConstraint() {
		if t.satisfied(h, RelaxedEpsilon) {
			return 0
		}
		return math.Inf(1)
	}

	w := t.weight(env)
	switch t.kind {
	case KindLinearLoss:
		return w * h
	case KindSquaredLinearLoss:
		return w * h * h
	case KindHingeLoss:
		return w * math.Max(0, h)
	case KindSquaredHingeLoss:
		h = math.Max(0, h)
		return w * h * h
	default:
		panic(fmt.Sprintf("unhandled term kind %s", t.kind))
	}
}

// satisfied reports whether a hyperplane value h = c.x - k satisfies the comparator.
// Equality is checked within eps, inequalities exactly.
func (t *Term) satisfied(h float64, eps float64) bool {
	switch t.comparator {
	case EQ:
		return math.Abs(h) <= eps
	case LTE:
		return h <= 0
	case GTE:
		return h >= 0
	default:
		return false
	}
}

func (t *Term) weight(env *Env) float64 {
	return float64(env.Weights.Weight(t.ruleIndex))
}

func (t *Term) dotLocal() float64 {
	var total float64
	for i, v := range t.variables {
		total += float64(t.coefficients[i]) * float64(v.Value)
	}
	return total
}

func (t *Term) dotAt(consensus []float32) float64 {
	var total float64
	for i, v := range t.variables {
		total += float64(t.coefficients[i]) * float64(consensus[v.GlobalID])
	}
	return total
}

// Equal reports whether two terms have the same kind, rule, hyperplane and local state.
func (t *Term) Equal(other *Term) bool {
	if t == other {
		return true
	}

	if t == nil || other == nil {
		return false
	}

	if t.kind != other.kind ||
		t.ruleIndex != other.ruleIndex ||
		t.constant != other.constant ||
		len(t.variables) != len(other.variables) {
		return false
	}

	if t.kind.IsConstraint() && t.comparator != other.comparator {
		return false
	}

	for i := range t.variables {
		if t.variables[i] != other.variables[i] || t.coefficients[i] != other.coefficients[i] {
			return false
		}
	}

	return true
}

func (t *Term) String() string {
	var sb strings.Builder
	sb.WriteString(t.kind.String())
	sb.WriteString("(")
	for i, v := range t.variables {
		if i > 0 {
			sb.WriteString(" + ")
		}
		fmt.Fprintf(&sb, "%g * x%d", t.coefficients[i], v.GlobalID)
	}
	fmt.Fprintf(&sb, " %s %g) rule=%d", t.comparator, t.constant, t.ruleIndex)
	return sb.String()
}
