package queryrewriter

import (
	"fmt"
	"slices"
	"strings"
)

// PredicateKind classifies how a predicate participates in a grounding query.
type PredicateKind int

const (
	// PredicateStandard is backed by a table and is subject to cost analysis.
	PredicateStandard PredicateKind = iota
	// PredicateSpecial is evaluated by the database engine itself (e.g. inequality).
	PredicateSpecial
	// PredicateExternalFunctional is evaluated by user code at instantiation time.
	PredicateExternalFunctional
)

func (k PredicateKind) String() string {
	switch k {
	case PredicateStandard:
		return "standard"
	case PredicateSpecial:
		return "special"
	case PredicateExternalFunctional:
		return "external_functional"
	default:
		return fmt.Sprintf("predicate_kind(%d)", int(k))
	}
}

type Predicate struct {
	Name string
	Kind PredicateKind
}

// Argument is either a Variable or a Constant.
type Argument interface {
	fmt.Stringer
	isArgument()
}

type Variable string

func (v Variable) String() string { return string(v) }
func (Variable) isArgument()      {}

type Constant string

func (c Constant) String() string { return "'" + string(c) + "'" }
func (Constant) isArgument()      {}

// Formula is a conjunctive grounding query: a single *Atom or a *Conjunction.
type Formula interface {
	fmt.Stringer
	Atoms() []*Atom
}

type Atom struct {
	Predicate Predicate
	Args      []Argument
}

var _ Formula = (*Atom)(nil)

func NewAtom(predicate Predicate, args ...Argument) *Atom {
	return &Atom{Predicate: predicate, Args: args}
}

func (a *Atom) Atoms() []*Atom {
	return []*Atom{a}
}

// Variables returns the distinct variables of the atom in argument order.
func (a *Atom) Variables() []Variable {
	vars := make([]Variable, 0, len(a.Args))
	for _, arg := range a.Args {
		v, ok := arg.(Variable)
		if !ok || slices.Contains(vars, v) {
			continue
		}
		vars = append(vars, v)
	}
	return vars
}

// Position returns the first argument position holding v, or -1.
func (a *Atom) Position(v Variable) int {
	for i, arg := range a.Args {
		if av, ok := arg.(Variable); ok && av == v {
			return i
		}
	}
	return -1
}

func (a *Atom) String() string {
	args := make([]string, len(a.Args))
	for i, arg := range a.Args {
		args[i] = arg.String()
	}
	return a.Predicate.Name + "(" + strings.Join(args, ", ") + ")"
}

type Conjunction struct {
	atoms []*Atom
}

var _ Formula = (*Conjunction)(nil)

func NewConjunction(atoms ...*Atom) *Conjunction {
	return &Conjunction{atoms: atoms}
}

func (c *Conjunction) Atoms() []*Atom {
	return c.atoms
}

func (c *Conjunction) String() string {
	parts := make([]string, len(c.atoms))
	for i, atom := range c.atoms {
		parts[i] = atom.String()
	}
	return "(" + strings.Join(parts, " & ") + ")"
}
