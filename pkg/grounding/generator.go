package grounding

import (
	"context"
	"errors"
	"fmt"

	"github.com/hlmrf/hlmrf/pkg/iterator"
	"github.com/hlmrf/hlmrf/pkg/term"
)

// HyperplaneGenerator is the default TermGenerator. Weighted ground rules become loss terms,
// unweighted ones become hard constraints.
type HyperplaneGenerator struct{}

var _ TermGenerator = (*HyperplaneGenerator)(nil)

func NewHyperplaneGenerator() *HyperplaneGenerator {
	return &HyperplaneGenerator{}
}

func (g *HyperplaneGenerator) Generate(ruleIndex int32, weighted bool, groundRule *GroundRule, vars VariableSource) ([]*term.Term, error) {
	if len(groundRule.AtomIDs) != len(groundRule.Coefficients) {
		return nil, fmt.Errorf("%w: %d atoms but %d coefficients", term.ErrInvalidTerm, len(groundRule.AtomIDs), len(groundRule.Coefficients))
	}

	ids, coefficients := collapse(groundRule.AtomIDs, groundRule.Coefficients)
	constant := groundRule.Constant

	if len(ids) == 0 {
		if !weighted && !trivially(groundRule.Comparator, constant) {
			return nil, fmt.Errorf("%w: 0 %s %v", ErrInfeasibleGroundRule, groundRule.Comparator, constant)
		}
		return nil, nil
	}

	if !weighted {
		t, err := g.newTerm(term.KindLinearConstraint, ruleIndex, ids, coefficients, constant, groundRule.Comparator, vars)
		if err != nil {
			return nil, err
		}
		return []*term.Term{t}, nil
	}

	kind := lossKind(groundRule.Hinge, groundRule.Squared)
	if !groundRule.Hinge {
		t, err := g.newTerm(kind, ruleIndex, ids, coefficients, constant, term.LTE, vars)
		if err != nil {
			return nil, err
		}
		return []*term.Term{t}, nil
	}

	var terms []*term.Term
	if groundRule.Comparator == term.LTE || groundRule.Comparator == term.EQ {
		t, err := g.newTerm(kind, ruleIndex, ids, coefficients, constant, term.LTE, vars)
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}

	if groundRule.Comparator == term.GTE || groundRule.Comparator == term.EQ {
		negated := make([]float32, len(coefficients))
		for i, c := range coefficients {
			negated[i] = -c
		}

		t, err := g.newTerm(kind, ruleIndex, ids, negated, -constant, term.LTE, vars)
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}

	return terms, nil
}

func (g *HyperplaneGenerator) newTerm(
	kind term.Kind,
	ruleIndex int32,
	ids []int32,
	coefficients []float32,
	constant float32,
	comparator term.Comparator,
	vars VariableSource,
) (*term.Term, error) {
	locals := make([]term.LocalVariable, len(ids))
	for i, id := range ids {
		locals[i] = vars.CreateLocalVariable(id)
	}

	return term.New(kind, ruleIndex, locals, coefficients, constant, comparator)
}

func lossKind(hinge, squared bool) term.Kind {
	switch {
	case hinge && squared:
		return term.KindSquaredHingeLoss
	case hinge:
		return term.KindHingeLoss
	case squared:
		return term.KindSquaredLinearLoss
	default:
		return term.KindLinearLoss
	}
}

// collapse merges repeated atoms and drops zero coefficients, keeping first-seen order.
func collapse(atomIDs []int32, coefficients []float32) ([]int32, []float32) {
	position := make(map[int32]int, len(atomIDs))
	ids := make([]int32, 0, len(atomIDs))
	sums := make([]float32, 0, len(atomIDs))

	for i, id := range atomIDs {
		if p, ok := position[id]; ok {
			sums[p] += coefficients[i]
			continue
		}
		position[id] = len(ids)
		ids = append(ids, id)
		sums = append(sums, coefficients[i])
	}

	n := 0
	for i := range ids {
		if sums[i] == 0 {
			continue
		}
		ids[n], sums[n] = ids[i], sums[i]
		n++
	}

	return ids[:n], sums[:n]
}

func trivially(comparator term.Comparator, constant float32) bool {
	switch comparator {
	case term.EQ:
		return constant == 0
	case term.LTE:
		return constant >= 0
	case term.GTE:
		return constant <= 0
	default:
		return false
	}
}

// GenerateAll grounds rule and generates the terms of every ground rule it yields.
func GenerateAll(ctx context.Context, generator TermGenerator, ruleIndex int32, rule Rule, vars VariableSource) ([]*term.Term, error) {
	groundRules, err := rule.Ground(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to ground rule %q: %w", rule.Name(), err)
	}
	defer groundRules.Stop()

	var terms []*term.Term
	for {
		groundRule, err := groundRules.Next(ctx)
		if err != nil {
			if errors.Is(err, iterator.ErrIteratorDone) {
				return terms, nil
			}
			return nil, fmt.Errorf("unable to ground rule %q: %w", rule.Name(), err)
		}

		generated, err := generator.Generate(ruleIndex, rule.IsWeighted(), groundRule, vars)
		if err != nil {
			return nil, fmt.Errorf("unable to generate terms for rule %q: %w", rule.Name(), err)
		}
		terms = append(terms, generated...)
	}
}
