package run

import (
	"errors"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/hlmrf/hlmrf/pkg/grounding"
	"github.com/hlmrf/hlmrf/pkg/term"
)

var ErrInvalidProblem = errors.New("invalid problem")

// Problem is the YAML description of a ground model.
type Problem struct {
	Atoms []ProblemAtom `json:"atoms"`
	Rules []ProblemRule `json:"rules"`
}

type ProblemAtom struct {
	Name  string  `json:"name"`
	Value float32 `json:"value,omitempty"`
}

type ProblemRule struct {
	Name string `json:"name"`
	// Weight is absent for hard constraints.
	Weight *float64 `json:"weight,omitempty"`
	// Loss is one of hinge (default), squared_hinge, linear or squared_linear.
	Loss       string             `json:"loss,omitempty"`
	Groundings []ProblemGrounding `json:"groundings"`
}

type ProblemGrounding struct {
	Atoms        []string  `json:"atoms"`
	Coefficients []float32 `json:"coefficients"`
	Constant     float32   `json:"constant,omitempty"`
	// Comparator is one of '<=', '>=' or '='. Defaults to '<='.
	Comparator string `json:"comparator,omitempty"`
}

// LoadProblem reads and parses a problem file.
func LoadProblem(path string) (*Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read problem: %w", err)
	}

	problem := &Problem{}
	if err := yaml.UnmarshalStrict(data, problem); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidProblem, path, err)
	}

	return problem, nil
}

// Build resolves atom names and returns the atom store with one rule per problem rule.
func (p *Problem) Build() (*grounding.MemoryAtomStore, []grounding.Rule, error) {
	ids := make(map[string]int32, len(p.Atoms))
	values := make([]float32, len(p.Atoms))
	for i, atom := range p.Atoms {
		if atom.Name == "" {
			return nil, nil, fmt.Errorf("%w: atom %d has no name", ErrInvalidProblem, i)
		}
		if _, ok := ids[atom.Name]; ok {
			return nil, nil, fmt.Errorf("%w: duplicate atom %s", ErrInvalidProblem, atom.Name)
		}
		if atom.Value < 0 || atom.Value > 1 {
			return nil, nil, fmt.Errorf("%w: atom %s has value %v outside [0, 1]", ErrInvalidProblem, atom.Name, atom.Value)
		}
		ids[atom.Name] = int32(i)
		values[i] = atom.Value
	}

	rules := make([]grounding.Rule, 0, len(p.Rules))
	for _, rule := range p.Rules {
		hinge, squared, err := parseLoss(rule.Loss)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: rule %s: %w", ErrInvalidProblem, rule.Name, err)
		}

		groundRules := make([]*grounding.GroundRule, 0, len(rule.Groundings))
		for _, g := range rule.Groundings {
			comparator, err := parseComparator(g.Comparator)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: rule %s: %w", ErrInvalidProblem, rule.Name, err)
			}

			atomIDs := make([]int32, len(g.Atoms))
			for i, name := range g.Atoms {
				id, ok := ids[name]
				if !ok {
					return nil, nil, fmt.Errorf("%w: rule %s references unknown atom %s", ErrInvalidProblem, rule.Name, name)
				}
				atomIDs[i] = id
			}

			groundRules = append(groundRules, &grounding.GroundRule{
				AtomIDs:      atomIDs,
				Coefficients: g.Coefficients,
				Constant:     g.Constant,
				Comparator:   comparator,
				Hinge:        hinge,
				Squared:      squared,
			})
		}

		if rule.Weight == nil {
			rules = append(rules, grounding.NewConstraintRule(rule.Name, groundRules))
		} else {
			rules = append(rules, grounding.NewWeightedRule(rule.Name, *rule.Weight, groundRules))
		}
	}

	return grounding.NewMemoryAtomStore(values...), rules, nil
}

func parseLoss(loss string) (hinge, squared bool, err error) {
	switch loss {
	case "", "hinge":
		return true, false, nil
	case "squared_hinge":
		return true, true, nil
	case "linear":
		return false, false, nil
	case "squared_linear":
		return false, true, nil
	default:
		return false, false, fmt.Errorf("unknown loss '%s'", loss)
	}
}

func parseComparator(comparator string) (term.Comparator, error) {
	switch comparator {
	case "", "<=":
		return term.LTE, nil
	case ">=":
		return term.GTE, nil
	case "=", "==":
		return term.EQ, nil
	default:
		return 0, fmt.Errorf("unknown comparator '%s'", comparator)
	}
}
