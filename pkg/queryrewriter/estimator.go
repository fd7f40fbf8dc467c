package queryrewriter

import (
	"fmt"
)

// CostEstimator estimates the number of rows a conjunctive query over atoms returns.
type CostEstimator interface {
	Estimate(atoms []*Atom, stats map[string]*TableStats) (float64, error)
}

// SelectivityEstimator divides the cross product of the tables once per join
// variable by the smallest cardinality among the columns the variable binds.
type SelectivityEstimator struct{}

var _ CostEstimator = SelectivityEstimator{}

func (SelectivityEstimator) Estimate(atoms []*Atom, stats map[string]*TableStats) (float64, error) {
	cost, err := crossProduct(atoms, stats)
	if err != nil {
		return 0, err
	}

	for _, usage := range variableUsage(atoms) {
		if len(usage.atoms) <= 1 {
			continue
		}

		var minCardinality int64
		for i, atom := range usage.atoms {
			cardinality, err := stats[atom.Predicate.Name].cardinality(atom.Position(usage.variable))
			if err != nil {
				return 0, fmt.Errorf("%s: %w", atom.Predicate.Name, err)
			}
			if i == 0 || cardinality < minCardinality {
				minCardinality = cardinality
			}
		}

		// An empty column already zeroed the cross product.
		if minCardinality > 0 {
			cost /= float64(minCardinality)
		}
	}

	return cost, nil
}

// HistogramEstimator corrects the cross product of the tables once per join
// variable by the ratio of the joined column histograms to their cross product.
type HistogramEstimator struct{}

var _ CostEstimator = HistogramEstimator{}

func (HistogramEstimator) Estimate(atoms []*Atom, stats map[string]*TableStats) (float64, error) {
	cost, err := crossProduct(atoms, stats)
	if err != nil {
		return 0, err
	}

	for _, usage := range variableUsage(atoms) {
		if len(usage.atoms) <= 1 {
			continue
		}

		var joined Histogram
		size := 1.0
		for _, atom := range usage.atoms {
			table := stats[atom.Predicate.Name]
			size *= float64(table.Count)

			histogram, err := table.histogram(atom.Position(usage.variable))
			if err != nil {
				return 0, fmt.Errorf("%s: %w", atom.Predicate.Name, err)
			}

			if joined == nil {
				joined = histogram
			} else {
				joined = joined.Join(histogram)
			}
		}

		if size > 0 {
			cost *= joined.Size() / size
		}
	}

	return cost, nil
}

func crossProduct(atoms []*Atom, stats map[string]*TableStats) (float64, error) {
	cost := 1.0
	for _, atom := range atoms {
		table, ok := stats[atom.Predicate.Name]
		if !ok || table == nil {
			return 0, fmt.Errorf("%w: %s", ErrMissingStatistics, atom.Predicate.Name)
		}
		cost *= float64(table.Count)
	}
	return cost, nil
}

type usage struct {
	variable Variable
	atoms    []*Atom
}

// variableUsage lists every variable with the atoms that bind it, both in query order.
func variableUsage(atoms []*Atom) []usage {
	var usages []usage
	index := make(map[Variable]int)
	for _, atom := range atoms {
		for _, v := range atom.Variables() {
			i, ok := index[v]
			if !ok {
				i = len(usages)
				index[v] = i
				usages = append(usages, usage{variable: v})
			}
			usages[i].atoms = append(usages[i].atoms, atom)
		}
	}
	return usages
}
