//go:generate mockgen -source stats.go -destination ../../internal/mocks/mock_stats_provider.go -package mocks StatsProvider

package queryrewriter

import (
	"context"
	"errors"
	"fmt"
)

// ErrMissingStatistics is returned when statistics for a predicate in the query
// cannot be obtained or do not cover an argument position used by the query.
var ErrMissingStatistics = errors.New("missing table statistics")

// TableStats describes the table backing one predicate. Cardinalities and
// Histograms are indexed by argument position.
type TableStats struct {
	Count         int64
	Cardinalities []int64
	Histograms    []Histogram
}

func (s *TableStats) cardinality(pos int) (int64, error) {
	if pos < 0 || pos >= len(s.Cardinalities) {
		return 0, fmt.Errorf("%w: no cardinality for column %d", ErrMissingStatistics, pos)
	}
	return s.Cardinalities[pos], nil
}

func (s *TableStats) histogram(pos int) (Histogram, error) {
	if pos < 0 || pos >= len(s.Histograms) || s.Histograms[pos] == nil {
		return nil, fmt.Errorf("%w: no histogram for column %d", ErrMissingStatistics, pos)
	}
	return s.Histograms[pos], nil
}

// StatsProvider supplies table statistics for a predicate.
type StatsProvider interface {
	TableStats(ctx context.Context, predicate string) (*TableStats, error)
}

// Histogram is a joinable selectivity histogram over one column.
type Histogram interface {
	// Join estimates the histogram of an equi-join between the two columns. Joining
	// histograms of different implementations yields an empty histogram.
	Join(other Histogram) Histogram
	// Size is the number of rows the histogram accounts for.
	Size() float64
}

// DiscreteHistogram counts rows per distinct column value.
type DiscreteHistogram map[string]float64

var _ Histogram = DiscreteHistogram(nil)

// Join multiplies the counts of values present in both histograms. Values missing
// from either side cannot join and are dropped.
func (h DiscreteHistogram) Join(other Histogram) Histogram {
	o, ok := other.(DiscreteHistogram)
	if !ok {
		return DiscreteHistogram{}
	}

	small, large := h, o
	if len(large) < len(small) {
		small, large = large, small
	}

	joined := make(DiscreteHistogram, len(small))
	for value, count := range small {
		if otherCount, ok := large[value]; ok {
			joined[value] = count * otherCount
		}
	}
	return joined
}

func (h DiscreteHistogram) Size() float64 {
	var size float64
	for _, count := range h {
		size += count
	}
	return size
}
