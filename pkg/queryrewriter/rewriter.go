// Package queryrewriter trims conjunctive grounding queries using table statistics.
// A rewritten query may return a superset of the original rows; grounding checks
// every candidate again, so dropping an expensive join atom is safe as long as no
// variable loses its binding.
package queryrewriter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/hlmrf/hlmrf/pkg/logger"
	"github.com/hlmrf/hlmrf/pkg/telemetry"
)

var tracer = otel.Tracer("pkg/queryrewriter")

const (
	DefaultAllowedTotalCostIncrease = 2.0
	DefaultAllowedStepCostIncrease  = 1.5
	DefaultUseHistograms            = true
)

var (
	ErrEmptyFormula  = errors.New("formula has no atoms")
	ErrInvalidOption = errors.New("invalid rewrite option")
)

type rewriteConfig struct {
	allowedTotalCostIncrease float64
	allowedStepCostIncrease  float64
	useHistograms            bool
	logger                   logger.Logger
}

type RewriteOption func(*rewriteConfig)

// WithAllowedTotalCostIncrease bounds the final estimated cost relative to the original query.
func WithAllowedTotalCostIncrease(factor float64) RewriteOption {
	return func(c *rewriteConfig) {
		c.allowedTotalCostIncrease = factor
	}
}

// WithAllowedStepCostIncrease bounds the estimated cost growth of a single removal.
func WithAllowedStepCostIncrease(factor float64) RewriteOption {
	return func(c *rewriteConfig) {
		c.allowedStepCostIncrease = factor
	}
}

// WithHistograms selects HistogramEstimator when true and SelectivityEstimator otherwise.
func WithHistograms(enabled bool) RewriteOption {
	return func(c *rewriteConfig) {
		c.useHistograms = enabled
	}
}

func WithLogger(l logger.Logger) RewriteOption {
	return func(c *rewriteConfig) {
		c.logger = l
	}
}

// Plan is the outcome of a rewrite along with the estimates that drove it.
type Plan struct {
	Formula  Formula
	BaseCost float64
	Cost     float64
	// Removed lists dropped atoms in removal order.
	Removed []*Atom
}

// Rewrite returns a cheaper query that binds every variable of formula.
func Rewrite(ctx context.Context, formula Formula, provider StatsProvider, opts ...RewriteOption) (Formula, error) {
	plan, err := Explain(ctx, formula, provider, opts...)
	if err != nil {
		return nil, err
	}
	return plan.Formula, nil
}

// Explain runs the greedy rewrite and reports the estimated costs.
// Atoms with non-standard predicates are never removed and keep their position.
func Explain(ctx context.Context, formula Formula, provider StatsProvider, opts ...RewriteOption) (*Plan, error) {
	cfg := &rewriteConfig{
		allowedTotalCostIncrease: DefaultAllowedTotalCostIncrease,
		allowedStepCostIncrease:  DefaultAllowedStepCostIncrease,
		useHistograms:            DefaultUseHistograms,
		logger:                   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.verify(); err != nil {
		return nil, err
	}

	atoms := formula.Atoms()
	if len(atoms) == 0 {
		return nil, ErrEmptyFormula
	}

	// Priors have nothing to trim.
	if len(atoms) == 1 {
		return &Plan{Formula: formula}, nil
	}

	ctx, span := tracer.Start(ctx, "queryrewriter.Rewrite")
	defer span.End()

	used := make([]*Atom, 0, len(atoms))
	for _, atom := range atoms {
		if atom.Predicate.Kind == PredicateStandard {
			used = append(used, atom)
		}
	}

	stats, err := fetchTableStats(ctx, used, provider)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	var estimator CostEstimator = SelectivityEstimator{}
	if cfg.useHistograms {
		estimator = HistogramEstimator{}
	}

	baseCost, err := estimator.Estimate(used, stats)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	plan := &Plan{BaseCost: baseCost, Cost: baseCost}
	candidate := make([]*Atom, 0, len(used))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bestIndex := -1
		bestCost := math.Inf(1)
		for i, atom := range used {
			if !canRemove(atom, used) {
				continue
			}

			candidate = append(append(candidate[:0], used[:i]...), used[i+1:]...)
			cost, err := estimator.Estimate(candidate, stats)
			if err != nil {
				telemetry.TraceError(span, err)
				return nil, err
			}

			cfg.logger.Debug("planned removal",
				zap.Stringer("atom", atom),
				zap.Float64("cost", cost))

			// Strictly lower keeps the earliest atom on ties.
			if bestIndex < 0 || cost < bestCost {
				bestIndex = i
				bestCost = cost
			}
		}

		if bestIndex < 0 {
			break
		}

		if bestCost > baseCost*cfg.allowedTotalCostIncrease || bestCost > plan.Cost*cfg.allowedStepCostIncrease {
			break
		}

		plan.Removed = append(plan.Removed, used[bestIndex])
		used = append(used[:bestIndex], used[bestIndex+1:]...)
		plan.Cost = bestCost
	}

	plan.Formula = assemble(atoms, plan.Removed)

	span.SetAttributes(
		attribute.Int("removed", len(plan.Removed)),
		attribute.Float64("base_cost", plan.BaseCost),
		attribute.Float64("cost", plan.Cost))

	cfg.logger.Debug("computed cost-based query rewrite",
		zap.Stringer("query", formula),
		zap.Float64("base_cost", plan.BaseCost),
		zap.Stringer("rewritten", plan.Formula),
		zap.Float64("cost", plan.Cost))

	return plan, nil
}

func (c *rewriteConfig) verify() error {
	if math.IsNaN(c.allowedTotalCostIncrease) || c.allowedTotalCostIncrease <= 0 {
		return fmt.Errorf("%w: allowed total cost increase must be positive, got %v", ErrInvalidOption, c.allowedTotalCostIncrease)
	}
	if math.IsNaN(c.allowedStepCostIncrease) || c.allowedStepCostIncrease <= 0 {
		return fmt.Errorf("%w: allowed step cost increase must be positive, got %v", ErrInvalidOption, c.allowedStepCostIncrease)
	}
	return nil
}

// canRemove reports whether every variable of atom is still bound by another atom in used.
func canRemove(atom *Atom, used []*Atom) bool {
	for _, v := range atom.Variables() {
		bound := false
		for _, other := range used {
			if other != atom && other.Position(v) >= 0 {
				bound = true
				break
			}
		}
		if !bound {
			return false
		}
	}
	return true
}

func fetchTableStats(ctx context.Context, atoms []*Atom, provider StatsProvider) (map[string]*TableStats, error) {
	stats := make(map[string]*TableStats, len(atoms))
	for _, atom := range atoms {
		name := atom.Predicate.Name
		if _, ok := stats[name]; ok {
			continue
		}

		table, err := provider.TableStats(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMissingStatistics, name, err)
		}
		if table == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingStatistics, name)
		}
		stats[name] = table
	}
	return stats, nil
}

func assemble(atoms []*Atom, removed []*Atom) Formula {
	kept := make([]*Atom, 0, len(atoms)-len(removed))
	for _, atom := range atoms {
		if !slices.Contains(removed, atom) {
			kept = append(kept, atom)
		}
	}

	if len(kept) == 1 {
		return kept[0]
	}
	return NewConjunction(kept...)
}
