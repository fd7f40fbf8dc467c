// Package reasoner finds MAP states of hinge-loss Markov random fields with consensus ADMM.
// Every term keeps local copies of its variables; each iteration minimizes all terms in
// parallel against the current consensus and then averages the local copies into a new
// consensus clamped to [0, 1].
package reasoner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hlmrf/hlmrf/internal/build"
	"github.com/hlmrf/hlmrf/internal/concurrency"
	"github.com/hlmrf/hlmrf/pkg/iterator"
	"github.com/hlmrf/hlmrf/pkg/logger"
	"github.com/hlmrf/hlmrf/pkg/telemetry"
	"github.com/hlmrf/hlmrf/pkg/term"
	"github.com/hlmrf/hlmrf/pkg/termstore"
)

var tracer = otel.Tracer("pkg/reasoner")

var (
	iterationsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "admm_iterations_total",
		Help:      "The total number of ADMM iterations run.",
	})

	iterationDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "admm_iteration_duration_ms",
		Help:                            "The time taken by one ADMM iteration, including page IO.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	})

	objectiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "admm_objective",
		Help:      "The objective at the end of the most recent optimization.",
	})

	violatedConstraintsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "admm_violated_constraints",
		Help:      "The number of violated constraints at the end of the most recent optimization.",
	})
)

// ErrInvalidConfig is returned by New for out of range options.
var ErrInvalidConfig = errors.New("invalid reasoner configuration")

const (
	DefaultMaxIterations  = 25000
	DefaultStepSize       = 1.0
	DefaultComputePeriod  = 50
	DefaultObjectiveBreak = true
	DefaultTolerance      = 1e-5
	DefaultBudget         = 1.0
)

// State is the lifecycle phase of a Reasoner.
type State int

const (
	StateIdle State = iota
	StateOptimizing
	StateConverged
	StateBudgetExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOptimizing:
		return "optimizing"
	case StateConverged:
		return "converged"
	case StateBudgetExhausted:
		return "budget-exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TermStore is the view of a term store the reasoner needs.
type TermStore interface {
	Iterator() (termstore.TermIterator, error)
	NoWriteIterator() (termstore.TermIterator, error)
	ConsensusValues() []float32
	Env() *term.Env
	IterationComplete()
	SyncAtoms()
}

var _ TermStore = (*termstore.Store)(nil)

// Result summarizes one call to Optimize.
type Result struct {
	Iterations          int
	Objective           float64
	ViolatedConstraints int
	State               State
}

// Feasible reports whether every hard constraint held at the final consensus.
func (r *Result) Feasible() bool {
	return r.ViolatedConstraints == 0
}

type Reasoner struct {
	logger         logger.Logger
	maxIterations  int
	stepSize       float32
	computePeriod  int
	objectiveBreak bool
	tolerance      float64
	budget         float64
	numWorkers     int

	mu    sync.Mutex
	state State
}

type ReasonerOption func(*Reasoner)

func WithMaxIterations(n int) ReasonerOption {
	return func(r *Reasoner) {
		r.maxIterations = n
	}
}

// WithStepSize sets the ADMM penalty parameter rho.
func WithStepSize(stepSize float32) ReasonerOption {
	return func(r *Reasoner) {
		r.stepSize = stepSize
	}
}

// WithComputePeriod sets how often, in iterations, the objective is computed and logged when
// objective breaking is disabled.
func WithComputePeriod(period int) ReasonerOption {
	return func(r *Reasoner) {
		r.computePeriod = period
	}
}

// WithObjectiveBreak stops once the objective changes by no more than the tolerance and no
// constraint is violated.
func WithObjectiveBreak(enabled bool) ReasonerOption {
	return func(r *Reasoner) {
		r.objectiveBreak = enabled
	}
}

func WithTolerance(tolerance float64) ReasonerOption {
	return func(r *Reasoner) {
		r.tolerance = tolerance
	}
}

// WithBudget scales the iteration limit by a fraction in (0, 1].
func WithBudget(budget float64) ReasonerOption {
	return func(r *Reasoner) {
		r.budget = budget
	}
}

// WithNumWorkers sets the number of goroutines minimizing terms. Zero means GOMAXPROCS.
func WithNumWorkers(n int) ReasonerOption {
	return func(r *Reasoner) {
		r.numWorkers = n
	}
}

func WithLogger(l logger.Logger) ReasonerOption {
	return func(r *Reasoner) {
		r.logger = l
	}
}

func New(opts ...ReasonerOption) (*Reasoner, error) {
	r := &Reasoner{
		logger:         logger.NewNoopLogger(),
		maxIterations:  DefaultMaxIterations,
		stepSize:       DefaultStepSize,
		computePeriod:  DefaultComputePeriod,
		objectiveBreak: DefaultObjectiveBreak,
		tolerance:      DefaultTolerance,
		budget:         DefaultBudget,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.numWorkers == 0 {
		r.numWorkers = runtime.GOMAXPROCS(0)
	}

	switch {
	case r.maxIterations <= 0:
		return nil, fmt.Errorf("%w: max iterations must be positive, got %d", ErrInvalidConfig, r.maxIterations)
	case !(r.stepSize > 0) || math.IsInf(float64(r.stepSize), 0):
		return nil, fmt.Errorf("%w: step size must be positive, got %v", ErrInvalidConfig, r.stepSize)
	case r.computePeriod <= 0:
		return nil, fmt.Errorf("%w: compute period must be positive, got %d", ErrInvalidConfig, r.computePeriod)
	case !(r.tolerance >= 0):
		return nil, fmt.Errorf("%w: tolerance must be non-negative, got %v", ErrInvalidConfig, r.tolerance)
	case !(r.budget > 0 && r.budget <= 1):
		return nil, fmt.Errorf("%w: budget must be in (0, 1], got %v", ErrInvalidConfig, r.budget)
	case r.numWorkers < 0:
		return nil, fmt.Errorf("%w: worker count must not be negative, got %d", ErrInvalidConfig, r.numWorkers)
	}

	return r, nil
}

func (r *Reasoner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reasoner) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// accumulator is a worker's private sum and count of local values per global variable.
type accumulator struct {
	sum   []float64
	count []int32
}

// Optimize runs ADMM over every term in store until convergence or the iteration budget is
// spent, then writes the consensus back to the atoms. Cancellation is checked between
// iterations.
func (r *Reasoner) Optimize(ctx context.Context, store TermStore) (*Result, error) {
	ctx, span := tracer.Start(ctx, "reasoner.Optimize", trace.WithAttributes(
		attribute.Int("max_iterations", r.maxIterations),
		attribute.Float64("step_size", float64(r.stepSize)),
		attribute.Int("workers", r.numWorkers),
	))
	defer span.End()

	r.setState(StateOptimizing)

	consensus := store.ConsensusValues()
	accumulators := make([]accumulator, r.numWorkers)
	for i := range accumulators {
		accumulators[i] = accumulator{
			sum:   make([]float64, len(consensus)),
			count: make([]int32, len(consensus)),
		}
	}

	limit := int(float64(r.maxIterations) * r.budget)
	if limit < 1 {
		limit = 1
	}

	var (
		objective, oldObjective float64
		violated                int
		computed, hasOld        bool
		state                   = StateBudgetExhausted
		iteration               int
	)

	for iteration = 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			r.setState(StateIdle)
			return nil, err
		}

		start := time.Now()
		if err := r.iterate(ctx, store, consensus, accumulators); err != nil {
			r.setState(StateIdle)
			telemetry.TraceError(span, err)
			return nil, fmt.Errorf("iteration %d: %w", iteration, err)
		}
		store.IterationComplete()

		computed = r.objectiveBreak || iteration%r.computePeriod == 0
		if computed {
			oldObjective = objective
			var err error
			objective, violated, err = r.computeObjective(ctx, store, false)
			if err != nil {
				r.setState(StateIdle)
				telemetry.TraceError(span, err)
				return nil, fmt.Errorf("iteration %d: %w", iteration, err)
			}
		}

		iterationsCounter.Inc()
		iterationDurationHistogram.Observe(float64(time.Since(start).Milliseconds()))

		if iteration%r.computePeriod == 0 {
			r.logger.Debug("admm iteration",
				zap.Int("iteration", iteration),
				zap.Float64("objective", objective),
				zap.Int("violated_constraints", violated))
		}

		if computed && r.objectiveBreak && violated == 0 && hasOld && math.Abs(objective-oldObjective) <= r.tolerance {
			state = StateConverged
			break
		}
		hasOld = hasOld || computed

		if iteration >= limit {
			break
		}
	}

	if !computed {
		var err error
		objective, violated, err = r.computeObjective(ctx, store, false)
		if err != nil {
			r.setState(StateIdle)
			return nil, err
		}
	}

	r.logger.Info("optimization completed",
		zap.Int("iterations", iteration),
		zap.Float64("objective", objective),
		zap.Bool("feasible", violated == 0),
		zap.Stringer("state", state))

	if violated > 0 {
		if _, _, err := r.computeObjective(ctx, store, true); err != nil {
			r.setState(StateIdle)
			return nil, err
		}
		r.logger.Warn("no feasible solution found",
			zap.Int("violated_constraints", violated))
	}

	store.SyncAtoms()

	objectiveGauge.Set(objective)
	violatedConstraintsGauge.Set(float64(violated))
	span.SetAttributes(attribute.Int("iterations", iteration), attribute.Float64("objective", objective))
	r.setState(state)

	return &Result{
		Iterations:          iteration,
		Objective:           objective,
		ViolatedConstraints: violated,
		State:               state,
	}, nil
}

// iterate performs one pass: every term updates its multipliers and minimizes, the workers'
// sums are merged into the consensus, and the consensus is clamped to [0, 1].
func (r *Reasoner) iterate(ctx context.Context, store TermStore, consensus []float32, accumulators []accumulator) error {
	it, err := store.Iterator()
	if err != nil {
		return err
	}

	env := store.Env()
	err = concurrency.RunWorkers(ctx, len(accumulators), func(ctx context.Context, worker int) error {
		return r.work(ctx, it, env, consensus, &accumulators[worker])
	})
	if err != nil {
		it.Stop()
		return err
	}

	for i := range consensus {
		var sum float64
		var count int32
		for w := range accumulators {
			sum += accumulators[w].sum[i]
			count += accumulators[w].count[i]
			accumulators[w].sum[i] = 0
			accumulators[w].count[i] = 0
		}

		// Variables no term touches keep their value.
		if count == 0 {
			continue
		}

		consensus[i] = float32(math.Min(1, math.Max(0, sum/float64(count))))
	}

	return nil
}

func (r *Reasoner) work(ctx context.Context, it termstore.TermIterator, env *term.Env, consensus []float32, acc *accumulator) error {
	for {
		t, err := it.Next(ctx)
		if err != nil {
			if errors.Is(err, iterator.ErrIteratorDone) {
				return nil
			}
			return err
		}

		t.UpdateLagrange(r.stepSize, consensus)
		err = t.Minimize(env, r.stepSize, consensus)
		if err == nil {
			for _, v := range t.Variables() {
				acc.sum[v.GlobalID] += float64(v.Value)
				acc.count[v.GlobalID]++
			}
		}
		it.Release(t)

		if err != nil {
			return err
		}
	}
}

// computeObjective sums the losses of every non-constraint term at the consensus and counts the
// violated constraints.
func (r *Reasoner) computeObjective(ctx context.Context, store TermStore, logViolated bool) (float64, int, error) {
	it, err := store.NoWriteIterator()
	if err != nil {
		return 0, 0, err
	}
	defer it.Stop()

	env := store.Env()
	consensus := store.ConsensusValues()

	var objective float64
	var violated int
	for {
		t, err := it.Next(ctx)
		if err != nil {
			if errors.Is(err, iterator.ErrIteratorDone) {
				return objective, violated, nil
			}
			return 0, 0, err
		}

		loss := t.EvaluateAt(env, consensus)
		if t.Kind().IsConstraint() {
			if loss > 0 {
				violated++
				if logViolated {
					r.logger.Debug("violated constraint", zap.Stringer("term", t))
				}
			}
		} else {
			objective += loss
		}

		it.Release(t)
	}
}
