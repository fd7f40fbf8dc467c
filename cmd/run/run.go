// Package run contains the command to run MAP inference over a problem file.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/hlmrf/hlmrf/cmd/util"
	"github.com/hlmrf/hlmrf/internal/config"
	"github.com/hlmrf/hlmrf/internal/pagestore"
	"github.com/hlmrf/hlmrf/pkg/grounding"
	"github.com/hlmrf/hlmrf/pkg/logger"
	"github.com/hlmrf/hlmrf/pkg/reasoner"
	"github.com/hlmrf/hlmrf/pkg/termstore"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <problem.yaml>",
		Short: "Find the MAP state of a ground model",
		Long: `Find the MAP state of a ground model.

The problem file lists atoms with their initial values and rules with their
ground hyperplanes. The inferred atom values are printed as YAML.`,
		RunE: run,
		Args: cobra.ExactArgs(1),
	}

	bindRunFlags(cmd)

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := util.ReadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Verify(); err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level, cfg.Log.TimestampFormat)
	if err != nil {
		return err
	}

	runCtx := &RunContext{Logger: log, Out: cmd.OutOrStdout()}
	return runCtx.Run(cmd.Context(), cfg, args[0])
}

type RunContext struct {
	Logger logger.Logger
	Out    io.Writer
}

// Output is what `hlmrf run` prints.
type Output struct {
	State               string             `json:"state"`
	Iterations          int                `json:"iterations"`
	Objective           float64            `json:"objective"`
	ViolatedConstraints int                `json:"violatedConstraints"`
	Atoms               map[string]float32 `json:"atoms"`
}

// Run loads the problem at problemPath, optimizes it and writes the result to r.Out.
func (r *RunContext) Run(ctx context.Context, cfg *config.Config, problemPath string) (err error) {
	shutdown := util.StartObservability(cfg, r.Logger)
	defer func() {
		if shutdownErr := shutdown(); shutdownErr != nil {
			r.Logger.Warn("failed to shut down observability", zap.Error(shutdownErr))
		}
	}()

	problem, err := LoadProblem(problemPath)
	if err != nil {
		return err
	}

	atoms, rules, err := problem.Build()
	if err != nil {
		return err
	}

	store, err := r.termStore(cfg, atoms, rules)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, store.Close())
	}()

	admm, err := reasoner.New(
		reasoner.WithMaxIterations(cfg.Reasoner.MaxIterations),
		reasoner.WithStepSize(float32(cfg.Reasoner.StepSize)),
		reasoner.WithComputePeriod(cfg.Reasoner.ComputePeriod),
		reasoner.WithObjectiveBreak(cfg.Reasoner.ObjectiveBreak),
		reasoner.WithTolerance(cfg.Reasoner.Tolerance),
		reasoner.WithBudget(cfg.Reasoner.Budget),
		reasoner.WithNumWorkers(cfg.Reasoner.NumWorkers),
		reasoner.WithLogger(r.Logger),
	)
	if err != nil {
		return err
	}

	r.Logger.Info("starting inference",
		zap.String("problem", problemPath),
		zap.Int("atoms", atoms.Count()),
		zap.Int("rules", len(rules)))

	result, err := admm.Optimize(ctx, store)
	if err != nil {
		return fmt.Errorf("optimize %s: %w", problemPath, err)
	}

	output := Output{
		State:               result.State.String(),
		Iterations:          result.Iterations,
		Objective:           result.Objective,
		ViolatedConstraints: result.ViolatedConstraints,
		Atoms:               make(map[string]float32, len(problem.Atoms)),
	}
	for i, value := range atoms.Values() {
		output.Atoms[problem.Atoms[i].Name] = value
	}

	data, err := yaml.Marshal(output)
	if err != nil {
		return err
	}

	_, err = r.Out.Write(data)
	return err
}

type closableStore interface {
	reasoner.TermStore
	Close() error
}

// closingStore closes a page store it was handed together with the term store.
type closingStore struct {
	*termstore.Store
	pages pagestore.PageStore
}

func (s *closingStore) Close() error {
	return errors.Join(s.Store.Close(), s.pages.Close())
}

func (r *RunContext) termStore(cfg *config.Config, atoms grounding.AtomStore, rules []grounding.Rule) (closableStore, error) {
	opts := []termstore.StoreOption{
		termstore.WithPageSize(cfg.TermStore.PageSize),
		termstore.WithShufflePage(cfg.TermStore.ShufflePage),
		termstore.WithRandomizePageAccess(cfg.TermStore.RandomizePageAccess),
		termstore.WithSeed(cfg.TermStore.Seed),
		termstore.WithWarnRules(cfg.TermStore.WarnRules),
		termstore.WithLogger(r.Logger),
	}

	generator := grounding.NewHyperplaneGenerator()

	switch cfg.TermStore.Backend {
	case config.PageBackendBadger:
		pages, err := pagestore.NewBadgerStore(cfg.TermStore.PageDir)
		if err != nil {
			return nil, err
		}

		store, err := termstore.New(rules, atoms, generator, append(opts, termstore.WithPageStore(pages))...)
		if err != nil {
			return nil, errors.Join(err, pages.Close())
		}
		return &closingStore{Store: store, pages: pages}, nil
	default:
		if cfg.TermStore.PageDir != "" {
			opts = append(opts, termstore.WithPageDir(cfg.TermStore.PageDir))
		}

		store, err := termstore.New(rules, atoms, generator, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}
