// Package rewrite contains the command to trim redundant atoms from grounding queries.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/hlmrf/hlmrf/cmd/util"
	"github.com/hlmrf/hlmrf/internal/concurrency"
	"github.com/hlmrf/hlmrf/internal/config"
	"github.com/hlmrf/hlmrf/internal/stats"
	"github.com/hlmrf/hlmrf/pkg/logger"
	"github.com/hlmrf/hlmrf/pkg/queryrewriter"
)

var ErrMissingStatsURI = errors.New("config 'stats.uri' must be set to rewrite queries")

const maxConcurrentRewrites = 8

func NewRewriteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rewrite <queries.yaml>",
		Short: "Rewrite grounding queries to cheaper equivalents",
		Long: `Rewrite grounding queries to cheaper equivalents.

Atoms are dropped from each conjunctive query while every variable stays bound
and the estimated cost, computed from statistics of the predicate tables in the
SQLite database at --stats-uri, stays within the allowed increase.`,
		RunE: rewrite,
		Args: cobra.ExactArgs(1),
	}

	bindRewriteFlags(cmd)

	return cmd
}

func rewrite(cmd *cobra.Command, args []string) error {
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

	rewriteCtx := &RewriteContext{Logger: log, Out: cmd.OutOrStdout()}
	return rewriteCtx.Rewrite(cmd.Context(), cfg, args[0])
}

type RewriteContext struct {
	Logger logger.Logger
	Out    io.Writer
}

// Output is what `hlmrf rewrite` prints for each query.
type Output struct {
	Name      string   `json:"name,omitempty"`
	Query     string   `json:"query"`
	Rewritten string   `json:"rewritten"`
	BaseCost  float64  `json:"baseCost"`
	Cost      float64  `json:"cost"`
	Removed   []string `json:"removed"`
}

// Rewrite rewrites every query in the file at queryPath and writes the plans to r.Out.
func (r *RewriteContext) Rewrite(ctx context.Context, cfg *config.Config, queryPath string) (err error) {
	if cfg.Stats.URI == "" {
		return ErrMissingStatsURI
	}

	shutdown := util.StartObservability(cfg, r.Logger)
	defer func() {
		if shutdownErr := shutdown(); shutdownErr != nil {
			r.Logger.Warn("failed to shut down observability", zap.Error(shutdownErr))
		}
	}()

	file, err := LoadQueryFile(queryPath)
	if err != nil {
		return err
	}

	formulas := make([]*queryrewriter.Conjunction, len(file.Queries))
	for i, q := range file.Queries {
		if formulas[i], err = q.Formula(); err != nil {
			return err
		}
	}

	db, err := stats.Open(ctx, cfg.Stats.URI, stats.WithExportMetrics(cfg.Stats.ExportMetrics))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, db.Close())
	}()

	sqlProvider := stats.NewSQLProvider(db.DB,
		stats.WithHistograms(cfg.QueryRewriter.UseHistograms),
		stats.WithBusyRetryTimeout(cfg.Stats.BusyRetryTimeout),
		stats.WithLogger(r.Logger),
	)
	for _, table := range file.Tables {
		if err := sqlProvider.Register(table.info()); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidQueryFile, err)
		}
	}

	provider, err := stats.NewCachingProvider(sqlProvider,
		stats.WithMaxCacheSize(cfg.Stats.MaxCacheSize),
		stats.WithCacheTTL(cfg.Stats.CacheTTL),
	)
	if err != nil {
		return err
	}
	defer provider.Close()

	opts := []queryrewriter.RewriteOption{
		queryrewriter.WithAllowedTotalCostIncrease(cfg.QueryRewriter.AllowedTotalCostIncrease),
		queryrewriter.WithAllowedStepCostIncrease(cfg.QueryRewriter.AllowedStepCostIncrease),
		queryrewriter.WithHistograms(cfg.QueryRewriter.UseHistograms),
		queryrewriter.WithLogger(r.Logger),
	}

	outputs := make([]Output, len(formulas))
	pool := concurrency.NewPool(ctx, maxConcurrentRewrites)
	for i, formula := range formulas {
		pool.Go(func(ctx context.Context) error {
			plan, err := queryrewriter.Explain(ctx, formula, provider, opts...)
			if err != nil {
				return fmt.Errorf("rewrite query %d %s: %w", i, file.Queries[i].Name, err)
			}

			removed := make([]string, 0, len(plan.Removed))
			for _, atom := range plan.Removed {
				removed = append(removed, atom.String())
			}

			outputs[i] = Output{
				Name:      file.Queries[i].Name,
				Query:     formula.String(),
				Rewritten: plan.Formula.String(),
				BaseCost:  plan.BaseCost,
				Cost:      plan.Cost,
				Removed:   removed,
			}
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return err
	}

	r.Logger.Info("rewrote queries", zap.String("file", queryPath), zap.Int("queries", len(outputs)))

	data, err := yaml.Marshal(outputs)
	if err != nil {
		return err
	}

	_, err = r.Out.Write(data)
	return err
}
