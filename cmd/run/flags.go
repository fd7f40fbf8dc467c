package run

import (
	"github.com/spf13/cobra"

	"github.com/hlmrf/hlmrf/cmd/util"
	"github.com/hlmrf/hlmrf/internal/config"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := config.DefaultConfig()
	flags := command.Flags()

	flags.String("reasoner-engine", defaultConfig.Reasoner.Engine, "the reasoner used to find the MAP state")
	util.MustBindPFlag("reasoner.engine", flags.Lookup("reasoner-engine"))
	util.MustBindEnv("reasoner.engine", "HLMRF_REASONER_ENGINE")

	flags.Int("reasoner-max-iterations", defaultConfig.Reasoner.MaxIterations, "the maximum number of ADMM iterations")
	util.MustBindPFlag("reasoner.maxIterations", flags.Lookup("reasoner-max-iterations"))
	util.MustBindEnv("reasoner.maxIterations", "HLMRF_REASONER_MAX_ITERATIONS")

	flags.Float64("reasoner-step-size", defaultConfig.Reasoner.StepSize, "the ADMM step size (rho)")
	util.MustBindPFlag("reasoner.stepSize", flags.Lookup("reasoner-step-size"))
	util.MustBindEnv("reasoner.stepSize", "HLMRF_REASONER_STEP_SIZE")

	flags.Int("reasoner-compute-period", defaultConfig.Reasoner.ComputePeriod, "compute and log the objective every this many iterations")
	util.MustBindPFlag("reasoner.computePeriod", flags.Lookup("reasoner-compute-period"))
	util.MustBindEnv("reasoner.computePeriod", "HLMRF_REASONER_COMPUTE_PERIOD")

	flags.Bool("reasoner-objective-break", defaultConfig.Reasoner.ObjectiveBreak, "stop once the objective stops changing and all constraints hold")
	util.MustBindPFlag("reasoner.objectiveBreak", flags.Lookup("reasoner-objective-break"))
	util.MustBindEnv("reasoner.objectiveBreak", "HLMRF_REASONER_OBJECTIVE_BREAK")

	flags.Float64("reasoner-tolerance", defaultConfig.Reasoner.Tolerance, "the objective change considered converged")
	util.MustBindPFlag("reasoner.tolerance", flags.Lookup("reasoner-tolerance"))
	util.MustBindEnv("reasoner.tolerance", "HLMRF_REASONER_TOLERANCE")

	flags.Float64("reasoner-budget", defaultConfig.Reasoner.Budget, "the fraction of the maximum iterations that may be spent, in (0, 1]")
	util.MustBindPFlag("reasoner.budget", flags.Lookup("reasoner-budget"))
	util.MustBindEnv("reasoner.budget", "HLMRF_REASONER_BUDGET")

	flags.Int("reasoner-num-workers", defaultConfig.Reasoner.NumWorkers, "the number of minimization workers. 0 uses GOMAXPROCS.")
	util.MustBindPFlag("reasoner.numWorkers", flags.Lookup("reasoner-num-workers"))
	util.MustBindEnv("reasoner.numWorkers", "HLMRF_REASONER_NUM_WORKERS")

	flags.String("termstore-type", defaultConfig.TermStore.Type, "the term store holding objective terms")
	util.MustBindPFlag("termStore.type", flags.Lookup("termstore-type"))
	util.MustBindEnv("termStore.type", "HLMRF_TERMSTORE_TYPE")

	flags.Int("termstore-page-size", defaultConfig.TermStore.PageSize, "the number of terms per page")
	util.MustBindPFlag("termStore.pageSize", flags.Lookup("termstore-page-size"))
	util.MustBindEnv("termStore.pageSize", "HLMRF_TERMSTORE_PAGE_SIZE")

	flags.String("termstore-page-dir", defaultConfig.TermStore.PageDir, "the directory under which page files are written. Defaults to the OS temp dir.")
	util.MustBindPFlag("termStore.pageDir", flags.Lookup("termstore-page-dir"))
	util.MustBindEnv("termStore.pageDir", "HLMRF_TERMSTORE_PAGE_DIR")

	flags.String("termstore-backend", defaultConfig.TermStore.Backend, "the page backend: 'file' or 'badger'")
	util.MustBindPFlag("termStore.backend", flags.Lookup("termstore-backend"))
	util.MustBindEnv("termStore.backend", "HLMRF_TERMSTORE_BACKEND")

	flags.Bool("termstore-shuffle-page", defaultConfig.TermStore.ShufflePage, "shuffle the terms of a page every time it is loaded")
	util.MustBindPFlag("termStore.shufflePage", flags.Lookup("termstore-shuffle-page"))
	util.MustBindEnv("termStore.shufflePage", "HLMRF_TERMSTORE_SHUFFLE_PAGE")

	flags.Bool("termstore-randomize-page-access", defaultConfig.TermStore.RandomizePageAccess, "visit pages in a random order every round")
	util.MustBindPFlag("termStore.randomizePageAccess", flags.Lookup("termstore-randomize-page-access"))
	util.MustBindEnv("termStore.randomizePageAccess", "HLMRF_TERMSTORE_RANDOMIZE_PAGE_ACCESS")

	flags.Int64("termstore-seed", defaultConfig.TermStore.Seed, "the seed for page shuffling and page order")
	util.MustBindPFlag("termStore.seed", flags.Lookup("termstore-seed"))
	util.MustBindEnv("termStore.seed", "HLMRF_TERMSTORE_SEED")

	flags.Bool("termstore-warn-rules", defaultConfig.TermStore.WarnRules, "warn about rules that are skipped")
	util.MustBindPFlag("termStore.warnRules", flags.Lookup("termstore-warn-rules"))
	util.MustBindEnv("termStore.warnRules", "HLMRF_TERMSTORE_WARN_RULES")
}
