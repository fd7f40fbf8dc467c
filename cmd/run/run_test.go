package run

import (
	"bytes"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"sigs.k8s.io/yaml"

	"github.com/hlmrf/hlmrf/cmd"
	"github.com/hlmrf/hlmrf/cmd/util"
	"github.com/hlmrf/hlmrf/internal/config"
)

const cappedProblem = `atoms:
  - name: a
  - name: b
rules:
  - name: pull-up
    weight: 1
    loss: squared_hinge
    groundings:
      - atoms: [a]
        coefficients: [1]
        constant: 1
        comparator: ">="
  - name: same
    groundings:
      - atoms: [a, b]
        coefficients: [1, -1]
        comparator: "="
  - name: cap
    groundings:
      - atoms: [b]
        coefficients: [1]
        constant: 0.4
`

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func writeProblem(t *testing.T, content string) string {
	t.Helper()

	problemPath := filepath.Join(t.TempDir(), "problem.yaml")
	require.NoError(t, os.WriteFile(problemPath, []byte(content), 0o600))
	return problemPath
}

func TestDefaultConfig(t *testing.T) {
	resetViper(t)
	util.PrepareTempConfigDir(t)

	cfg, err := util.ReadConfig()
	require.NoError(t, err)

	_, basepath, _, _ := runtime.Caller(0)
	jsonSchema, err := os.ReadFile(path.Join(filepath.Dir(basepath), "..", "..", ".config-schema.json"))
	require.NoError(t, err)

	res := gjson.ParseBytes(jsonSchema)

	val := res.Get("properties.log.properties.format.default")
	require.True(t, val.Exists())
	require.Equal(t, val.String(), cfg.Log.Format)

	val = res.Get("properties.log.properties.level.default")
	require.True(t, val.Exists())
	require.Equal(t, val.String(), cfg.Log.Level)

	val = res.Get("properties.log.properties.timestampFormat.default")
	require.True(t, val.Exists())
	require.Equal(t, val.String(), cfg.Log.TimestampFormat)

	val = res.Get("properties.trace.properties.sampleRatio.default")
	require.True(t, val.Exists())
	require.InDelta(t, val.Float(), cfg.Trace.SampleRatio, 0)

	val = res.Get("properties.metrics.properties.addr.default")
	require.True(t, val.Exists())
	require.Equal(t, val.String(), cfg.Metrics.Addr)

	val = res.Get("properties.reasoner.properties.engine.default")
	require.True(t, val.Exists())
	require.Equal(t, val.String(), cfg.Reasoner.Engine)

	val = res.Get("properties.reasoner.properties.maxIterations.default")
	require.True(t, val.Exists())
	require.EqualValues(t, val.Int(), cfg.Reasoner.MaxIterations)

	val = res.Get("properties.reasoner.properties.stepSize.default")
	require.True(t, val.Exists())
	require.InDelta(t, val.Float(), cfg.Reasoner.StepSize, 0)

	val = res.Get("properties.reasoner.properties.computePeriod.default")
	require.True(t, val.Exists())
	require.EqualValues(t, val.Int(), cfg.Reasoner.ComputePeriod)

	val = res.Get("properties.reasoner.properties.objectiveBreak.default")
	require.True(t, val.Exists())
	require.Equal(t, val.Bool(), cfg.Reasoner.ObjectiveBreak)

	val = res.Get("properties.reasoner.properties.tolerance.default")
	require.True(t, val.Exists())
	require.InDelta(t, val.Float(), cfg.Reasoner.Tolerance, 0)

	val = res.Get("properties.reasoner.properties.budget.default")
	require.True(t, val.Exists())
	require.InDelta(t, val.Float(), cfg.Reasoner.Budget, 0)

	val = res.Get("properties.termStore.properties.type.default")
	require.True(t, val.Exists())
	require.Equal(t, val.String(), cfg.TermStore.Type)

	val = res.Get("properties.termStore.properties.pageSize.default")
	require.True(t, val.Exists())
	require.EqualValues(t, val.Int(), cfg.TermStore.PageSize)

	val = res.Get("properties.termStore.properties.backend.default")
	require.True(t, val.Exists())
	require.Equal(t, val.String(), cfg.TermStore.Backend)

	val = res.Get("properties.termStore.properties.shufflePage.default")
	require.True(t, val.Exists())
	require.Equal(t, val.Bool(), cfg.TermStore.ShufflePage)

	val = res.Get("properties.termStore.properties.randomizePageAccess.default")
	require.True(t, val.Exists())
	require.Equal(t, val.Bool(), cfg.TermStore.RandomizePageAccess)

	val = res.Get("properties.termStore.properties.seed.default")
	require.True(t, val.Exists())
	require.Equal(t, val.Int(), cfg.TermStore.Seed)

	val = res.Get("properties.queryRewriter.properties.allowedTotalCostIncrease.default")
	require.True(t, val.Exists())
	require.InDelta(t, val.Float(), cfg.QueryRewriter.AllowedTotalCostIncrease, 0)

	val = res.Get("properties.queryRewriter.properties.allowedStepCostIncrease.default")
	require.True(t, val.Exists())
	require.InDelta(t, val.Float(), cfg.QueryRewriter.AllowedStepCostIncrease, 0)

	val = res.Get("properties.queryRewriter.properties.useHistograms.default")
	require.True(t, val.Exists())
	require.Equal(t, val.Bool(), cfg.QueryRewriter.UseHistograms)

	val = res.Get("properties.stats.properties.maxCacheSize.default")
	require.True(t, val.Exists())
	require.Equal(t, val.Int(), cfg.Stats.MaxCacheSize)

	val = res.Get("properties.stats.properties.busyRetryTimeout.default")
	require.True(t, val.Exists())
	require.Equal(t, val.String(), cfg.Stats.BusyRetryTimeout.String())
}

func TestRunCommandNoConfigDefaultValues(t *testing.T) {
	resetViper(t)
	util.PrepareTempConfigDir(t)

	runCmd := NewRunCommand()
	runCmd.RunE = func(_ *cobra.Command, _ []string) error {
		require.Equal(t, config.EngineADMM, viper.GetString("reasoner.engine"))
		require.Equal(t, 25000, viper.GetInt("reasoner.maxIterations"))
		require.Equal(t, 10000, viper.GetInt("termStore.pageSize"))
		require.Equal(t, config.PageBackendFile, viper.GetString("termStore.backend"))
		require.Empty(t, viper.GetString("termStore.pageDir"))
		require.Equal(t, "info", viper.GetString("log.level"))
		return nil
	}

	rootCmd := cmd.NewRootCommand()
	rootCmd.AddCommand(runCmd)
	rootCmd.SetArgs([]string{"run", "problem.yaml"})
	require.NoError(t, rootCmd.Execute())
}

func TestRunCommandConfigFileValuesAreParsed(t *testing.T) {
	resetViper(t)
	util.PrepareTempConfigFile(t, `reasoner:
    maxIterations: 77
    stepSize: 0.5
termStore:
    backend: badger
    pageSize: 3
log:
    level: debug
`)

	runCmd := NewRunCommand()
	runCmd.RunE = func(_ *cobra.Command, _ []string) error {
		cfg, err := util.ReadConfig()
		require.NoError(t, err)
		require.Equal(t, 77, cfg.Reasoner.MaxIterations)
		require.InDelta(t, 0.5, cfg.Reasoner.StepSize, 0)
		require.Equal(t, config.PageBackendBadger, cfg.TermStore.Backend)
		require.Equal(t, 3, cfg.TermStore.PageSize)
		require.Equal(t, "debug", cfg.Log.Level)
		require.NoError(t, cfg.Verify())
		return nil
	}

	rootCmd := cmd.NewRootCommand()
	rootCmd.AddCommand(runCmd)
	rootCmd.SetArgs([]string{"run", "problem.yaml"})
	require.NoError(t, rootCmd.Execute())
}

func TestRunCommandConfigIsMerged(t *testing.T) {
	resetViper(t)
	util.PrepareTempConfigFile(t, `reasoner:
    maxIterations: 77
termStore:
    seed: 9
`)
	t.Setenv("HLMRF_TERMSTORE_PAGE_SIZE", "5")

	runCmd := NewRunCommand()
	runCmd.RunE = func(_ *cobra.Command, _ []string) error {
		cfg, err := util.ReadConfig()
		require.NoError(t, err)
		require.Equal(t, 12, cfg.Reasoner.MaxIterations)
		require.Equal(t, int64(9), cfg.TermStore.Seed)
		require.Equal(t, 5, cfg.TermStore.PageSize)
		return nil
	}

	rootCmd := cmd.NewRootCommand()
	rootCmd.AddCommand(runCmd)
	rootCmd.SetArgs([]string{"run", "problem.yaml", "--reasoner-max-iterations", "12"})
	require.NoError(t, rootCmd.Execute())
}

func TestRunCommandRequiresProblem(t *testing.T) {
	resetViper(t)
	util.PrepareTempConfigDir(t)

	rootCmd := cmd.NewRootCommand()
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.SetArgs([]string{"run"})
	require.ErrorContains(t, rootCmd.Execute(), "accepts 1 arg(s), received 0")
}

func TestRunCommandInvalidConfig(t *testing.T) {
	resetViper(t)
	util.PrepareTempConfigDir(t)

	rootCmd := cmd.NewRootCommand()
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.SetArgs([]string{"run", writeProblem(t, cappedProblem), "--reasoner-step-size", "-1"})
	require.EqualError(t, rootCmd.Execute(), "config 'reasoner.stepSize' must be positive")
}

func TestRunProblem(t *testing.T) {
	for _, backend := range []string{config.PageBackendFile, config.PageBackendBadger} {
		t.Run(backend, func(t *testing.T) {
			resetViper(t)
			util.PrepareTempConfigDir(t)

			var out bytes.Buffer
			rootCmd := cmd.NewRootCommand()
			rootCmd.AddCommand(NewRunCommand())
			rootCmd.SetOut(&out)
			rootCmd.SetArgs([]string{
				"run", writeProblem(t, cappedProblem),
				"--log-level", "none",
				"--termstore-backend", backend,
				"--termstore-page-size", "2",
				"--termstore-page-dir", t.TempDir(),
			})
			require.NoError(t, rootCmd.Execute())

			var output Output
			require.NoError(t, yaml.Unmarshal(out.Bytes(), &output))
			require.Equal(t, "converged", output.State)
			require.Zero(t, output.ViolatedConstraints)
			require.Positive(t, output.Iterations)
			require.InDelta(t, 0.36, output.Objective, 0.05)
			require.InDelta(t, 0.4, output.Atoms["a"], 0.05)
			require.InDelta(t, 0.4, output.Atoms["b"], 0.05)
		})
	}

	t.Run("invalid_problem", func(t *testing.T) {
		resetViper(t)
		util.PrepareTempConfigDir(t)

		rootCmd := cmd.NewRootCommand()
		rootCmd.AddCommand(NewRunCommand())
		rootCmd.SetArgs([]string{"run", writeProblem(t, "atoms: []\nrules: []\nextra: 1\n"), "--log-level", "none"})
		require.ErrorIs(t, rootCmd.Execute(), ErrInvalidProblem)
	})
}
