// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hlmrf/hlmrf/cmd/util"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with HLMRF, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("HLMRF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/hlmrf", "$HOME/.hlmrf", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	rootCmd := &cobra.Command{
		Use:   "hlmrf",
		Short: "MAP inference for hinge-loss Markov random fields",
		Long: `MAP inference for hinge-loss Markov random fields.

hlmrf grounds weighted rules into objective terms, streams them through disk-backed
pages and finds the most probable assignment with consensus ADMM. It also rewrites
conjunctive grounding queries against table statistics to keep grounding cheap.`,
		SilenceUsage: true,
	}

	util.BindCommonFlags(rootCmd)

	return rootCmd
}
