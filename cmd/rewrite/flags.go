package rewrite

import (
	"github.com/spf13/cobra"

	"github.com/hlmrf/hlmrf/cmd/util"
	"github.com/hlmrf/hlmrf/internal/config"
)

// bindRewriteFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRewriteFlags(command *cobra.Command) {
	defaultConfig := config.DefaultConfig()
	flags := command.Flags()

	flags.Float64("query-rewriter-allowed-total-cost-increase", defaultConfig.QueryRewriter.AllowedTotalCostIncrease, "the largest factor over the original cost a rewritten query may cost")
	util.MustBindPFlag("queryRewriter.allowedTotalCostIncrease", flags.Lookup("query-rewriter-allowed-total-cost-increase"))
	util.MustBindEnv("queryRewriter.allowedTotalCostIncrease", "HLMRF_QUERY_REWRITER_ALLOWED_TOTAL_COST_INCREASE")

	flags.Float64("query-rewriter-allowed-step-cost-increase", defaultConfig.QueryRewriter.AllowedStepCostIncrease, "the largest factor a single atom removal may raise the cost by")
	util.MustBindPFlag("queryRewriter.allowedStepCostIncrease", flags.Lookup("query-rewriter-allowed-step-cost-increase"))
	util.MustBindEnv("queryRewriter.allowedStepCostIncrease", "HLMRF_QUERY_REWRITER_ALLOWED_STEP_COST_INCREASE")

	flags.Bool("query-rewriter-use-histograms", defaultConfig.QueryRewriter.UseHistograms, "estimate join sizes from column histograms instead of distinct counts")
	util.MustBindPFlag("queryRewriter.useHistograms", flags.Lookup("query-rewriter-use-histograms"))
	util.MustBindEnv("queryRewriter.useHistograms", "HLMRF_QUERY_REWRITER_USE_HISTOGRAMS")

	flags.String("stats-uri", defaultConfig.Stats.URI, "the SQLite database holding the predicate tables, e.g. 'file:data.db'")
	util.MustBindPFlag("stats.uri", flags.Lookup("stats-uri"))
	util.MustBindEnv("stats.uri", "HLMRF_STATS_URI")

	flags.Int64("stats-max-cache-size", defaultConfig.Stats.MaxCacheSize, "the number of predicates whose table statistics are cached")
	util.MustBindPFlag("stats.maxCacheSize", flags.Lookup("stats-max-cache-size"))
	util.MustBindEnv("stats.maxCacheSize", "HLMRF_STATS_MAX_CACHE_SIZE")

	flags.Duration("stats-cache-ttl", defaultConfig.Stats.CacheTTL, "how long cached table statistics stay valid. 0 keeps them until evicted.")
	util.MustBindPFlag("stats.cacheTTL", flags.Lookup("stats-cache-ttl"))
	util.MustBindEnv("stats.cacheTTL", "HLMRF_STATS_CACHE_TTL")

	flags.Duration("stats-busy-retry-timeout", defaultConfig.Stats.BusyRetryTimeout, "how long statistics queries are retried while the database is locked")
	util.MustBindPFlag("stats.busyRetryTimeout", flags.Lookup("stats-busy-retry-timeout"))
	util.MustBindEnv("stats.busyRetryTimeout", "HLMRF_STATS_BUSY_RETRY_TIMEOUT")

	flags.Bool("stats-export-metrics", defaultConfig.Stats.ExportMetrics, "export connection pool metrics of the statistics database")
	util.MustBindPFlag("stats.exportMetrics", flags.Lookup("stats-export-metrics"))
	util.MustBindEnv("stats.exportMetrics", "HLMRF_STATS_EXPORT_METRICS")
}
