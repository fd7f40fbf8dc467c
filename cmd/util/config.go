package util

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hlmrf/hlmrf/internal/config"
)

// ReadConfig returns the hlmrf configuration based on the values provided in the 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/hlmrf', '$HOME/.hlmrf', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// BindCommonFlags binds the log, trace and metrics flags shared by every subcommand
// as persistent flags of command.
func BindCommonFlags(command *cobra.Command) {
	defaultConfig := config.DefaultConfig()
	flags := command.PersistentFlags()

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	MustBindPFlag("log.format", flags.Lookup("log-format"))
	MustBindEnv("log.format", "HLMRF_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	MustBindPFlag("log.level", flags.Lookup("log-level"))
	MustBindEnv("log.level", "HLMRF_LOG_LEVEL")

	flags.String("log-timestamp-format", defaultConfig.Log.TimestampFormat, "the timestamp format to use for log messages")
	MustBindPFlag("log.timestampFormat", flags.Lookup("log-timestamp-format"))
	MustBindEnv("log.timestampFormat", "HLMRF_LOG_TIMESTAMP_FORMAT")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	MustBindEnv("trace.enabled", "HLMRF_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	MustBindEnv("trace.otlp.endpoint", "HLMRF_TRACE_OTLP_ENDPOINT")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	MustBindEnv("trace.sampleRatio", "HLMRF_TRACE_SAMPLE_RATIO")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")
	MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	MustBindEnv("trace.serviceName", "HLMRF_TRACE_SERVICE_NAME")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")
	MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	MustBindEnv("metrics.enabled", "HLMRF_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	MustBindEnv("metrics.addr", "HLMRF_METRICS_ADDR")
}
