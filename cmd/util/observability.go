package util

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/hlmrf/hlmrf/internal/config"
	"github.com/hlmrf/hlmrf/pkg/logger"
	"github.com/hlmrf/hlmrf/pkg/telemetry"
)

// StartObservability installs tracing and serves prometheus metrics as configured.
// The returned function flushes traces and stops the metrics server.
func StartObservability(cfg *config.Config, log logger.Logger) func() error {
	shutdownTracing := func() error { return nil }
	if cfg.Trace.Enabled {
		log.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s'", cfg.Trace.SampleRatio, cfg.Trace.OTLP.Endpoint))

		tp := telemetry.MustNewTracerProvider(
			telemetry.WithOTLPEndpoint(cfg.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(cfg.Trace.ServiceName),
			telemetry.WithSamplingRatio(cfg.Trace.SampleRatio),
		)
		shutdownTracing = func() error {
			// can take up to 5 seconds to complete
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
		}
	} else {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			log.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					log.Error("failed to start prometheus metrics server", zap.Error(err))
				}
			}
			log.Info("metrics server shut down.")
		}()
	}

	return func() error {
		var err error
		if metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = metricsServer.Shutdown(ctx)
		}
		return errors.Join(err, shutdownTracing())
	}
}
