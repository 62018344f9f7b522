// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the coordinator.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// runtimeSampleInterval is how often goroutine and heap gauges refresh.
const runtimeSampleInterval = 15 * time.Second

// Config configures telemetry.
type Config struct {
	ServiceName    string `yaml:"service_name" toml:"service_name"`
	ServiceVersion string `yaml:"service_version" toml:"service_version"`
	Environment    string `yaml:"environment" toml:"environment"`

	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"` // json, console

	TracingEnabled bool    `yaml:"tracing_enabled" toml:"tracing_enabled"`
	SamplingRate   float64 `yaml:"sampling_rate" toml:"sampling_rate"`
}

// Telemetry owns the process logger, the metrics registry and the tracer
// provider. Components receive the pieces they need, never the whole.
type Telemetry struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *Metrics
	tracer   trace.Tracer

	closeOnce sync.Once
	closers   []func(context.Context) error
}

// New builds the logger, a private metrics registry and, when enabled, a
// tracer provider exporting spans to stderr.
func New(cfg Config) (*Telemetry, error) {
	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	t := &Telemetry{
		logger:   logger,
		registry: reg,
		metrics:  NewMetrics(reg),
	}

	if cfg.TracingEnabled {
		tp, err := newTracerProvider(cfg)
		if err != nil {
			logger.Warn("Tracing disabled", zap.Error(err))
		} else {
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			))
			t.closers = append(t.closers, tp.Shutdown)
			logger.Info("Tracing enabled", zap.Float64("sampling_rate", cfg.SamplingRate))
		}
	}
	t.tracer = otel.Tracer(cfg.ServiceName)

	return t, nil
}

func buildLogger(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		parsed, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	zc.InitialFields = map[string]any{"service": cfg.ServiceName}
	if cfg.ServiceVersion != "" {
		zc.InitialFields["version"] = cfg.ServiceVersion
	}
	if cfg.Environment != "" {
		zc.InitialFields["environment"] = cfg.Environment
	}
	return zc.Build()
}

// newTracerProvider samples root spans at cfg.SamplingRate and follows the
// parent's decision otherwise. Spans go to stderr so they never interleave
// with JSON logs on stdout.
func newTracerProvider(cfg Config) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	), nil
}

// Logger returns the root logger; components name their own children.
func (t *Telemetry) Logger() *zap.Logger { return t.logger }

// Tracer returns the service tracer. It is a no-op when tracing is off.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

func (t *Telemetry) Metrics() *Metrics { return t.metrics }

// MetricsHandler serves this instance's registry only.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// StartSystemMetricsCollector refreshes the goroutine and heap gauges in
// the background until ctx is done.
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	sample := func() {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
		t.metrics.MemoryUsage.Set(float64(ms.Alloc))
	}
	sample()

	go func() {
		ticker := time.NewTicker(runtimeSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sample()
			}
		}
	}()
}

// Shutdown flushes spans and the logger. Only the first call does work.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	t.closeOnce.Do(func() {
		for _, closeFn := range t.closers {
			if err := closeFn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		// Sync returns EINVAL on terminals.
		_ = t.logger.Sync()
	})
	return errors.Join(errs...)
}
