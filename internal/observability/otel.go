package observability

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"github.com/geocore/coremachine/internal/logger"
)

// Tracing is opt-in. OTEL_ENABLED gates the whole provider; the exporter is
// OTLP over HTTP when OTEL_EXPORTER_OTLP_ENDPOINT is set, a pretty-printed
// stdout exporter otherwise (local work). Sampling is parent-based on
// OTEL_SAMPLER_RATIO.

type OtelConfig struct {
	ServiceName string
	Environment string
	Version     string
}

var (
	initOnce sync.Once
	shutdown func(context.Context) error
)

// InitOTel installs the global tracer provider once per process and returns
// its shutdown hook, or nil when tracing is disabled.
func InitOTel(ctx context.Context, log *logger.Logger, cfg OtelConfig) func(context.Context) error {
	initOnce.Do(func() {
		if !envFlag("OTEL_ENABLED") {
			return
		}
		if strings.TrimSpace(cfg.ServiceName) == "" {
			cfg.ServiceName = "coremachine"
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
			sdktrace.WithResource(serviceResource(ctx, log, cfg)),
		}
		if exporter := newExporter(ctx, log); exporter != nil {
			opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
		}
		tp := sdktrace.NewTracerProvider(opts...)

		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdown = tp.Shutdown
		if log != nil {
			log.Info("Tracing initialized", "service", cfg.ServiceName, "endpoint", envValue("OTEL_EXPORTER_OTLP_ENDPOINT"))
		}
	})
	return shutdown
}

func serviceResource(ctx context.Context, log *logger.Logger, cfg OtelConfig) *resource.Resource {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(strings.TrimSpace(cfg.Version)),
		attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
	))
	if err != nil {
		if log != nil {
			log.Warn("Trace resource init failed, continuing with defaults", "error", err)
		}
		return resource.Default()
	}
	return res
}

// newExporter never fails the boot: exporter problems degrade to no spans.
func newExporter(ctx context.Context, log *logger.Logger) sdktrace.SpanExporter {
	endpoint := envValue("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			if log != nil {
				log.Warn("Stdout trace exporter init failed", "error", err)
			}
			return nil
		}
		return exp
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if envFlag("OTEL_EXPORTER_OTLP_INSECURE") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if headers := otlpHeaders(); len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		if log != nil {
			log.Warn("OTLP trace exporter init failed", "endpoint", endpoint, "error", err)
		}
		return nil
	}
	return exp
}

func sampleRatio() float64 {
	f, err := strconv.ParseFloat(envValue("OTEL_SAMPLER_RATIO"), 64)
	if err != nil {
		return 0.1
	}
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// otlpHeaders parses OTEL_EXPORTER_OTLP_HEADERS ("k1=v1,k2=v2").
func otlpHeaders() map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(envValue("OTEL_EXPORTER_OTLP_HEADERS"), ",") {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		headers[k] = v
	}
	return headers
}

func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envFlag(key string) bool {
	switch strings.ToLower(envValue(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
