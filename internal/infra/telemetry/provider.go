package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config configures the OTLP gRPC exporter.
type Config struct {
	Endpoint       string        `yaml:"otlp_endpoint"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Insecure       bool          `yaml:"insecure"`
	SamplingRatio  float64       `yaml:"sampling_ratio"`
	ExportTimeout  time.Duration `yaml:"export_timeout"`
}

// DefaultConfig returns local-collector defaults with tracing disabled
// (empty endpoint).
func DefaultConfig() Config {
	return Config{
		ServiceName:    "herbtrace",
		ServiceVersion: "dev",
		Insecure:       true,
		SamplingRatio:  1.0,
		ExportTimeout:  10 * time.Second,
	}
}

// Enabled reports whether an exporter endpoint is configured.
func (c Config) Enabled() bool { return c.Endpoint != "" }

// Sampler maps SamplingRatio to an sdk sampler.
func (c Config) Sampler() sdktrace.Sampler {
	switch {
	case c.SamplingRatio >= 1:
		return sdktrace.AlwaysSample()
	case c.SamplingRatio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SamplingRatio))
	}
}

// NewProvider builds a batching tracer provider exporting over OTLP gRPC and
// installs it as the global provider. Callers must Shutdown it.
func NewProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("otlp endpoint required")
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if cfg.ExportTimeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	tp := newProvider(cfg, sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}

func newProvider(cfg Config, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}
	opts = append(opts, sdktrace.WithResource(res), sdktrace.WithSampler(cfg.Sampler()))
	return sdktrace.NewTracerProvider(opts...)
}
