// Package tracing wires the orchestrator's lifecycle event stream into
// OpenTelemetry spans: agent spawns, stage transitions, and recovery
// outcomes each become a span emitted through the same session.EventFunc
// subscriber seam pkg/metrics rides (§4 supplemental features). Tracing is
// ambient observability, not a routing dependency, so a disabled or
// unconfigured Tracer is a safe no-op.
package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether tracing is active and where spans go.
type Config struct {
	// Enabled turns on span export. Default: false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Exporter selects the span destination: "otlp" (default) or "stdout"
	// for local debugging without a collector.
	Exporter string `yaml:"exporter" mapstructure:"exporter"`

	// Endpoint is the OTLP/gRPC collector address, used when Exporter == "otlp".
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`

	// SamplingRate is the fraction of traces recorded, in [0,1].
	SamplingRate float64 `yaml:"samplingRate" mapstructure:"samplingRate"`

	// ServiceName identifies this process in the trace backend.
	ServiceName string `yaml:"serviceName" mapstructure:"serviceName"`
}

// SetDefaults fills in the exporter/service name/sampling defaults left blank.
func (c *Config) SetDefaults() {
	if c.Exporter == "" {
		c.Exporter = "otlp"
	}
	if c.ServiceName == "" {
		c.ServiceName = "swarmctl"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1
	}
}

// Validate checks Config for errors; a no-op when tracing is disabled.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Exporter == "otlp" && c.Endpoint == "" {
		return errors.New("tracing: endpoint is required for the otlp exporter")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return errors.New("tracing: samplingRate must be between 0 and 1")
	}
	return nil
}

// Tracer wraps a trace.Tracer plus the provider that must be flushed on
// shutdown. A nil *Tracer's methods are inert no-ops, matching
// pkg/metrics' "nil collaborator is safe" convention.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds a Tracer from cfg. Returns (nil, nil) when cfg is nil or
// disabled: callers never need a feature-flag check of their own.
func New(ctx context.Context, cfg *Config) (*Tracer, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: build exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{provider: provider, tracer: provider.Tracer("swarmctl/session")}, nil
}

func newExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
}

// Shutdown flushes buffered spans and releases the exporter. Safe on a nil
// Tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordEvent emits a zero-duration span named by event, tagged with
// session/role/attrs pulled from fields. Lifecycle events arrive one at a
// time through session.EventFunc with no span context threaded through the
// call site that raised them, so each becomes its own root span rather than
// a child of an in-flight operation span: good enough to see spawn/restart/
// skip/abort timing and ordering on a trace timeline without requiring
// context.Context plumbing through every controller and monitor call site.
func (t *Tracer) RecordEvent(ctx context.Context, event string, fields map[string]interface{}) {
	if t == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(fields)+1)
	attrs = append(attrs, attribute.String("swarmctl.event", event))
	for k, v := range fields {
		attrs = append(attrs, attribute.String("swarmctl."+k, fmt.Sprintf("%v", v)))
	}
	_, span := t.tracer.Start(ctx, event, trace.WithAttributes(attrs...))
	span.End()
}
