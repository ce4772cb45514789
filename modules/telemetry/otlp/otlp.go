// Package otlp installs an OpenTelemetry tracer provider that exports spans
// over OTLP/HTTP. Without this module the global no-op provider applies.
package otlp

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/pulse/internal/core"
)

func init() {
	core.RegisterModule(&Module{})
}

// Config configures the exporter.
type Config struct {
	// Endpoint is the collector host:port. Defaults to localhost:4318.
	Endpoint    string   `yaml:"endpoint"`
	URLPath     string   `yaml:"url_path"`
	Insecure    bool     `yaml:"insecure"`
	SampleRatio *float64 `yaml:"sample_ratio"`
	ServiceName string   `yaml:"service_name"`
}

func (c *Config) defaults() {
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4318"
	}
	if c.ServiceName == "" {
		c.ServiceName = "pulse"
	}
	if c.SampleRatio == nil {
		ratio := 1.0
		c.SampleRatio = &ratio
	}
}

// Module owns the SDK tracer provider.
type Module struct {
	config   Config
	logger   *slog.Logger
	provider *sdktrace.TracerProvider
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "telemetry.otlp",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return err
	}
	m.config.defaults()
	return nil
}

// Provision implements core.Provisioner. The exporter connects lazily, so a
// missing collector does not fail startup.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.config.defaults()
	m.logger = ctx.Logger

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(m.config.Endpoint)}
	if m.config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if m.config.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(m.config.URLPath))
	}

	bg := context.Background()
	exp, err := otlptracehttp.New(bg, opts...)
	if err != nil {
		return fmt.Errorf("otlp: create exporter: %w", err)
	}
	res, err := resource.New(bg, resource.WithAttributes(
		attribute.String("service.name", m.config.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("otlp: create resource: %w", err)
	}

	m.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(*m.config.SampleRatio))),
	)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if r := *m.config.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("otlp: sample_ratio must be within [0, 1], got %v", r)
	}
	return nil
}

// Start implements core.Starter.
func (m *Module) Start() error {
	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	m.logger.Info("tracing enabled", "endpoint", m.config.Endpoint, "sample_ratio", *m.config.SampleRatio)
	return nil
}

// Stop implements core.Stopper. Pending spans are flushed within ctx.
func (m *Module) Stop(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("otlp: shutdown: %w", err)
	}
	return nil
}

// TracerProvider returns the provider installed by Start.
func (m *Module) TracerProvider() *sdktrace.TracerProvider { return m.provider }
