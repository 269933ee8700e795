// Package observability wires structured logging and distributed tracing
// for the coordination node. Tracing exports over OTLP gRPC when enabled;
// when disabled, the global no-op tracer provider stays in place and span
// creation costs nothing.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used across the engine.
const TracerName = "accord.engine"

// Config configures logging and tracing.
type Config struct {
	ServiceName    string
	ServiceVersion string
	LogLevel       string // debug, info, warn, error
	LogFormat      string // text or json
	OTLPEndpoint   string // e.g. "localhost:4317"
	TracingEnabled bool
	Insecure       bool
	BatchTimeout   time.Duration
}

// DefaultConfig returns development defaults with tracing disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "accord-node",
		ServiceVersion: "1.0.0",
		LogLevel:       "info",
		LogFormat:      "text",
		OTLPEndpoint:   "localhost:4317",
		TracingEnabled: false,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the configured logger and tracer provider.
type Provider struct {
	config         *Config
	logger         *slog.Logger
	tracerProvider *sdktrace.TracerProvider
}

// New builds a provider, installs the global tracer provider when tracing
// is enabled, and returns the root logger.
func New(ctx context.Context, config *Config, logOut io.Writer) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: NewLogger(logOut, config.LogLevel, config.LogFormat),
	}

	if !config.TracingEnabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.logger.InfoContext(ctx, "tracing initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
	)
	return p, nil
}

// NewLogger builds a slog logger writing to out at the given level in the
// given format. Unknown values fall back to info-level text.
func NewLogger(out io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// Logger returns the root logger.
func (p *Provider) Logger() *slog.Logger { return p.logger }

// Tracer returns the engine tracer from the installed provider.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracerProvider != nil {
		return p.tracerProvider.Tracer(TracerName,
			trace.WithInstrumentationVersion(p.config.ServiceVersion))
	}
	return otel.Tracer(TracerName)
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("observability: shutdown tracer provider: %w", err)
	}
	return nil
}
