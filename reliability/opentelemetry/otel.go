package opentelemetry

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

// ErrNilTelemetryConfig indicates that a nil config was provided.
var ErrNilTelemetryConfig = errors.New("telemetry config cannot be nil")

// TelemetryConfig describes the service and the collector.
type TelemetryConfig struct {
	LibraryName               string
	ServiceName               string
	ServiceVersion            string
	DeploymentEnv             string
	CollectorExporterEndpoint string
	EnableTelemetry           bool
	Logger                    log.Logger
}

// Telemetry owns the providers created by InitTelemetry.
type Telemetry struct {
	TelemetryConfig
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

func (cfg *TelemetryConfig) newResource() *sdkresource.Resource {
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.DeploymentEnv),
		semconv.TelemetrySDKLanguageGo,
	)
}

// InitTelemetry creates the providers, installs them globally together with
// the W3C trace-context propagator and returns them for shutdown.
func InitTelemetry(ctx context.Context, cfg *TelemetryConfig) (*Telemetry, error) {
	if cfg == nil {
		return nil, ErrNilTelemetryConfig
	}

	logger := log.OrNop(cfg.Logger)
	res := cfg.newResource()

	tel := &Telemetry{TelemetryConfig: *cfg}

	if !cfg.EnableTelemetry || cfg.CollectorExporterEndpoint == "" {
		logger.Log(ctx, log.LevelWarn, "telemetry export disabled")

		tel.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		tel.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	} else {
		traceExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.CollectorExporterEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}

		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.CollectorExporterEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			_ = traceExporter.Shutdown(ctx)
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}

		tel.TracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		tel.MeterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		)

		logger.Log(ctx, log.LevelInfo, "telemetry export enabled",
			log.String("endpoint", cfg.CollectorExporterEndpoint))
	}

	otel.SetTracerProvider(tel.TracerProvider)
	otel.SetMeterProvider(tel.MeterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tel, nil
}

// Tracer returns a tracer named after LibraryName.
//
//nolint:ireturn
func (tl *Telemetry) Tracer() trace.Tracer {
	return tl.TracerProvider.Tracer(tl.LibraryName)
}

// Shutdown flushes and stops both providers.
func (tl *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		tl.TracerProvider.Shutdown(ctx),
		tl.MeterProvider.Shutdown(ctx),
	)
}

// InjectQueueTraceContext returns the W3C trace headers for ctx.
func InjectQueueTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return carrier
}

// ExtractQueueTraceContext returns ctx enriched with the trace found in headers.
func ExtractQueueTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// PrepareQueueHeaders copies baseHeaders and adds the trace headers of ctx.
// The result is suitable for an amqp.Table.
func PrepareQueueHeaders(ctx context.Context, baseHeaders map[string]any) map[string]any {
	headers := make(map[string]any, len(baseHeaders)+2)
	maps.Copy(headers, baseHeaders)

	for k, v := range InjectQueueTraceContext(ctx) {
		headers[k] = v
	}

	return headers
}

// ExtractTraceContextFromQueueHeaders extracts trace context from broker
// headers whose values are untyped. Non-string values are ignored.
func ExtractTraceContextFromQueueHeaders(ctx context.Context, headers map[string]any) context.Context {
	traceHeaders := make(map[string]string, len(headers))

	for k, v := range headers {
		switch val := v.(type) {
		case string:
			traceHeaders[k] = val
		case []byte:
			traceHeaders[k] = string(val)
		}
	}

	return ExtractQueueTraceContext(ctx, traceHeaders)
}

// GetTraceIDFromContext returns the trace id of the active span, or "".
func GetTraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}

	return sc.TraceID().String()
}
