package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures distributed tracing
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `yaml:"zipkin_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
}

// TracerProvider wraps the OpenTelemetry tracer
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a tracer provider; disabled config yields a noop tracer.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer("banto"),
		}, nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "banto"
	}

	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch config.Exporter {
	case "otlp":
		endpoint := config.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := config.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)

	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("banto"),
	}, nil
}

// Shutdown gracefully shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a span tagged with the conversation identifiers held in ctx.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if conversationID := ConversationIDFromContext(ctx); conversationID != "" {
		attrs = append(attrs, attribute.String(AttrConversationID, conversationID))
	}
	if userID := UserIDFromContext(ctx); userID != "" {
		attrs = append(attrs, attribute.String(AttrUserID, userID))
	}

	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common span names
const (
	SpanProcessMessage = "banto.pipeline.process"
	SpanUnderstand     = "banto.collab.understand"
	SpanDecide         = "banto.collab.decide"
	SpanExecute        = "banto.collab.execute"
	SpanSafetyCheck    = "banto.safety.check"
	SpanTeach          = "banto.knowledge.teach"
	SpanHTTPServer     = "banto.http.request"
)

// Common attribute keys
const (
	AttrConversationID = "banto.conversation_id"
	AttrUserID         = "banto.user_id"
	AttrToolName       = "banto.tool_name"
	AttrVerdict        = "banto.verdict"
	AttrRiskLevel      = "banto.risk_level"
	AttrState          = "banto.state"
	AttrAuthority      = "banto.authority"
	AttrConflictType   = "banto.conflict_type"
	AttrStatus         = "banto.status"
	AttrError          = "banto.error"
)

// ToolAttrs creates tool attributes
func ToolAttrs(toolName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, toolName),
	}
}

// VerdictAttrs creates safety verdict attributes
func VerdictAttrs(verdict, riskLevel string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrVerdict, verdict),
	}
	if riskLevel != "" {
		attrs = append(attrs, attribute.String(AttrRiskLevel, riskLevel))
	}
	return attrs
}

// StateAttrs creates conversation state attributes
func StateAttrs(state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrState, state),
	}
}

// AuthorityAttrs creates authority attributes for teach spans
func AuthorityAttrs(authority string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrAuthority, authority),
	}
}

// ConflictAttrs creates knowledge conflict attributes
func ConflictAttrs(conflictType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrConflictType, conflictType),
	}
}

// StatusAttrs creates pipeline status attributes
func StatusAttrs(status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStatus, status),
	}
}

// ErrorAttrs creates error attributes; the error kind, not the message,
// is what dashboards group on.
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(AttrError, true),
		attribute.String("error.message", err.Error()),
	}
}
