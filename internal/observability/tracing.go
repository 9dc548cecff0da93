package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/model"
)

const (
	tracerName         = "github.com/pitabwire/approvals"
	defaultSampleRatio = 0.1
)

// Span attribute keys for approval operations.
var (
	AttrRequestID     = attribute.Key("approvals.request_id")
	AttrRequestStatus = attribute.Key("approvals.request_status")
	AttrRecordID      = attribute.Key("approvals.record_id")
	AttrStepID        = attribute.Key("approvals.step_id")
	AttrApproverID    = attribute.Key("approvals.approver_id")
	AttrWorkflowType  = attribute.Key("approvals.workflow_type")
	AttrSubjectID     = attribute.Key("approvals.subject_id")
	AttrErrorCode     = attribute.Key("approvals.error_code")
)

// InitTracing installs the global TracerProvider and W3C propagators. The
// returned function flushes and stops the provider. When tracing is
// disabled the global no-op provider stays in place.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler follows the parent decision and samples root spans at the
// configured ratio.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	switch {
	case rate <= 0:
		rate = defaultSampleRatio
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the approvals tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError ends span and records err. Business-rule rejections
// (error envelopes other than INTERNAL_ERROR) are tagged with their code and
// leave the span status unset; any other error marks the span as failed.
func EndSpanWithError(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}

	var env *model.ErrorEnvelope
	if errors.As(err, &env) && env.Code != model.ErrInternalError {
		span.SetAttributes(AttrErrorCode.String(env.Code))
		span.AddEvent("approvals.rejected", trace.WithAttributes(AttrErrorCode.String(env.Code)))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AnnotateRequest tags the active span with the identity and status of req.
func AnnotateRequest(ctx context.Context, req model.Request) {
	trace.SpanFromContext(ctx).SetAttributes(
		AttrRequestID.String(req.ID),
		AttrWorkflowType.String(req.WorkflowType),
		AttrRequestStatus.String(string(req.Status)),
	)
}

// AnnotateRecord tags the active span with the approval record being decided.
func AnnotateRecord(ctx context.Context, rec model.ApprovalRecord) {
	trace.SpanFromContext(ctx).SetAttributes(
		AttrRequestID.String(rec.RequestID),
		AttrRecordID.String(rec.ID),
		AttrStepID.String(rec.StepID),
		AttrApproverID.String(rec.ApproverID),
	)
}

// TransitionEvent adds a request status change to the active span.
func TransitionEvent(ctx context.Context, requestID string, from, to model.RequestStatus) {
	trace.SpanFromContext(ctx).AddEvent("approvals.request.transition", trace.WithAttributes(
		AttrRequestID.String(requestID),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// TraceIDFromContext returns the trace id of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing any inbound
// W3C trace context and echoing it on the response. Under a chi router the
// span is renamed to the matched route pattern once the handler has run, so
// request and record ids do not explode span cardinality.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		sw := &tracingStatusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

type tracingStatusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *tracingStatusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingStatusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
