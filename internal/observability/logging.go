package observability

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/model"
)

// Log field keys shared by the engine and the HTTP layer.
const (
	FieldRequestID     = "request_id"
	FieldWorkflowType  = "workflow_type"
	FieldRequestStatus = "request_status"
	FieldRecordID      = "record_id"
	FieldStepID        = "step_id"
	FieldApproverID    = "approver_id"
	FieldSubjectID     = "subject_id"
	FieldCorrelationID = "correlation_id"
	FieldTraceID       = "trace_id"
)

type loggerKey struct{}

// NewLogger builds the process logger. Entries are JSON on stdout and carry
// the service name and version. An unparseable level falls back to info.
//
// Level usage:
//   - error: store or lock backend failures, 5xx responses
//   - warn:  4xx responses, fail-closed condition evaluations, lock timeouts
//   - info:  request transitions, decisions, graph installs, reconciliation
//   - debug: readiness evaluations, status transitions, idempotency replays
func NewLogger(cfg config.ObservabilityConfig, version string) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(enc),
		zapcore.Lock(os.Stdout),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.Fields(
			zap.String("service", "approvals"),
			zap.String("version", version),
		),
	)
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger (or fallback) tagged with the
// caller fields of ctx.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	if fields := CallerFields(ctx); len(fields) > 0 {
		return logger.With(fields...)
	}
	return logger
}

// CallerFields describes the API caller of ctx: subject, correlation id and,
// when tracing is active, the trace id. It is empty outside an API call.
func CallerFields(ctx context.Context) []zap.Field {
	caller := model.CallerFrom(ctx)
	if caller == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String(FieldSubjectID, caller.SubjectID),
		zap.String(FieldCorrelationID, caller.CorrelationID),
	}
	if caller.TraceID != "" {
		fields = append(fields, zap.String(FieldTraceID, caller.TraceID))
	}
	return fields
}

// RequestFields describes an approval request.
func RequestFields(req model.Request) []zap.Field {
	return []zap.Field{
		zap.String(FieldRequestID, req.ID),
		zap.String(FieldWorkflowType, req.WorkflowType),
		zap.String(FieldRequestStatus, string(req.Status)),
	}
}

// RecordFields describes an approval record.
func RecordFields(rec model.ApprovalRecord) []zap.Field {
	return []zap.Field{
		zap.String(FieldRequestID, rec.RequestID),
		zap.String(FieldStepID, rec.StepID),
		zap.String(FieldRecordID, rec.ID),
		zap.String(FieldApproverID, rec.ApproverID),
	}
}
