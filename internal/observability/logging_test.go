package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/model"
)

// newTestLogger creates a logger that writes JSON to a buffer for assertion.
func newTestLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel)
	return zap.New(core)
}

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
	}{
		{"info", false},
		{"debug", true},
		{"warn", false},
		{"bogus", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			core := NewLogger(config.ObservabilityConfig{LogLevel: tt.level}, "test").Core()
			if tt.level != "warn" && !core.Enabled(zapcore.InfoLevel) {
				t.Error("info should be enabled")
			}
			if got := core.Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestWithLogger_and_LoggerFrom(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithLogger(context.Background(), logger)

	got := LoggerFrom(ctx, nil)
	if got != logger {
		t.Error("LoggerFrom should return the stored logger")
	}
}

func TestLoggerFrom_fallback(t *testing.T) {
	fallback := zap.NewNop()
	got := LoggerFrom(context.Background(), fallback)
	if got != fallback {
		t.Error("LoggerFrom should return fallback when no logger in context")
	}
}

func TestRequestLogger_callerFields(t *testing.T) {
	tests := []struct {
		name    string
		caller  *model.Caller
		want    map[string]string
		missing []string
	}{
		{
			name:   "caller with trace",
			caller: &model.Caller{SubjectID: "user-42", CorrelationID: "corr-abc", TraceID: "trace-xyz"},
			want:   map[string]string{FieldSubjectID: "user-42", FieldCorrelationID: "corr-abc", FieldTraceID: "trace-xyz"},
		},
		{
			name:    "caller without trace",
			caller:  &model.Caller{SubjectID: "user-42", CorrelationID: "corr-abc"},
			want:    map[string]string{FieldSubjectID: "user-42"},
			missing: []string{FieldTraceID},
		},
		{
			name:    "outside an API call",
			missing: []string{FieldSubjectID, FieldCorrelationID, FieldTraceID},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newTestLogger(&buf)

			ctx := context.Background()
			if tt.caller != nil {
				ctx = model.WithCaller(ctx, tt.caller)
			}
			RequestLogger(ctx, logger).Info("decision recorded")

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse log entry: %v", err)
			}
			if entry["msg"] != "decision recorded" {
				t.Errorf("msg = %v, want decision recorded", entry["msg"])
			}
			for key, want := range tt.want {
				if got := entry[key]; got != want {
					t.Errorf("%s = %v, want %q", key, got, want)
				}
			}
			for _, key := range tt.missing {
				if _, ok := entry[key]; ok {
					t.Errorf("%s should be absent", key)
				}
			}
		})
	}
}

func TestRequestLogger_prefersContextLogger(t *testing.T) {
	var ctxBuf, fallbackBuf bytes.Buffer
	ctx := WithLogger(context.Background(), newTestLogger(&ctxBuf))

	RequestLogger(ctx, newTestLogger(&fallbackBuf)).Info("approved")

	if ctxBuf.Len() == 0 || fallbackBuf.Len() != 0 {
		t.Errorf("entry should go to the context logger only (context=%d bytes, fallback=%d bytes)", ctxBuf.Len(), fallbackBuf.Len())
	}
}

// --- Domain fields ---

func TestCallerFields_absent(t *testing.T) {
	if fields := CallerFields(context.Background()); fields != nil {
		t.Errorf("CallerFields(empty context) = %v, want nil", fields)
	}
}

func TestRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	req := model.Request{ID: "req-1", WorkflowType: "purchase", Status: model.RequestStatusSubmitted}
	logger.Info("submitted", RequestFields(req)...)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	checks := map[string]string{
		FieldRequestID:     "req-1",
		FieldWorkflowType:  "purchase",
		FieldRequestStatus: string(model.RequestStatusSubmitted),
	}
	for key, want := range checks {
		if got := entry[key]; got != want {
			t.Errorf("%s = %v, want %q", key, got, want)
		}
	}
}

func TestRecordFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	rec := model.ApprovalRecord{ID: "rec-1", RequestID: "req-1", StepID: "purchase.manager", ApproverID: "user-mgr"}
	logger.Info("approved", RecordFields(rec)...)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	checks := map[string]string{
		FieldRecordID:   "rec-1",
		FieldRequestID:  "req-1",
		FieldStepID:     "purchase.manager",
		FieldApproverID: "user-mgr",
	}
	for key, want := range checks {
		if got := entry[key]; got != want {
			t.Errorf("%s = %v, want %q", key, got, want)
		}
	}
}
