package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/approvals/model"
)

func TestRecovery_catchesPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := Recovery(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/requests", nil))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 after panic", w.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("panic should be logged once")
	}
}

func TestRecovery_passesThrough(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
}

func TestRequestID_generated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Error("correlation id should be generated")
	}
	if got := w.Header().Get(HeaderCorrelationID); got != seen {
		t.Errorf("response X-Correlation-Id = %q, want %q", got, seen)
	}
}

func TestRequestID_propagated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderCorrelationID, "test-corr-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seen != "test-corr-123" {
		t.Errorf("context correlation id = %q, want test-corr-123", seen)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestSubjectContext(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		wantCode int
	}{
		{"subject present", "user-1", http.StatusOK},
		{"subject missing", "", http.StatusUnauthorized},
		{"subject padded", " user-1 ", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *model.Caller
			handler := RequestID(SubjectContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = model.CallerFrom(r.Context())
			})))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(HeaderCorrelationID, "corr-1")
			if tt.subject != "" {
				req.Header.Set(HeaderSubjectID, tt.subject)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				if got != nil {
					t.Error("handler should not run without a subject")
				}
				return
			}
			if got == nil || got.SubjectID != tt.subject || got.CorrelationID != "corr-1" {
				t.Errorf("caller = %+v", got)
			}
		})
	}
}

func TestHandlerTimeout_setsDeadline(t *testing.T) {
	var has bool
	handler := HandlerTimeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, has = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !has {
		t.Error("context should carry a deadline")
	}
}

func TestHandlerTimeout_zeroNoDeadline(t *testing.T) {
	var has bool
	handler := HandlerTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, has = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if has {
		t.Error("zero timeout should not set a deadline")
	}
}

func TestLimitBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"under the cap", "0123456789", false},
		{"at the cap", strings.Repeat("x", 16), false},
		{"over the cap", strings.Repeat("x", 17), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var readErr error
			handler := LimitBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, readErr = io.ReadAll(r.Body)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)))
			if (readErr != nil) != tt.wantErr {
				t.Fatalf("read error = %v, wantErr %v", readErr, tt.wantErr)
			}
			if tt.wantErr && !tooLarge(readErr) {
				t.Errorf("read error = %v, want *http.MaxBytesError", readErr)
			}
		})
	}
}

func TestRequestLogging_levelsByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  zapcore.Level
	}{
		{http.StatusOK, zapcore.InfoLevel},
		{http.StatusConflict, zapcore.WarnLevel},
		{http.StatusInternalServerError, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			handler := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest(http.MethodPost, "/approvals/rec-1/approve", nil)
			req = req.WithContext(model.WithCaller(req.Context(), &model.Caller{SubjectID: "user-1"}))
			handler.ServeHTTP(httptest.NewRecorder(), req)

			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("log entries = %d, want 1", len(entries))
			}
			e := entries[0]
			if e.Level != tt.level {
				t.Errorf("level = %v, want %v", e.Level, tt.level)
			}
			fields := e.ContextMap()
			if fields["status"] != int64(tt.status) {
				t.Errorf("status field = %v, want %d", fields["status"], tt.status)
			}
			if fields["subject_id"] != "user-1" {
				t.Errorf("subject_id field = %v, want user-1", fields["subject_id"])
			}
		})
	}
}
