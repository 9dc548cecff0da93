package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth(time.Now().Add(-90*time.Second)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("response = %+v", resp)
	}
	if resp.UptimeSeconds < 90 {
		t.Errorf("uptime = %ds, want at least 90s", resp.UptimeSeconds)
	}
}

// --- Probes ---

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func probe(name string, err error) ReadinessCheck {
	return ReadinessCheck{Name: name, Probe: func(context.Context) error { return err }}
}

func TestGraphCheck(t *testing.T) {
	if err := GraphCheck(func() int { return 2 }).Probe(context.Background()); err != nil {
		t.Errorf("two graphs installed: err = %v, want nil", err)
	}
	c := GraphCheck(func() int { return 0 })
	if c.Name != "graphs" {
		t.Errorf("name = %q, want graphs", c.Name)
	}
	if err := c.Probe(context.Background()); err == nil {
		t.Error("no graphs installed: expected an error")
	}
}

func TestBackendCheck(t *testing.T) {
	down := &mockHealthChecker{err: errors.New("connection refused")}

	c, ok := BackendCheck("locker", down)
	if !ok {
		t.Fatal("a HealthChecker backend should produce a check")
	}
	if c.Name != "locker" || c.Probe(context.Background()) == nil {
		t.Errorf("check = %+v, want locker probe reporting the backend error", c)
	}

	if _, ok := BackendCheck("store", struct{}{}); ok {
		t.Error("a backend without HealthCheck should be skipped")
	}
}

func TestHandleReady(t *testing.T) {
	refused := errors.New("connection refused")

	tests := []struct {
		name       string
		checks     []ReadinessCheck
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "graphs only",
			checks:     []ReadinessCheck{GraphCheck(func() int { return 1 })},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{"graphs": "ok"},
		},
		{
			name:       "no graphs installed",
			checks:     []ReadinessCheck{GraphCheck(func() int { return 0 })},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"graphs": "error"},
		},
		{
			name:       "no checks",
			checks:     nil,
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{},
		},
		{
			name: "all dependencies healthy",
			checks: []ReadinessCheck{
				GraphCheck(func() int { return 1 }),
				probe("store", nil), probe("locker", nil), probe("idempotency_store", nil),
			},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{"graphs": "ok", "store": "ok", "locker": "ok", "idempotency_store": "ok"},
		},
		{
			name:       "store down",
			checks:     []ReadinessCheck{probe("store", refused), probe("locker", nil)},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"store": "error", "locker": "ok"},
		},
		{
			name:       "idempotency store down",
			checks:     []ReadinessCheck{GraphCheck(func() int { return 1 }), probe("idempotency_store", refused)},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"graphs": "ok", "idempotency_store": "error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleReady(tt.checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp ReadinessResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if len(resp.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %d entries", resp.Checks, len(tt.wantChecks))
			}
			for name, want := range tt.wantChecks {
				got, ok := resp.Checks[name]
				if !ok {
					t.Errorf("check %q missing", name)
					continue
				}
				if got.Status != want {
					t.Errorf("check %q = %q, want %q", name, got.Status, want)
				}
				if want == "error" && got.Error == "" {
					t.Errorf("check %q should carry an error message", name)
				}
			}
		})
	}
}

func TestHandleReady_checkTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the per-check timeout")
	}
	slow := ReadinessCheck{Name: "store", Probe: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	rec := httptest.NewRecorder()
	HandleReady([]ReadinessCheck{slow}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Checks["store"].LatencyMs < checkTimeout.Milliseconds() {
		t.Errorf("store latency = %dms, want at least %dms", resp.Checks["store"].LatencyMs, checkTimeout.Milliseconds())
	}
}
