package integration

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/pitabwire/approvals/internal/transport"
	"github.com/pitabwire/approvals/model"
)

// ==========================================================================
// Caller identity
// ==========================================================================

func TestSecurity_RequesterComesFromCaller(t *testing.T) {
	h := NewTestHarness(t)

	// A requester_id in the body is ignored in favour of the caller.
	req := h.CreateRequest(t, "user-1", map[string]any{"subject": "Laptop", "requester_id": "someone-else"})
	assertEqual(t, req.RequesterID, "user-1", "requester")
}

func TestSecurity_CommentAuthorComesFromCaller(t *testing.T) {
	h := NewTestHarness(t)
	req := h.CreateRequest(t, "user-1", map[string]any{"subject": "Laptop"})

	var c model.Comment
	resp := h.POST("/requests/"+req.ID+"/comments", map[string]any{"text": "hello", "author_id": "forged"}, "user-2")
	h.AssertJSON(t, resp, http.StatusCreated, &c)
	assertEqual(t, c.AuthorID, "user-2", "author")
}

func TestSecurity_OnlyAssignedApproverDecides(t *testing.T) {
	h := NewTestHarness(t)
	req := h.SubmitRequest(t, "user-1", map[string]any{"subject": "Laptop"})
	rec := h.Record(t, req.ID, "purchase.manager", "user-manager")

	for _, subject := range []string{"user-1", "user-director", "USER-MANAGER"} {
		t.Run(subject, func(t *testing.T) {
			resp := h.POST("/approvals/"+rec.ID+"/approve", nil, subject)
			h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)
		})
	}
	if got := h.Record(t, req.ID, "purchase.manager", "user-manager").Status; got != model.ApprovalStatusPending {
		t.Errorf("record status = %s, want pending after refused decisions", got)
	}
}

func TestSecurity_IdempotencyKeysScopedToCaller(t *testing.T) {
	h := NewTestHarness(t)
	headers := map[string]string{transport.HeaderIdempotencyKey: "shared-key"}
	body := map[string]any{"subject": "Monitor"}

	var a, b model.Request
	h.AssertJSON(t, h.POSTWithHeaders("/requests", body, "user-1", headers), http.StatusCreated, &a)
	resp := h.POSTWithHeaders("/requests", body, "user-2", headers)
	if resp.Header.Get(transport.HeaderReplayed) != "" {
		t.Error("another caller's response must not be replayed")
	}
	h.AssertJSON(t, resp, http.StatusCreated, &b)
	if a.ID == b.ID {
		t.Error("callers sharing a key should get distinct requests")
	}
	assertEqual(t, b.RequesterID, "user-2", "second requester")
}

// ==========================================================================
// Error Response Tests
// ==========================================================================

func TestSecurity_ErrorResponseNoStackTrace(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.POST("/approvals/ghost/approve", nil, "user-1")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	bodyStr := string(h.ReadBody(resp))

	sensitivePatterns := []string{
		"goroutine",
		".go:",
		"panic",
		"runtime.",
		"/internal/",
	}
	for _, pattern := range sensitivePatterns {
		if strings.Contains(bodyStr, pattern) {
			t.Errorf("error response contains sensitive pattern %q: %s", pattern, bodyStr)
		}
	}
}

func TestSecurity_MalformedBodyRejected(t *testing.T) {
	h := NewTestHarness(t)

	req, err := http.NewRequest(http.MethodPost, h.BaseURL()+"/requests", strings.NewReader(`{"subject": `))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(transport.HeaderSubjectID, "user-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	h.AssertErrorCode(t, resp, http.StatusBadRequest, model.ErrBadRequest)
}

// ==========================================================================
// Security Headers Tests
// ==========================================================================

func TestSecurity_Headers(t *testing.T) {
	h := NewTestHarness(t)

	cases := []struct {
		name    string
		subject string
		path    string
		status  int
	}{
		{"caller route", "user-1", "/requests", http.StatusOK},
		{"error response", "", "/requests", http.StatusUnauthorized},
		{"public endpoint", "", "/healthz", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.GET(tc.path, tc.subject)
			h.AssertStatus(t, resp, tc.status)

			for name, want := range map[string]string{
				"X-Content-Type-Options": "nosniff",
				"X-Frame-Options":        "DENY",
				"Cache-Control":          "no-store",
			} {
				if got := resp.Header.Get(name); got != want {
					t.Errorf("header %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestSecurity_CorrelationIDReturned(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/requests", "user-1")
	h.AssertStatus(t, resp, http.StatusOK)
	if resp.Header.Get(transport.HeaderCorrelationID) == "" {
		t.Error("X-Correlation-Id not set in response")
	}

	req, _ := http.NewRequest(http.MethodGet, h.BaseURL()+"/requests", nil)
	req.Header.Set(transport.HeaderSubjectID, "user-1")
	req.Header.Set(transport.HeaderCorrelationID, "custom-trace-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	h.AssertStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get(transport.HeaderCorrelationID); got != "custom-trace-123" {
		t.Errorf("X-Correlation-Id = %q, want custom-trace-123", got)
	}
}

// ==========================================================================
// Input Sanitization Tests
// ==========================================================================

func TestSecurity_PathTraversalInPathParams(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/requests/"+url.PathEscape("../../etc/passwd"), "user-1")
	h.AssertErrorCode(t, resp, http.StatusNotFound, model.ErrNotFound)
}
