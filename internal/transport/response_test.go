package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/approvals/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), model.NewNotFoundError("request not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", resp.Error.Code)
	}
	if resp.Error.Message != "request not found" {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	err := fmt.Errorf("approve: %w", model.NewForbiddenError("not your record"))
	WriteError(w, nil, err)

	if w.Code != 403 {
		t.Errorf("status = %d, want 403 for a wrapped envelope", w.Code)
	}
}

func TestWriteError_nonEnvelopeHidesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, nil, fmt.Errorf("pq: connection reset by peer"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrInternalError {
		t.Errorf("code = %q, want INTERNAL_ERROR", resp.Error.Code)
	}
	if resp.Error.Message == "pq: connection reset by peer" {
		t.Error("store error text leaked to the caller")
	}
}

func TestStatusForCode_coverage(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrValidationError, 400},
		{model.ErrUnauthorized, 401},
		{model.ErrForbidden, 403},
		{model.ErrNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrInvalidTransition, 409},
		{model.ErrInvalidGraph, 422},
		{model.ErrUnsupportedCondition, 422},
		{model.ErrInternalError, 500},
		{"SOMETHING_ELSE", 500},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, nil, &model.ErrorEnvelope{Code: tc.code, Message: "test"})
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.code, w.Code, tc.status)
			}
		})
	}
}
