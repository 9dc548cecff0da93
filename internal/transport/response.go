// Package transport contains the HTTP router, middleware chain, and request
// handlers for the approvals API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrForbidden:            http.StatusForbidden,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrConflict:             http.StatusConflict,
	model.ErrValidationError:      http.StatusBadRequest,
	model.ErrInvalidTransition:    http.StatusConflict,
	model.ErrInvalidGraph:         http.StatusUnprocessableEntity,
	model.ErrUnsupportedCondition: http.StatusUnprocessableEntity,
	model.ErrInternalError:        http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for err. Errors that carry no envelope
// are internal failures.
func StatusFor(err error) int {
	if status, ok := statusForCode[model.ErrorCode(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope JSON response with the matching
// HTTP status code. Errors that are not envelopes are reported as a generic
// INTERNAL_ERROR so store details do not leak to callers.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	out := *ee
	if out.TraceID == "" && r != nil {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: &out})
}
