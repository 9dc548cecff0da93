package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

const maxListLimit = 500

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	if tooLarge(err) {
		return bodyTooLarge()
	}
	return model.NewBadRequestError("invalid JSON body")
}

func bodyTooLarge() error {
	return model.NewBadRequestError(fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func handleCreateRequest(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := model.MustCaller(r.Context())

		var in workflow.NewRequest
		if err := decodeBody(r, &in); err != nil {
			WriteError(w, r, err)
			return
		}
		in.RequesterID = caller.SubjectID

		req, err := engine.CreateRequest(r.Context(), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, req)
	}
}

func handleListRequests(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := workflow.RequestFilter{WorkflowType: q.Get("workflow_type")}
		for _, raw := range q["status"] {
			for _, s := range strings.Split(raw, ",") {
				if s = strings.TrimSpace(s); s != "" {
					filter.Statuses = append(filter.Statuses, model.RequestStatus(s))
				}
			}
		}

		var err error
		if filter.Limit, err = queryInt(q.Get("limit"), 100); err != nil || filter.Limit > maxListLimit {
			WriteError(w, r, model.NewBadRequestError("limit must be between 0 and "+strconv.Itoa(maxListLimit)))
			return
		}
		if filter.Offset, err = queryInt(q.Get("offset"), 0); err != nil {
			WriteError(w, r, model.NewBadRequestError("offset must be a non-negative integer"))
			return
		}

		reqs, err := engine.ListRequests(r.Context(), filter)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if reqs == nil {
			reqs = []model.Request{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": reqs})
	}
}

func handleGetRequest(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := engine.GetRequest(r.Context(), chi.URLParam(r, "requestID"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleSubmitRequest(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := engine.SubmitRequest(r.Context(), chi.URLParam(r, "requestID"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleCancelRequest(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := model.MustCaller(r.Context())

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		req, err := engine.CancelRequest(r.Context(), chi.URLParam(r, "requestID"), caller.SubjectID, body.Reason)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleResubmitRequest(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := model.MustCaller(r.Context())

		req, err := engine.ResubmitRequest(r.Context(), chi.URLParam(r, "requestID"), caller.SubjectID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, req)
	}
}

func handleLineage(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chain, err := engine.Lineage(r.Context(), chi.URLParam(r, "requestID"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": chain})
	}
}

func handleListApprovals(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := chi.URLParam(r, "requestID")
		if _, err := engine.GetRequest(r.Context(), requestID); err != nil {
			WriteError(w, r, err)
			return
		}
		recs, err := engine.ListApprovalRecords(r.Context(), requestID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if recs == nil {
			recs = []model.ApprovalRecord{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": recs})
	}
}

func handleStepReady(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := chi.URLParam(r, "requestID")
		stepID := chi.URLParam(r, "stepID")

		ready, err := engine.IsStepReady(r.Context(), requestID, stepID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		complete, err := engine.IsStepComplete(r.Context(), requestID, stepID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"request_id": requestID,
			"step_id":    stepID,
			"ready":      ready,
			"complete":   complete,
		})
	}
}

func handleThread(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		thread, err := engine.Thread(r.Context(), chi.URLParam(r, "requestID"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if thread == nil {
			thread = []*workflow.ThreadNode{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": thread})
	}
}

func handleAddComment(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := model.MustCaller(r.Context())

		var in workflow.NewComment
		if err := decodeBody(r, &in); err != nil {
			WriteError(w, r, err)
			return
		}
		in.RequestID = chi.URLParam(r, "requestID")
		in.AuthorID = caller.SubjectID

		c, err := engine.AddComment(r.Context(), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, c)
	}
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}
