package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/approvals/internal/graph"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

func handleApprove(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := model.MustCaller(r.Context())

		var body struct {
			Comment string `json:"comment"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		rec, err := engine.ApproveStep(r.Context(), chi.URLParam(r, "recordID"), caller.SubjectID, body.Comment)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

func handleReject(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := model.MustCaller(r.Context())

		var body struct {
			Reason               string `json:"reason"`
			RequiresResubmission bool   `json:"requires_resubmission"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		rec, err := engine.RejectStep(r.Context(), chi.URLParam(r, "recordID"), caller.SubjectID, body.Reason, body.RequiresResubmission)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

func handleAttachCondition(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def graph.ConditionDef
		if err := decodeBody(r, &def); err != nil {
			WriteError(w, r, err)
			return
		}

		c, err := engine.AttachCondition(r.Context(), chi.URLParam(r, "dependencyID"), def)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, c)
	}
}
