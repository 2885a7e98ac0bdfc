package httphandler

import (
	"net/http"

	"github.com/ericfisherdev/policygate/internal/application"
)

// ListPolicies returns the project's policies ordered by ID.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "project")
	if !ok {
		return
	}

	policies, err := h.policies.ListByProject(r.Context(), projectID)
	if err != nil {
		h.logger.Error("failed to list policies", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]PolicyResponse, 0, len(policies))
	for _, p := range policies {
		resp = append(resp, toPolicyResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMergeRequest returns a single merge request with its commits.
func (h *Handler) GetMergeRequest(w http.ResponseWriter, r *http.Request) {
	mr := h.loadMergeRequest(w, r)
	if mr == nil {
		return
	}
	writeJSON(w, http.StatusOK, toMergeRequestResponse(*mr))
}

// ListApprovalRules returns the merge request's policy approval rules.
func (h *Handler) ListApprovalRules(w http.ResponseWriter, r *http.Request) {
	mr := h.loadMergeRequest(w, r)
	if mr == nil {
		return
	}

	rules, err := h.rules.ListByMergeRequest(r.Context(), mr.ID)
	if err != nil {
		h.logger.Error("failed to list approval rules", "merge_request_id", mr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]ApprovalRuleResponse, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, toApprovalRuleResponse(rule))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetViolations returns the resolved violation details of the merge request.
func (h *Handler) GetViolations(w http.ResponseWriter, r *http.Request) {
	mr := h.loadMergeRequest(w, r)
	if mr == nil {
		return
	}

	details, err := h.details.Load(r.Context(), *mr)
	if err != nil {
		h.logger.Error("failed to load violation details", "merge_request_id", mr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toViolationDetailsResponse(details))
}

// GetComment renders the bot comment for the merge request's current
// violations. ?format=html returns it rendered and sanitized.
func (h *Handler) GetComment(w http.ResponseWriter, r *http.Request) {
	mr := h.loadMergeRequest(w, r)
	if mr == nil {
		return
	}

	details, err := h.details.Load(r.Context(), *mr)
	if err != nil {
		h.logger.Error("failed to load violation details", "merge_request_id", mr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	body := application.RenderComment(details)

	if r.URL.Query().Get("format") == "html" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(RenderMarkdown(body)))
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
