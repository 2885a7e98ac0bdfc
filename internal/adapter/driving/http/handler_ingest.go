package httphandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ericfisherdev/policygate/internal/adapter/driven/cyclonedx"
	"github.com/ericfisherdev/policygate/internal/application"
	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
	"github.com/ericfisherdev/policygate/internal/policyconfig"
)

// finishedPipelineStatuses are the statuses after which a pipeline produces
// no further reports.
var finishedPipelineStatuses = map[string]bool{
	"success":  true,
	"failed":   true,
	"canceled": true,
	"skipped":  true,
}

// PutPolicies replaces the project's policies with the YAML policy file in
// the request body, re-syncs approval rules and re-evaluates the project's
// open merge requests.
func (h *Handler) PutPolicies(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "project")
	if !ok {
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	doc, err := policyconfig.Parse(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := h.policySvc.Apply(r.Context(), projectID, doc)
	if err != nil {
		h.logger.Error("failed to apply policies", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if !h.evaluate(w, r, application.Event{Kind: application.EventPoliciesChanged, ProjectID: projectID}) {
		return
	}

	resp := make([]PolicyResponse, 0, len(stored))
	for _, p := range stored {
		resp = append(resp, toPolicyResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// PutMergeRequest creates or updates a merge request and evaluates it. A
// closed or merged merge request has its violations removed instead.
func (h *Handler) PutMergeRequest(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "project")
	if !ok {
		return
	}
	iid, err := strconv.Atoi(r.PathValue("iid"))
	if err != nil || iid <= 0 {
		writeError(w, http.StatusBadRequest, "invalid merge request iid")
		return
	}

	var req MergeRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mr, err := req.toModel(projectID, iid)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A body without head_pipeline_id keeps the head pipeline set by PutPipeline.
	if mr.HeadPipelineID == 0 {
		existing, err := h.mergeRequests.GetByIID(r.Context(), projectID, iid)
		switch {
		case err == nil:
			mr.HeadPipelineID = existing.HeadPipelineID
		case !errors.Is(err, driven.ErrMergeRequestNotFound):
			h.logger.Error("failed to get merge request", "project_id", projectID, "iid", iid, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	id, err := h.mergeRequests.Upsert(r.Context(), mr)
	if err != nil {
		h.logger.Error("failed to upsert merge request", "project_id", projectID, "iid", iid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	mr.ID = id

	kind := application.EventMergeRequestUpdated
	if !mr.Open() {
		kind = application.EventMergeRequestClosed
	}
	if !h.evaluate(w, r, application.Event{Kind: kind, MergeRequestID: id}) {
		return
	}

	writeJSON(w, http.StatusOK, toMergeRequestResponse(mr))
}

func (req MergeRequestRequest) toModel(projectID int64, iid int) (model.MergeRequest, error) {
	if strings.TrimSpace(req.TargetBranch) == "" {
		return model.MergeRequest{}, errors.New("target_branch is required")
	}

	state := model.MergeRequestState(req.State)
	switch state {
	case "":
		state = model.MergeRequestOpen
	case model.MergeRequestOpen, model.MergeRequestClosed, model.MergeRequestMerged:
	default:
		return model.MergeRequest{}, fmt.Errorf("unknown state %q", req.State)
	}

	commits := make([]model.Commit, 0, len(req.Commits))
	for i, c := range req.Commits {
		if strings.TrimSpace(c.SHA) == "" {
			return model.MergeRequest{}, fmt.Errorf("commit %d: sha is required", i)
		}
		commits = append(commits, model.Commit{SHA: c.SHA, Signed: c.Signed})
	}

	return model.MergeRequest{
		ProjectID:      projectID,
		ProjectPath:    req.ProjectPath,
		ProjectURL:     req.ProjectURL,
		IID:            iid,
		Title:          req.Title,
		SourceBranch:   req.SourceBranch,
		TargetBranch:   req.TargetBranch,
		State:          state,
		HeadPipelineID: req.HeadPipelineID,
		Commits:        commits,
	}, nil
}

// PutPipeline creates or updates a pipeline. A pipeline of a merge request
// becomes its head pipeline when it is newer than the current one. Finished
// pipelines trigger an evaluation of the merge requests they affect.
func (h *Handler) PutPipeline(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "project")
	if !ok {
		return
	}
	pipelineID, ok := pathID(w, r, "pipeline")
	if !ok {
		return
	}

	var req PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Ref) == "" {
		writeError(w, http.StatusBadRequest, "ref is required")
		return
	}

	source := model.PipelineSource(req.Source)
	if source == "" {
		source = model.PipelineSourcePush
	}
	pipeline := model.Pipeline{
		ID:                      pipelineID,
		ProjectID:               projectID,
		Ref:                     req.Ref,
		SHA:                     req.SHA,
		Source:                  source,
		Status:                  req.Status,
		CanStoreSecurityReports: req.CanStoreSecurityReports,
		CanIngestSBOMReports:    req.CanIngestSBOMReports,
	}

	var mr *model.MergeRequest
	if req.MergeRequestIID > 0 {
		var err error
		mr, err = h.mergeRequests.GetByIID(r.Context(), projectID, req.MergeRequestIID)
		if err != nil {
			if errors.Is(err, driven.ErrMergeRequestNotFound) {
				writeError(w, http.StatusNotFound, "merge request not found")
				return
			}
			h.logger.Error("failed to get merge request", "project_id", projectID, "iid", req.MergeRequestIID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		pipeline.MergeRequestID = mr.ID
	}

	if err := h.pipelines.Upsert(r.Context(), pipeline); err != nil {
		h.logger.Error("failed to upsert pipeline", "pipeline_id", pipelineID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if mr != nil && pipelineID > mr.HeadPipelineID {
		mr.HeadPipelineID = pipelineID
		if _, err := h.mergeRequests.Upsert(r.Context(), *mr); err != nil {
			h.logger.Error("failed to update head pipeline", "merge_request_id", mr.ID, "pipeline_id", pipelineID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	if finishedPipelineStatuses[req.Status] {
		if !h.evaluate(w, r, application.Event{Kind: application.EventPipelineCompleted, PipelineID: pipelineID}) {
			return
		}
	}

	writeJSON(w, http.StatusOK, toPipelineResponse(pipeline))
}

// PutSBOM stores the license report of a CycloneDX JSON SBOM for the pipeline.
func (h *Handler) PutSBOM(w http.ResponseWriter, r *http.Request) {
	pipeline := h.loadPipeline(w, r)
	if pipeline == nil {
		return
	}

	report, err := cyclonedx.Decode(r.Body, pipeline.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not decode body as CycloneDX BOM")
		return
	}

	if err := h.reports.SaveLicenseReport(r.Context(), report); err != nil {
		h.logger.Error("failed to save license report", "pipeline_id", pipeline.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, IngestResponse{Stored: len(report.Licenses)})
}

// PutSecurityFindings replaces the pipeline's security findings.
func (h *Handler) PutSecurityFindings(w http.ResponseWriter, r *http.Request) {
	pipeline := h.loadPipeline(w, r)
	if pipeline == nil {
		return
	}

	findings, ok := decodeFindings(w, r, false)
	if !ok {
		return
	}
	for i := range findings {
		findings[i].ProjectID = pipeline.ProjectID
		findings[i].PipelineID = pipeline.ID
	}

	if err := h.findings.ReplacePipelineFindings(r.Context(), pipeline.ID, findings); err != nil {
		h.logger.Error("failed to store findings", "pipeline_id", pipeline.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, IngestResponse{Stored: len(findings)})
}

// PutVulnerabilities upserts the project's persisted vulnerability findings.
func (h *Handler) PutVulnerabilities(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "project")
	if !ok {
		return
	}

	findings, ok := decodeFindings(w, r, true)
	if !ok {
		return
	}
	for i := range findings {
		findings[i].ProjectID = projectID
	}

	if err := h.findings.UpsertVulnerabilities(r.Context(), projectID, findings); err != nil {
		h.logger.Error("failed to store vulnerabilities", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, IngestResponse{Stored: len(findings)})
}

// EvaluatePipeline evaluates the merge requests affected by a finished pipeline.
func (h *Handler) EvaluatePipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID, ok := pathID(w, r, "pipeline")
	if !ok {
		return
	}
	h.trigger(w, r, application.Event{Kind: application.EventPipelineCompleted, PipelineID: pipelineID})
}

// EvaluateMergeRequest re-syncs and re-evaluates one merge request.
func (h *Handler) EvaluateMergeRequest(w http.ResponseWriter, r *http.Request) {
	mr := h.loadMergeRequest(w, r)
	if mr == nil {
		return
	}
	h.trigger(w, r, application.Event{Kind: application.EventMergeRequestUpdated, MergeRequestID: mr.ID})
}

// CloseMergeRequest marks the merge request closed and drops its violations.
func (h *Handler) CloseMergeRequest(w http.ResponseWriter, r *http.Request) {
	mr := h.loadMergeRequest(w, r)
	if mr == nil {
		return
	}
	h.trigger(w, r, application.Event{Kind: application.EventMergeRequestClosed, MergeRequestID: mr.ID})
}

// loadPipeline resolves the {pipeline} path value, writing the error
// response itself when it returns nil.
func (h *Handler) loadPipeline(w http.ResponseWriter, r *http.Request) *model.Pipeline {
	pipelineID, ok := pathID(w, r, "pipeline")
	if !ok {
		return nil
	}

	pipeline, err := h.pipelines.Get(r.Context(), pipelineID)
	if err != nil {
		if errors.Is(err, driven.ErrPipelineNotFound) {
			writeError(w, http.StatusNotFound, "pipeline not found")
			return nil
		}
		h.logger.Error("failed to get pipeline", "pipeline_id", pipelineID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}

	return pipeline
}

// persistedStates are the triage states a stored vulnerability can have.
var persistedStates = map[model.VulnerabilityState]bool{
	model.VulnerabilityStateDetected:  true,
	model.VulnerabilityStateConfirmed: true,
	model.VulnerabilityStateDismissed: true,
	model.VulnerabilityStateResolved:  true,
}

// decodeFindings decodes and validates a JSON array of findings. uuids are
// normalised to their canonical lower-case form.
func decodeFindings(w http.ResponseWriter, r *http.Request, persisted bool) ([]model.Finding, bool) {
	var reqs []FindingRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}

	findings := make([]model.Finding, 0, len(reqs))
	for i, req := range reqs {
		id, err := uuid.Parse(req.UUID)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("finding %d: invalid uuid %q", i, req.UUID))
			return nil, false
		}

		f := model.Finding{
			UUID:       id.String(),
			FindingID:  req.FindingID,
			Severity:   model.ParseSeverity(req.Severity),
			Name:       req.Name,
			ReportType: req.ReportType,
			Location:   model.Location{File: req.File, StartLine: req.StartLine},
			ProjectURL: req.ProjectURL,
		}
		if persisted {
			f.State = model.VulnerabilityState(req.State)
			if f.State == "" {
				f.State = model.VulnerabilityStateDetected
			}
			if !persistedStates[f.State] {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("finding %d: invalid state %q", i, req.State))
				return nil, false
			}
		} else {
			f.Dismissed = req.Dismissed
		}
		findings = append(findings, f)
	}

	return findings, true
}
