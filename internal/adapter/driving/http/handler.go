// Package httphandler is the HTTP driving adapter: it ingests merge requests,
// pipelines, policies and scan reports, triggers evaluations and serves the
// violation read API.
package httphandler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ericfisherdev/policygate/internal/application"
	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// EventSubmitter hands evaluation triggers to the evaluation worker.
type EventSubmitter interface {
	Submit(ctx context.Context, event application.Event) error
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators of the Handler.
type Dependencies struct {
	MergeRequests driven.MergeRequestStore
	Pipelines     driven.PipelineStore
	Policies      driven.PolicyStore
	Rules         driven.ApprovalRuleStore
	Reports       driven.LicenseReportStore
	Findings      driven.FindingStore
	PolicyService *application.PolicyService
	Details       *application.ViolationDetailsService
	Evaluations   EventSubmitter
	DB            Pinger
	Metrics       http.Handler // Serves /metrics; nil disables the route.
	Logger        *slog.Logger
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	mergeRequests driven.MergeRequestStore
	pipelines     driven.PipelineStore
	policies      driven.PolicyStore
	rules         driven.ApprovalRuleStore
	reports       driven.LicenseReportStore
	findings      driven.FindingStore
	policySvc     *application.PolicyService
	details       *application.ViolationDetailsService
	evaluations   EventSubmitter
	db            Pinger
	metrics       http.Handler
	logger        *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(deps Dependencies) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		mergeRequests: deps.MergeRequests,
		pipelines:     deps.Pipelines,
		policies:      deps.Policies,
		rules:         deps.Rules,
		reports:       deps.Reports,
		findings:      deps.Findings,
		policySvc:     deps.PolicyService,
		details:       deps.Details,
		evaluations:   deps.Evaluations,
		db:            deps.DB,
		metrics:       deps.Metrics,
		logger:        logger,
	}
}

// RegisterAPIRoutes registers every API route on mux.
func RegisterAPIRoutes(mux *http.ServeMux, h *Handler) {
	const mrPath = "/api/v1/projects/{project}/merge_requests/{iid}"

	// Ingestion.
	mux.HandleFunc("PUT /api/v1/projects/{project}/policies", h.PutPolicies)
	mux.HandleFunc("PUT "+mrPath, h.PutMergeRequest)
	mux.HandleFunc("PUT /api/v1/projects/{project}/pipelines/{pipeline}", h.PutPipeline)
	mux.HandleFunc("PUT /api/v1/pipelines/{pipeline}/sbom", h.PutSBOM)
	mux.HandleFunc("PUT /api/v1/pipelines/{pipeline}/security_findings", h.PutSecurityFindings)
	mux.HandleFunc("PUT /api/v1/projects/{project}/vulnerabilities", h.PutVulnerabilities)

	// Triggers.
	mux.HandleFunc("POST /api/v1/pipelines/{pipeline}/evaluate", h.EvaluatePipeline)
	mux.HandleFunc("POST "+mrPath+"/evaluate", h.EvaluateMergeRequest)
	mux.HandleFunc("POST "+mrPath+"/close", h.CloseMergeRequest)

	// Read side.
	mux.HandleFunc("GET /api/v1/projects/{project}/policies", h.ListPolicies)
	mux.HandleFunc("GET "+mrPath, h.GetMergeRequest)
	mux.HandleFunc("GET "+mrPath+"/approval_rules", h.ListApprovalRules)
	mux.HandleFunc("GET "+mrPath+"/violations", h.GetViolations)
	mux.HandleFunc("GET "+mrPath+"/comment", h.GetComment)

	mux.HandleFunc("GET /api/v1/health", h.Health)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with the standard middleware.
func NewServeMux(h *Handler) http.Handler {
	mux := http.NewServeMux()
	RegisterAPIRoutes(mux, h)
	return ApplyMiddleware(mux, h.logger)
}

// Health pings the database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Time: healthNow()})
			return
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Time: healthNow()})
}

// evaluate runs an evaluation trigger. On failure it writes the error
// response and returns false.
func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request, event application.Event) bool {
	if err := h.evaluations.Submit(r.Context(), event); err != nil {
		if errors.Is(err, driven.ErrMergeRequestNotFound) {
			writeError(w, http.StatusNotFound, "merge request not found")
			return false
		}
		h.logger.Error("evaluation failed", "kind", event.Kind, "error", err)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
		return false
	}
	return true
}

// trigger runs an evaluation trigger and acknowledges it.
func (h *Handler) trigger(w http.ResponseWriter, r *http.Request, event application.Event) {
	if h.evaluate(w, r, event) {
		writeJSON(w, http.StatusOK, EvaluationResponse{Status: "evaluated"})
	}
}

// loadMergeRequest resolves the {project} and {iid} path values. It writes
// the error response itself and returns nil when the request cannot proceed.
func (h *Handler) loadMergeRequest(w http.ResponseWriter, r *http.Request) *model.MergeRequest {
	projectID, ok := pathID(w, r, "project")
	if !ok {
		return nil
	}
	iid, err := strconv.Atoi(r.PathValue("iid"))
	if err != nil || iid <= 0 {
		writeError(w, http.StatusBadRequest, "invalid merge request iid")
		return nil
	}

	mr, err := h.mergeRequests.GetByIID(r.Context(), projectID, iid)
	if err != nil {
		if errors.Is(err, driven.ErrMergeRequestNotFound) {
			writeError(w, http.StatusNotFound, "merge request not found")
			return nil
		}
		h.logger.Error("failed to get merge request", "project_id", projectID, "iid", iid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}

	return mr
}

// pathID parses a positive integer path value, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name+" id")
		return 0, false
	}
	return id, true
}
