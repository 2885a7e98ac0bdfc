package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/policygate/internal/application"
	"github.com/ericfisherdev/policygate/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// EvaluationResponse acknowledges a processed trigger.
type EvaluationResponse struct {
	Status string `json:"status"`
}

// CommitRequest is one commit of a merge request.
type CommitRequest struct {
	SHA    string `json:"sha"`
	Signed bool   `json:"signed"`
}

// MergeRequestRequest is the JSON body for the merge request upsert endpoint.
type MergeRequestRequest struct {
	ProjectPath    string          `json:"project_path"`
	ProjectURL     string          `json:"project_url"`
	Title          string          `json:"title"`
	SourceBranch   string          `json:"source_branch"`
	TargetBranch   string          `json:"target_branch"`
	State          string          `json:"state"`
	HeadPipelineID int64           `json:"head_pipeline_id"`
	Commits        []CommitRequest `json:"commits"`
}

// MergeRequestResponse is the JSON representation of a merge request.
type MergeRequestResponse struct {
	ID             int64           `json:"id"`
	ProjectID      int64           `json:"project_id"`
	ProjectPath    string          `json:"project_path"`
	IID            int             `json:"iid"`
	Title          string          `json:"title"`
	SourceBranch   string          `json:"source_branch"`
	TargetBranch   string          `json:"target_branch"`
	State          string          `json:"state"`
	HeadPipelineID int64           `json:"head_pipeline_id"`
	Commits        []CommitRequest `json:"commits"`
}

// PipelineRequest is the JSON body for the pipeline upsert endpoint.
// MergeRequestIID is zero for branch pipelines.
type PipelineRequest struct {
	MergeRequestIID         int    `json:"merge_request_iid"`
	Ref                     string `json:"ref"`
	SHA                     string `json:"sha"`
	Source                  string `json:"source"`
	Status                  string `json:"status"`
	CanStoreSecurityReports bool   `json:"can_store_security_reports"`
	CanIngestSBOMReports    bool   `json:"can_ingest_sbom_reports"`
}

// PipelineResponse is the JSON representation of a pipeline.
type PipelineResponse struct {
	ID                      int64  `json:"id"`
	ProjectID               int64  `json:"project_id"`
	MergeRequestID          int64  `json:"merge_request_id"`
	Ref                     string `json:"ref"`
	SHA                     string `json:"sha"`
	Source                  string `json:"source"`
	Status                  string `json:"status"`
	CanStoreSecurityReports bool   `json:"can_store_security_reports"`
	CanIngestSBOMReports    bool   `json:"can_ingest_sbom_reports"`
}

// FindingRequest is one security finding or vulnerability in an ingestion body.
type FindingRequest struct {
	UUID       string `json:"uuid"`
	FindingID  int64  `json:"finding_id"`
	Severity   string `json:"severity"`
	Name       string `json:"name"`
	ReportType string `json:"report_type"`
	File       string `json:"file"`
	StartLine  int    `json:"start_line"`
	ProjectURL string `json:"project_url"`
	State      string `json:"state,omitempty"`
	Dismissed  bool   `json:"dismissed,omitempty"`
}

// FindingResponse is the JSON representation of a resolved finding.
type FindingResponse struct {
	UUID       string `json:"uuid"`
	Severity   string `json:"severity"`
	Name       string `json:"name"`
	ReportType string `json:"report_type"`
	File       string `json:"file,omitempty"`
	StartLine  int    `json:"start_line,omitempty"`
	State      string `json:"state,omitempty"`
}

// IngestResponse reports how many items an ingestion request stored.
type IngestResponse struct {
	Stored int `json:"stored"`
}

// PolicyResponse is the JSON representation of one policy rule.
type PolicyResponse struct {
	ID                int64    `json:"id"`
	Name              string   `json:"name"`
	RuleIndex         int      `json:"rule_index"`
	ReportType        string   `json:"report_type"`
	ApprovalsRequired int      `json:"approvals_required"`
	Approvers         []string `json:"approvers"`
	Branches          []string `json:"branches"`
	FailOpen          bool     `json:"fail_open"`
	SendBotMessage    bool     `json:"send_bot_message"`
}

// ApprovalRuleResponse is the JSON representation of a merge request approval rule.
type ApprovalRuleResponse struct {
	ID                  int64  `json:"id"`
	PolicyID            int64  `json:"policy_id"`
	Name                string `json:"name"`
	ReportType          string `json:"report_type"`
	ApprovalsRequired   int    `json:"approvals_required"`
	ConfiguredApprovals int    `json:"configured_approvals"`
}

// ViolationResponse is one violated policy of a merge request.
type ViolationResponse struct {
	PolicyID   int64  `json:"policy_id"`
	PolicyName string `json:"policy_name"`
	ReportType string `json:"report_type"`
	Blocking   bool   `json:"blocking"`
	Error      string `json:"error,omitempty"`
}

// LicenseViolationResponse is one out-of-policy license.
type LicenseViolationResponse struct {
	License      string   `json:"license"`
	Dependencies []string `json:"dependencies"`
}

// CommitViolationResponse lists the commits that violated an any_merge_request policy.
type CommitViolationResponse struct {
	PolicyName string   `json:"policy_name"`
	AllCommits bool     `json:"all_commits"`
	SHAs       []string `json:"shas"`
}

// ViolationDetailsResponse is the read model of a merge request's violations.
type ViolationDetailsResponse struct {
	Blocking         bool                       `json:"blocking"`
	Violations       []ViolationResponse        `json:"violations"`
	NewScanFindings  []FindingResponse          `json:"new_scan_findings"`
	PreviousFindings []FindingResponse          `json:"previous_findings"`
	Licenses         []LicenseViolationResponse `json:"licenses"`
	Commits          []CommitViolationResponse  `json:"commits"`
}

func toMergeRequestResponse(mr model.MergeRequest) MergeRequestResponse {
	commits := make([]CommitRequest, 0, len(mr.Commits))
	for _, c := range mr.Commits {
		commits = append(commits, CommitRequest{SHA: c.SHA, Signed: c.Signed})
	}

	return MergeRequestResponse{
		ID:             mr.ID,
		ProjectID:      mr.ProjectID,
		ProjectPath:    mr.ProjectPath,
		IID:            mr.IID,
		Title:          mr.Title,
		SourceBranch:   mr.SourceBranch,
		TargetBranch:   mr.TargetBranch,
		State:          string(mr.State),
		HeadPipelineID: mr.HeadPipelineID,
		Commits:        commits,
	}
}

func toPipelineResponse(p model.Pipeline) PipelineResponse {
	return PipelineResponse{
		ID:                      p.ID,
		ProjectID:               p.ProjectID,
		MergeRequestID:          p.MergeRequestID,
		Ref:                     p.Ref,
		SHA:                     p.SHA,
		Source:                  string(p.Source),
		Status:                  p.Status,
		CanStoreSecurityReports: p.CanStoreSecurityReports,
		CanIngestSBOMReports:    p.CanIngestSBOMReports,
	}
}

func toPolicyResponse(p model.ScanResultPolicy) PolicyResponse {
	approvers := p.Approvers
	if approvers == nil {
		approvers = []string{}
	}
	branches := p.Branches
	if branches == nil {
		branches = []string{}
	}

	return PolicyResponse{
		ID:                p.ID,
		Name:              p.Name,
		RuleIndex:         p.RuleIndex,
		ReportType:        string(p.ReportType),
		ApprovalsRequired: p.ApprovalsRequired,
		Approvers:         approvers,
		Branches:          branches,
		FailOpen:          p.FailOpen,
		SendBotMessage:    p.SendBotMessage,
	}
}

func toApprovalRuleResponse(r model.ApprovalRule) ApprovalRuleResponse {
	return ApprovalRuleResponse{
		ID:                  r.ID,
		PolicyID:            r.PolicyID,
		Name:                r.Name,
		ReportType:          string(r.ReportType),
		ApprovalsRequired:   r.ApprovalsRequired,
		ConfiguredApprovals: r.ConfiguredApprovals(),
	}
}

func toFindingResponses(findings []model.Finding) []FindingResponse {
	resp := make([]FindingResponse, 0, len(findings))
	for _, f := range findings {
		resp = append(resp, FindingResponse{
			UUID:       f.UUID,
			Severity:   string(f.Severity),
			Name:       f.Name,
			ReportType: f.ReportType,
			File:       f.Location.File,
			StartLine:  f.Location.StartLine,
			State:      string(f.State),
		})
	}
	return resp
}

func toViolationDetailsResponse(d application.PolicyViolationDetails) ViolationDetailsResponse {
	resp := ViolationDetailsResponse{
		Blocking:         d.Blocking(),
		Violations:       make([]ViolationResponse, 0, len(d.Violations)),
		NewScanFindings:  toFindingResponses(d.NewScanFindings),
		PreviousFindings: toFindingResponses(d.PreviousFindings),
		Licenses:         make([]LicenseViolationResponse, 0, len(d.Licenses)),
		Commits:          make([]CommitViolationResponse, 0, len(d.AnyMergeRequest)),
	}

	for _, v := range d.Violations {
		resp.Violations = append(resp.Violations, ViolationResponse{
			PolicyID:   v.PolicyID,
			PolicyName: v.PolicyName,
			ReportType: string(v.ReportType),
			Blocking:   v.Blocking,
			Error:      string(v.Error),
		})
	}
	for _, l := range d.Licenses {
		deps := l.Dependencies
		if deps == nil {
			deps = []string{}
		}
		resp.Licenses = append(resp.Licenses, LicenseViolationResponse{License: l.License, Dependencies: deps})
	}
	for _, c := range d.AnyMergeRequest {
		shas := c.Commits.SHAs
		if shas == nil {
			shas = []string{}
		}
		resp.Commits = append(resp.Commits, CommitViolationResponse{
			PolicyName: c.PolicyName,
			AllCommits: c.Commits.AllCommits,
			SHAs:       shas,
		})
	}

	return resp
}

func healthNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
