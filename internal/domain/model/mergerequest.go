package model

import "time"

// MergeRequestState represents the state of a merge request.
type MergeRequestState string

const (
	MergeRequestOpen   MergeRequestState = "open"
	MergeRequestClosed MergeRequestState = "closed"
	MergeRequestMerged MergeRequestState = "merged"
)

// Commit is a commit of a merge request.
type Commit struct {
	SHA    string
	Signed bool
}

// MergeRequest is a merge request tracked by policygate. IID is the number
// within the project (the PR number on GitHub).
type MergeRequest struct {
	ID             int64
	ProjectID      int64
	ProjectPath    string // e.g. "group/project" or "owner/repo".
	ProjectURL     string
	IID            int
	Title          string
	SourceBranch   string
	TargetBranch   string
	State          MergeRequestState
	HeadPipelineID int64 // Zero when no pipeline ran yet.
	Commits        []Commit
	UpdatedAt      time.Time
}

// Open reports whether the merge request is neither closed nor merged.
func (mr MergeRequest) Open() bool {
	return mr.State == MergeRequestOpen
}

// UnsignedCommits returns the SHAs of unsigned commits in order.
func (mr MergeRequest) UnsignedCommits() []string {
	var shas []string
	for _, c := range mr.Commits {
		if !c.Signed {
			shas = append(shas, c.SHA)
		}
	}
	return shas
}

// PipelineSource is what triggered a pipeline.
type PipelineSource string

const (
	PipelineSourcePush                        PipelineSource = "push"
	PipelineSourceMergeRequestEvent           PipelineSource = "merge_request_event"
	PipelineSourceSecurityOrchestrationPolicy PipelineSource = "security_orchestration_policy"
	PipelineSourceSchedule                    PipelineSource = "schedule"
	PipelineSourceWeb                         PipelineSource = "web"
)

// CISources are the pipeline sources considered when looking for pipelines
// related to a merge request.
var CISources = []PipelineSource{
	PipelineSourcePush,
	PipelineSourceMergeRequestEvent,
	PipelineSourceWeb,
	PipelineSourceSchedule,
	PipelineSourceSecurityOrchestrationPolicy,
}

// Pipeline is a CI pipeline run for a ref.
type Pipeline struct {
	ID                      int64
	ProjectID               int64
	MergeRequestID          int64 // Zero for branch pipelines.
	Ref                     string
	SHA                     string
	Source                  PipelineSource
	Status                  string
	CanStoreSecurityReports bool
	CanIngestSBOMReports    bool
	CreatedAt               time.Time
}

// CanProduce reports whether the pipeline can produce reports of the given type.
func (p Pipeline) CanProduce(reportType ReportType) bool {
	switch reportType {
	case ReportTypeScanFinding:
		return p.CanStoreSecurityReports
	case ReportTypeLicenseScanning:
		return p.CanIngestSBOMReports
	case ReportTypeAnyMergeRequest:
		return true
	default:
		return false
	}
}
