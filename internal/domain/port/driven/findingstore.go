package driven

import (
	"context"

	"github.com/ericfisherdev/policygate/internal/domain/model"
)

// FindingStore defines the driven port for security findings. Pipeline
// findings are transient per pipeline; vulnerability findings are persisted
// per project.
type FindingStore interface {
	ReplacePipelineFindings(ctx context.Context, pipelineID int64, findings []model.Finding) error
	UpsertVulnerabilities(ctx context.Context, projectID int64, findings []model.Finding) error
	ListPipelineFindings(ctx context.Context, pipelineID int64) ([]model.Finding, error)
	ListVulnerabilities(ctx context.Context, projectID int64) ([]model.Finding, error)
	// SecurityFindingsByUUIDs resolves uuids within the given pipelines. Unknown
	// uuids are omitted from the result.
	SecurityFindingsByUUIDs(ctx context.Context, pipelineIDs []int64, uuids []string) ([]model.Finding, error)
	// VulnerabilityFindingsByUUIDs resolves uuids within the project's
	// vulnerabilities. Unknown uuids are omitted from the result.
	VulnerabilityFindingsByUUIDs(ctx context.Context, projectID int64, uuids []string) ([]model.Finding, error)
}
