package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
	"github.com/ericfisherdev/policygate/internal/policyconfig"
)

// PolicyService applies policy files to projects and keeps merge request
// approval rules in line with the project's policies.
type PolicyService struct {
	policies      driven.PolicyStore
	mergeRequests driven.MergeRequestStore
	rules         driven.ApprovalRuleStore
}

// NewPolicyService creates a PolicyService.
func NewPolicyService(policies driven.PolicyStore, mergeRequests driven.MergeRequestStore, rules driven.ApprovalRuleStore) *PolicyService {
	return &PolicyService{
		policies:      policies,
		mergeRequests: mergeRequests,
		rules:         rules,
	}
}

// Apply replaces the project's policies with the document's and re-syncs the
// approval rules of every open merge request in the project. It does not
// evaluate; callers trigger an evaluation afterwards.
func (s *PolicyService) Apply(ctx context.Context, projectID int64, doc *policyconfig.Document) ([]model.ScanResultPolicy, error) {
	policies, licenses := doc.Compile(projectID)

	stored, err := s.policies.ReplaceProjectPolicies(ctx, projectID, policies, licenses)
	if err != nil {
		return nil, fmt.Errorf("replace policies of project %d: %w", projectID, err)
	}

	mrs, err := s.mergeRequests.ListOpenByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list open merge requests: %w", err)
	}
	for _, mr := range mrs {
		if err := s.SyncRules(ctx, mr); err != nil {
			return nil, err
		}
	}

	slog.Info("policies applied", "project_id", projectID, "policies", len(stored), "merge_requests", len(mrs))
	return stored, nil
}

// SyncRules gives the merge request one approval rule per policy that applies
// to its target branch and removes rules of every other policy.
func (s *PolicyService) SyncRules(ctx context.Context, mr model.MergeRequest) error {
	policies, err := s.policies.ListByProject(ctx, mr.ProjectID)
	if err != nil {
		return fmt.Errorf("list policies: %w", err)
	}

	applicable := make([]model.ScanResultPolicy, 0, len(policies))
	for _, p := range policies {
		if p.AppliesToBranch(mr.TargetBranch) {
			applicable = append(applicable, p)
		}
	}

	if err := s.rules.SyncForMergeRequest(ctx, mr.ID, applicable); err != nil {
		return fmt.Errorf("sync approval rules of merge request %d: %w", mr.ID, err)
	}
	return nil
}
