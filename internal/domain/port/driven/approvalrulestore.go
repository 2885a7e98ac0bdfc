package driven

import (
	"context"

	"github.com/ericfisherdev/policygate/internal/domain/model"
)

// ApprovalRuleStore defines the driven port for merge request approval rules.
// Rules are returned with their Policy loaded. approvals_required is written
// through ViolationStore.Commit so that it changes together with violations.
type ApprovalRuleStore interface {
	ListByMergeRequest(ctx context.Context, mergeRequestID int64) ([]model.ApprovalRule, error)
	// SyncForMergeRequest makes the merge request carry exactly one rule per
	// given policy. New rules start with the policy's configured approvals;
	// rules of policies not in the list are removed. Existing rules keep their
	// current approvals_required.
	SyncForMergeRequest(ctx context.Context, mergeRequestID int64, policies []model.ScanResultPolicy) error
}
