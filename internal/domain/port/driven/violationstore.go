package driven

import (
	"context"

	"github.com/ericfisherdev/policygate/internal/domain/model"
)

// ViolationStore defines the driven port for the violation ledger. There is at
// most one row per (merge request, policy).
type ViolationStore interface {
	// Commit applies the batch in a single transaction: upserts by
	// (merge_request_id, scan_result_policy_id), deletes rows of cleared
	// policies and writes the rule updates. Either everything is written or
	// an error is returned.
	Commit(ctx context.Context, batch model.ViolationBatch) error
	// ListByMergeRequest returns all violations of the merge request ordered by policy ID.
	ListByMergeRequest(ctx context.Context, mergeRequestID int64) ([]model.Violation, error)
	DeleteByMergeRequest(ctx context.Context, mergeRequestID int64) error
}
