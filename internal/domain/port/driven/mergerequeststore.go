package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/policygate/internal/domain/model"
)

// ErrMergeRequestNotFound indicates the requested merge request does not exist.
var ErrMergeRequestNotFound = errors.New("merge request not found")

// MergeRequestStore defines the driven port for merge request persistence.
// Commits are stored with the merge request and replaced on every Upsert.
type MergeRequestStore interface {
	// Upsert inserts or updates the merge request keyed by (project, iid) and
	// returns its ID.
	Upsert(ctx context.Context, mr model.MergeRequest) (int64, error)
	// Get returns ErrMergeRequestNotFound if the merge request does not exist.
	Get(ctx context.Context, id int64) (*model.MergeRequest, error)
	GetByIID(ctx context.Context, projectID int64, iid int) (*model.MergeRequest, error)
	// ListOpenByHeadPipeline returns open merge requests whose head pipeline is pipelineID.
	ListOpenByHeadPipeline(ctx context.Context, pipelineID int64) ([]model.MergeRequest, error)
	ListOpenByProject(ctx context.Context, projectID int64) ([]model.MergeRequest, error)
	ListOpen(ctx context.Context) ([]model.MergeRequest, error)
	SetState(ctx context.Context, id int64, state model.MergeRequestState) error
}
