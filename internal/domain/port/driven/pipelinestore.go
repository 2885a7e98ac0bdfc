package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/policygate/internal/domain/model"
)

// ErrPipelineNotFound indicates the requested pipeline does not exist.
var ErrPipelineNotFound = errors.New("pipeline not found")

// PipelineStore defines the driven port for pipeline persistence.
type PipelineStore interface {
	Upsert(ctx context.Context, p model.Pipeline) error
	// Get returns ErrPipelineNotFound if the pipeline does not exist.
	Get(ctx context.Context, id int64) (*model.Pipeline, error)
	// ListRelated returns the pipelines of the merge request's head SHA whose
	// source is one of sources, newest first. It always includes the head
	// pipeline itself when it matches.
	ListRelated(ctx context.Context, mr model.MergeRequest, sources []model.PipelineSource) ([]model.Pipeline, error)
	// LatestForRef returns the newest pipeline for the ref, or nil if there is none.
	LatestForRef(ctx context.Context, projectID int64, ref string) (*model.Pipeline, error)
}
