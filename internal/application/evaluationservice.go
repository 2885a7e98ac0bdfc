package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// EventKind identifies what happened to a merge request or pipeline.
type EventKind string

const (
	EventPipelineCompleted   EventKind = "pipeline_completed"
	EventMergeRequestUpdated EventKind = "merge_request_updated"
	EventMergeRequestClosed  EventKind = "merge_request_closed"
	EventPoliciesChanged     EventKind = "policies_changed"
)

// Event triggers an evaluation. Which ID is used depends on Kind.
type Event struct {
	Kind           EventKind
	PipelineID     int64
	MergeRequestID int64
	ProjectID      int64
}

// MergeRequestEvaluator is one step of an evaluation pass.
type MergeRequestEvaluator interface {
	Execute(ctx context.Context, mr model.MergeRequest) error
}

// eventRequest is an event waiting for the worker.
type eventRequest struct {
	event Event
	done  chan error
}

// EvaluationService serialises evaluation triggers through a single worker,
// fans out to the affected merge requests with bounded concurrency and
// periodically re-evaluates every open merge request.
type EvaluationService struct {
	mergeRequests driven.MergeRequestStore
	pipelines     driven.PipelineStore
	violations    driven.ViolationStore
	policies      *PolicyService
	evaluators    []MergeRequestEvaluator
	interval      time.Duration
	concurrency   int
	eventCh       chan eventRequest
}

// NewEvaluationService creates an EvaluationService. evaluators run in order
// for every merge request; the unenforceable rules handler belongs last.
func NewEvaluationService(
	mergeRequests driven.MergeRequestStore,
	pipelines driven.PipelineStore,
	violations driven.ViolationStore,
	policies *PolicyService,
	evaluators []MergeRequestEvaluator,
	interval time.Duration,
	concurrency int,
) *EvaluationService {
	if concurrency < 1 {
		concurrency = 1
	}
	return &EvaluationService{
		mergeRequests: mergeRequests,
		pipelines:     pipelines,
		violations:    violations,
		policies:      policies,
		evaluators:    evaluators,
		interval:      interval,
		concurrency:   concurrency,
		eventCh:       make(chan eventRequest),
	}
}

// Start runs the worker loop until the context is canceled. It resyncs every
// open merge request immediately and then on the configured interval.
func (s *EvaluationService) Start(ctx context.Context) {
	if err := s.Resync(ctx); err != nil {
		slog.Error("initial resync failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("evaluation service stopped")
			return
		case <-ticker.C:
			if err := s.Resync(ctx); err != nil {
				slog.Error("resync failed", "error", err)
			}
		case req := <-s.eventCh:
			req.done <- s.handle(ctx, req.event)
		}
	}
}

// Submit hands the event to the worker and blocks until it was processed or
// the context is canceled.
func (s *EvaluationService) Submit(ctx context.Context, event Event) error {
	done := make(chan error, 1)
	req := eventRequest{event: event, done: done}

	select {
	case s.eventCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resync re-evaluates every open merge request.
func (s *EvaluationService) Resync(ctx context.Context) error {
	start := time.Now()

	mrs, err := s.mergeRequests.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("list open merge requests: %w", err)
	}
	err = s.evaluateAll(ctx, mrs)

	slog.Info("resync complete",
		"merge_requests", len(mrs),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return err
}

// EvaluateMergeRequest runs every evaluator for one merge request. A failing
// evaluator does not stop the ones after it.
func (s *EvaluationService) EvaluateMergeRequest(ctx context.Context, mr model.MergeRequest) error {
	var errs []error
	for _, e := range s.evaluators {
		if err := e.Execute(ctx, mr); err != nil {
			slog.Error("evaluation failed", "merge_request_id", mr.ID, "evaluator", fmt.Sprintf("%T", e), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *EvaluationService) handle(ctx context.Context, event Event) error {
	slog.Debug("evaluation event", "kind", event.Kind, "pipeline_id", event.PipelineID, "merge_request_id", event.MergeRequestID)

	switch event.Kind {
	case EventPipelineCompleted:
		return s.handlePipelineCompleted(ctx, event.PipelineID)
	case EventMergeRequestUpdated:
		return s.handleMergeRequestUpdated(ctx, event.MergeRequestID)
	case EventMergeRequestClosed:
		return s.handleMergeRequestClosed(ctx, event.MergeRequestID)
	case EventPoliciesChanged:
		mrs, err := s.mergeRequests.ListOpenByProject(ctx, event.ProjectID)
		if err != nil {
			return fmt.Errorf("list open merge requests: %w", err)
		}
		return s.evaluateAll(ctx, mrs)
	default:
		return fmt.Errorf("unknown event kind %q", event.Kind)
	}
}

// handlePipelineCompleted evaluates the merge requests whose head pipeline
// finished and, for target branch pipelines, the merge requests targeting
// that branch.
func (s *EvaluationService) handlePipelineCompleted(ctx context.Context, pipelineID int64) error {
	mrs, err := s.mergeRequests.ListOpenByHeadPipeline(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("list merge requests of pipeline %d: %w", pipelineID, err)
	}

	pipeline, err := s.pipelines.Get(ctx, pipelineID)
	if err != nil && !errors.Is(err, driven.ErrPipelineNotFound) {
		return fmt.Errorf("get pipeline %d: %w", pipelineID, err)
	}
	if pipeline != nil && pipeline.MergeRequestID == 0 {
		targeting, err := s.mergeRequests.ListOpenByProject(ctx, pipeline.ProjectID)
		if err != nil {
			return fmt.Errorf("list open merge requests: %w", err)
		}
		seen := make(map[int64]bool, len(mrs))
		for _, mr := range mrs {
			seen[mr.ID] = true
		}
		for _, mr := range targeting {
			if mr.TargetBranch == pipeline.Ref && !seen[mr.ID] {
				mrs = append(mrs, mr)
			}
		}
	}

	return s.evaluateAll(ctx, mrs)
}

func (s *EvaluationService) handleMergeRequestUpdated(ctx context.Context, id int64) error {
	mr, err := s.mergeRequests.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get merge request %d: %w", id, err)
	}
	if !mr.Open() {
		return s.handleMergeRequestClosed(ctx, id)
	}
	if err := s.policies.SyncRules(ctx, *mr); err != nil {
		return err
	}
	return s.EvaluateMergeRequest(ctx, *mr)
}

// handleMergeRequestClosed drops the violations of a closed or merged merge
// request. Its approval rules are kept for history.
func (s *EvaluationService) handleMergeRequestClosed(ctx context.Context, id int64) error {
	mr, err := s.mergeRequests.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get merge request %d: %w", id, err)
	}
	if mr.Open() {
		if err := s.mergeRequests.SetState(ctx, id, model.MergeRequestClosed); err != nil {
			return fmt.Errorf("close merge request %d: %w", id, err)
		}
	}
	if err := s.violations.DeleteByMergeRequest(ctx, id); err != nil {
		return fmt.Errorf("delete violations of merge request %d: %w", id, err)
	}
	slog.Info("merge request closed, violations removed", "merge_request_id", id)
	return nil
}

// evaluateAll evaluates the merge requests in parallel. Every merge request
// is attempted; the first error is returned.
func (s *EvaluationService) evaluateAll(ctx context.Context, mrs []model.MergeRequest) error {
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, mr := range mrs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.EvaluateMergeRequest(ctx, mr)
		})
	}
	return g.Wait()
}
