package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/policygate/internal/application"
	"github.com/ericfisherdev/policygate/internal/domain/model"
)

type recordingEvaluator struct {
	calls chan int64
}

func (r *recordingEvaluator) Execute(_ context.Context, mr model.MergeRequest) error {
	r.calls <- mr.ID
	return nil
}

func (r *recordingEvaluator) drain() []int64 {
	var ids []int64
	for {
		select {
		case id := <-r.calls:
			ids = append(ids, id)
		default:
			return ids
		}
	}
}

// startEvaluationService runs the service in the background and waits for the
// initial resync before handing it to the test.
func startEvaluationService(t *testing.T, w *world, evaluators ...application.MergeRequestEvaluator) *application.EvaluationService {
	t.Helper()
	policies := application.NewPolicyService(w.policies, w.mrs, w.rules)
	svc := application.NewEvaluationService(w.mrs, w.pipelines, w.violations, policies, evaluators, time.Hour, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// A submitted event is only accepted once the initial resync finished.
	require.NoError(t, svc.Submit(context.Background(), application.Event{Kind: application.EventPoliciesChanged, ProjectID: -1}))
	return svc
}

func TestEvaluationService_PipelineCompleted(t *testing.T) {
	w := newWorld()
	w.addPipeline(model.Pipeline{ID: 200, Ref: "feature", SHA: "head", MergeRequestID: 1})
	w.addPipeline(model.Pipeline{ID: 300, Ref: "main", SHA: "base"})
	headMR := w.addMergeRequest(model.MergeRequest{IID: 1, HeadPipelineID: 200})
	otherMR := w.addMergeRequest(model.MergeRequest{IID: 2, HeadPipelineID: 999, TargetBranch: "develop"})
	targetMR := w.addMergeRequest(model.MergeRequest{IID: 3, HeadPipelineID: 998, TargetBranch: "main"})

	rec := &recordingEvaluator{calls: make(chan int64, 100)}
	svc := startEvaluationService(t, w, rec)
	rec.drain()

	require.NoError(t, svc.Submit(context.Background(), application.Event{Kind: application.EventPipelineCompleted, PipelineID: 200}))
	assert.Equal(t, []int64{headMR.ID}, rec.drain())

	require.NoError(t, svc.Submit(context.Background(), application.Event{Kind: application.EventPipelineCompleted, PipelineID: 300}))
	got := rec.drain()
	assert.Contains(t, got, headMR.ID, "merge requests targeting main are re-evaluated")
	assert.Contains(t, got, targetMR.ID)
	assert.NotContains(t, got, otherMR.ID)
}

func TestEvaluationService_InitialResync(t *testing.T) {
	w := newWorld()
	a := w.addMergeRequest(model.MergeRequest{IID: 1})
	b := w.addMergeRequest(model.MergeRequest{IID: 2})
	w.addMergeRequest(model.MergeRequest{IID: 3, State: model.MergeRequestMerged})

	rec := &recordingEvaluator{calls: make(chan int64, 100)}
	startEvaluationService(t, w, rec)

	assert.ElementsMatch(t, []int64{a.ID, b.ID}, rec.drain())
}

func TestEvaluationService_MergeRequestUpdatedSyncsRules(t *testing.T) {
	w := newWorld()
	mr := w.addMergeRequest(model.MergeRequest{IID: 1})
	policy := w.addPolicy(model.ScanResultPolicy{Name: "late", ReportType: model.ReportTypeAnyMergeRequest, ApprovalsRequired: 1})

	rec := &recordingEvaluator{calls: make(chan int64, 100)}
	svc := startEvaluationService(t, w, rec)
	rec.drain()

	require.NoError(t, svc.Submit(context.Background(), application.Event{Kind: application.EventMergeRequestUpdated, MergeRequestID: mr.ID}))

	assert.Equal(t, []int64{mr.ID}, rec.drain())
	rule := w.ruleFor(mr.ID, policy.ID)
	assert.Equal(t, 1, rule.ApprovalsRequired)
}

func TestEvaluationService_MergeRequestClosedDeletesViolations(t *testing.T) {
	w := newWorld()
	policy := w.addPolicy(model.ScanResultPolicy{Name: "p", ReportType: model.ReportTypeAnyMergeRequest, ApprovalsRequired: 1})
	mr := w.addMergeRequest(model.MergeRequest{IID: 1})

	svc := startEvaluationService(t, w, w.anyMergeRequestEvaluator())
	_, ok := w.violations.get(mr.ID, policy.ID)
	require.True(t, ok, "initial resync evaluates the merge request")

	require.NoError(t, svc.Submit(context.Background(), application.Event{Kind: application.EventMergeRequestClosed, MergeRequestID: mr.ID}))

	assert.Equal(t, 0, w.violations.count(mr.ID))
	stored, err := w.mrs.Get(context.Background(), mr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MergeRequestClosed, stored.State)
}

func TestEvaluationService_UnknownEvent(t *testing.T) {
	w := newWorld()
	svc := startEvaluationService(t, w)

	err := svc.Submit(context.Background(), application.Event{Kind: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event kind")
}

func TestEvaluationService_SubmitCanceled(t *testing.T) {
	w := newWorld()
	policies := application.NewPolicyService(w.policies, w.mrs, w.rules)
	svc := application.NewEvaluationService(w.mrs, w.pipelines, w.violations, policies, nil, time.Hour, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Submit(ctx, application.Event{Kind: application.EventPoliciesChanged})
	require.ErrorIs(t, err, context.Canceled)
}
