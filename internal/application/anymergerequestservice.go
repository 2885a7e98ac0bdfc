package application

import (
	"context"
	"fmt"
	"time"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// EvaluateAnyMergeRequestRule decides an any_merge_request rule from the
// merge request's commits. A rule without a commits predicate matches every
// merge request.
func EvaluateAnyMergeRequestRule(policy model.ScanResultPolicy, mr model.MergeRequest) (bool, model.AnyMergeRequestData) {
	switch policy.Commits {
	case model.CommitsUnsigned:
		shas := mr.UnsignedCommits()
		return len(shas) > 0, model.AnyMergeRequestData{SHAs: shas}
	case model.CommitsAny:
		return true, model.AnyMergeRequestData{AllCommits: true}
	default:
		return true, model.AnyMergeRequestData{AllCommits: true}
	}
}

// AnyMergeRequestEvaluator evaluates any_merge_request rules. They need no
// pipeline artifacts and are therefore never unenforceable.
type AnyMergeRequestEvaluator struct {
	rules      driven.ApprovalRuleStore
	violations driven.ViolationStore
	recorder   *verdictRecorder
	sync       ApprovalRuleSynchronizer
}

// NewAnyMergeRequestEvaluator creates an AnyMergeRequestEvaluator.
func NewAnyMergeRequestEvaluator(
	rules driven.ApprovalRuleStore,
	violations driven.ViolationStore,
	audit driven.AuditLogger,
	comments *CommentGenerator,
	observer Observer,
) *AnyMergeRequestEvaluator {
	return &AnyMergeRequestEvaluator{
		rules:      rules,
		violations: violations,
		recorder:   newVerdictRecorder(audit, comments, observer),
	}
}

// Execute evaluates the merge request's any_merge_request rules.
func (e *AnyMergeRequestEvaluator) Execute(ctx context.Context, mr model.MergeRequest) error {
	start := time.Now()
	outcome, err := e.execute(ctx, mr)
	if err != nil {
		outcome = OutcomeError
	}
	e.recorder.observer.EvaluationCompleted(model.ReportTypeAnyMergeRequest, outcome, time.Since(start))
	return err
}

func (e *AnyMergeRequestEvaluator) execute(ctx context.Context, mr model.MergeRequest) (string, error) {
	if !mr.Open() {
		return OutcomeSkipped, nil
	}

	rules, err := e.rules.ListByMergeRequest(ctx, mr.ID)
	if err != nil {
		return "", fmt.Errorf("list approval rules: %w", err)
	}
	anyRules := rulesOfType(rules, model.ReportTypeAnyMergeRequest)
	if len(anyRules) == 0 {
		return OutcomeSkipped, nil
	}

	ledger := NewViolationLedger(e.violations, mr.ID, model.ReportTypeAnyMergeRequest)
	violated := make(map[int64]bool)
	var violatedIDs, unviolatedIDs []int64
	for _, rule := range anyRules {
		ok := rule.Policy.AppliesToBranch(mr.TargetBranch)
		var data model.AnyMergeRequestData
		if ok {
			ok, data = EvaluateAnyMergeRequestRule(rule.Policy, mr)
		}
		if !ok {
			unviolatedIDs = append(unviolatedIDs, rule.PolicyID)
			continue
		}
		violated[rule.PolicyID] = true
		violatedIDs = append(violatedIDs, rule.PolicyID)
		ledger.AddViolation(rule.PolicyID, data, model.ViolationContext{})
	}
	ledger.Add(violatedIDs, unviolatedIDs)

	plan := e.sync.Plan(rules, model.ReportTypeAnyMergeRequest, violated)
	if err := e.recorder.record(ctx, mr, ledger, plan); err != nil {
		return "", err
	}
	return OutcomeEvaluated, nil
}
