package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// defaultRuleConcurrency bounds parallel rule evaluation within one merge request.
const defaultRuleConcurrency = 4

// LicenseComplianceEvaluator evaluates every license_finding rule of a merge
// request against the head pipeline's license report.
type LicenseComplianceEvaluator struct {
	pipelines  driven.PipelineStore
	reports    driven.LicenseReportStore
	policies   driven.PolicyStore
	rules      driven.ApprovalRuleStore
	violations driven.ViolationStore
	recorder   *verdictRecorder
	sync       ApprovalRuleSynchronizer
	limit      int
}

// NewLicenseComplianceEvaluator creates a LicenseComplianceEvaluator.
func NewLicenseComplianceEvaluator(
	pipelines driven.PipelineStore,
	reports driven.LicenseReportStore,
	policies driven.PolicyStore,
	rules driven.ApprovalRuleStore,
	violations driven.ViolationStore,
	audit driven.AuditLogger,
	comments *CommentGenerator,
	observer Observer,
) *LicenseComplianceEvaluator {
	return &LicenseComplianceEvaluator{
		pipelines:  pipelines,
		reports:    reports,
		policies:   policies,
		rules:      rules,
		violations: violations,
		recorder:   newVerdictRecorder(audit, comments, observer),
		limit:      defaultRuleConcurrency,
	}
}

// Execute evaluates the merge request's license rules, commits the verdicts
// with the matching approval rule updates and refreshes the bot note. Merge
// requests that are closed, have no license rules or whose head pipeline has
// no license results are left untouched.
func (e *LicenseComplianceEvaluator) Execute(ctx context.Context, mr model.MergeRequest) error {
	start := time.Now()
	outcome, err := e.execute(ctx, mr)
	if err != nil {
		outcome = OutcomeError
	}
	e.recorder.observer.EvaluationCompleted(model.ReportTypeLicenseScanning, outcome, time.Since(start))
	return err
}

func (e *LicenseComplianceEvaluator) execute(ctx context.Context, mr model.MergeRequest) (string, error) {
	if !mr.Open() || mr.HeadPipelineID == 0 {
		return OutcomeSkipped, nil
	}

	rules, err := e.rules.ListByMergeRequest(ctx, mr.ID)
	if err != nil {
		return "", fmt.Errorf("list approval rules: %w", err)
	}
	licenseRules := rulesOfType(rules, model.ReportTypeLicenseScanning)
	if len(licenseRules) == 0 {
		return OutcomeSkipped, nil
	}

	head, err := e.reports.LicenseReport(ctx, mr.HeadPipelineID)
	if err != nil {
		return "", fmt.Errorf("load head license report: %w", err)
	}
	if !head.ResultsAvailable() {
		slog.Debug("license report not available", "merge_request_id", mr.ID, "pipeline_id", mr.HeadPipelineID)
		return OutcomeSkipped, nil
	}

	target, err := e.targetReport(ctx, mr)
	if err != nil {
		return "", err
	}

	verdicts := make([]LicenseVerdict, len(licenseRules))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for i, rule := range licenseRules {
		if !rule.Policy.AppliesToBranch(mr.TargetBranch) {
			continue
		}
		g.Go(func() error {
			entries, err := e.policies.ListLicensePolicies(gctx, mr.ProjectID, rule.PolicyID)
			if err != nil {
				return fmt.Errorf("list license policies of policy %d: %w", rule.PolicyID, err)
			}
			verdicts[i] = EvaluateLicenseRule(rule.Policy, entries, head, target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	ledger := NewViolationLedger(e.violations, mr.ID, model.ReportTypeLicenseScanning)
	vctx := model.ViolationContext{PipelineIDs: []int64{mr.HeadPipelineID}}
	violated := make(map[int64]bool)
	var violatedIDs, unviolatedIDs []int64
	for i, rule := range licenseRules {
		if verdicts[i].Violated {
			violated[rule.PolicyID] = true
			violatedIDs = append(violatedIDs, rule.PolicyID)
			ledger.AddViolation(rule.PolicyID, verdicts[i].Denied, vctx)
			continue
		}
		unviolatedIDs = append(unviolatedIDs, rule.PolicyID)
	}
	ledger.Add(violatedIDs, unviolatedIDs)

	slog.Info("license rules evaluated",
		"merge_request_id", mr.ID,
		"pipeline_id", mr.HeadPipelineID,
		"violated", len(violatedIDs),
		"unviolated", len(unviolatedIDs),
	)

	plan := e.sync.Plan(rules, model.ReportTypeLicenseScanning, violated)
	if err := e.recorder.record(ctx, mr, ledger, plan); err != nil {
		return "", err
	}
	return OutcomeEvaluated, nil
}

// targetReport loads the license report of the newest pipeline on the target
// branch. A branch without pipelines yields an empty, unavailable report.
func (e *LicenseComplianceEvaluator) targetReport(ctx context.Context, mr model.MergeRequest) (model.LicenseReport, error) {
	p, err := e.pipelines.LatestForRef(ctx, mr.ProjectID, mr.TargetBranch)
	if err != nil {
		return model.LicenseReport{}, fmt.Errorf("find target branch pipeline: %w", err)
	}
	if p == nil {
		return model.LicenseReport{}, nil
	}
	report, err := e.reports.LicenseReport(ctx, p.ID)
	if err != nil {
		return model.LicenseReport{}, fmt.Errorf("load target license report: %w", err)
	}
	return report, nil
}

func rulesOfType(rules []model.ApprovalRule, reportType model.ReportType) []model.ApprovalRule {
	var out []model.ApprovalRule
	for _, r := range rules {
		if r.ReportType == reportType {
			out = append(out, r)
		}
	}
	return out
}
