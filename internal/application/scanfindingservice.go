package application

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// ScanFindingVerdict is the result of evaluating one scan_finding rule.
type ScanFindingVerdict struct {
	Violated bool
	Data     model.ScanFindingData
}

var defaultVulnerabilityStates = []model.VulnerabilityState{
	model.VulnerabilityStateNewNeedsTriage,
	model.VulnerabilityStateNewDismissed,
}

// EvaluateScanFindingRule counts the findings a scan_finding rule cares about
// and reports a violation when there are more than the rule allows.
//
// Newly detected findings are head pipeline findings that neither the target
// branch pipeline nor the project's vulnerabilities know about. Previously
// existing findings are project vulnerabilities in one of the rule's
// non-new states. Both are filtered by scanner and severity.
func EvaluateScanFindingRule(policy model.ScanResultPolicy, head []model.Finding, targetUUIDs map[string]bool, vulnerabilities []model.Finding) ScanFindingVerdict {
	states := policy.VulnerabilityStates
	if len(states) == 0 {
		states = defaultVulnerabilityStates
	}

	known := make(map[string]bool, len(targetUUIDs)+len(vulnerabilities))
	for uuid := range targetUUIDs {
		known[uuid] = true
	}
	for _, v := range vulnerabilities {
		known[v.UUID] = true
	}

	var newly, previous []string
	for _, f := range head {
		if known[f.UUID] || !findingMatches(policy, f) {
			continue
		}
		if f.Dismissed && slices.Contains(states, model.VulnerabilityStateNewDismissed) ||
			!f.Dismissed && slices.Contains(states, model.VulnerabilityStateNewNeedsTriage) {
			newly = append(newly, f.UUID)
		}
	}
	for _, v := range vulnerabilities {
		if v.State.IsNewlyDetected() || !slices.Contains(states, v.State) || !findingMatches(policy, v) {
			continue
		}
		previous = append(previous, v.UUID)
	}

	data := model.ScanFindingData{
		NewlyDetected:      uniqueSorted(newly),
		PreviouslyExisting: uniqueSorted(previous),
	}
	count := len(data.NewlyDetected) + len(data.PreviouslyExisting)
	return ScanFindingVerdict{
		Violated: count > policy.VulnerabilitiesAllowed,
		Data:     data,
	}
}

func findingMatches(policy model.ScanResultPolicy, f model.Finding) bool {
	if len(policy.Scanners) > 0 && !slices.Contains(policy.Scanners, f.ReportType) {
		return false
	}
	if len(policy.SeverityLevels) > 0 && !slices.Contains(policy.SeverityLevels, f.Severity) {
		return false
	}
	return true
}

func uniqueSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	sort.Strings(out)
	return slices.Compact(out)
}

// ScanFindingEvaluator evaluates every scan_finding rule of a merge request
// against the security findings of its related pipelines.
type ScanFindingEvaluator struct {
	pipelines  driven.PipelineStore
	findings   driven.FindingStore
	rules      driven.ApprovalRuleStore
	violations driven.ViolationStore
	recorder   *verdictRecorder
	sync       ApprovalRuleSynchronizer
}

// NewScanFindingEvaluator creates a ScanFindingEvaluator.
func NewScanFindingEvaluator(
	pipelines driven.PipelineStore,
	findings driven.FindingStore,
	rules driven.ApprovalRuleStore,
	violations driven.ViolationStore,
	audit driven.AuditLogger,
	comments *CommentGenerator,
	observer Observer,
) *ScanFindingEvaluator {
	return &ScanFindingEvaluator{
		pipelines:  pipelines,
		findings:   findings,
		rules:      rules,
		violations: violations,
		recorder:   newVerdictRecorder(audit, comments, observer),
	}
}

// Execute evaluates the merge request's scan_finding rules. Merge requests
// whose pipelines cannot store security reports are left to the
// unenforceable rules handler.
func (e *ScanFindingEvaluator) Execute(ctx context.Context, mr model.MergeRequest) error {
	start := time.Now()
	outcome, err := e.execute(ctx, mr)
	if err != nil {
		outcome = OutcomeError
	}
	e.recorder.observer.EvaluationCompleted(model.ReportTypeScanFinding, outcome, time.Since(start))
	return err
}

func (e *ScanFindingEvaluator) execute(ctx context.Context, mr model.MergeRequest) (string, error) {
	if !mr.Open() || mr.HeadPipelineID == 0 {
		return OutcomeSkipped, nil
	}

	rules, err := e.rules.ListByMergeRequest(ctx, mr.ID)
	if err != nil {
		return "", fmt.Errorf("list approval rules: %w", err)
	}
	scanRules := rulesOfType(rules, model.ReportTypeScanFinding)
	if len(scanRules) == 0 {
		return OutcomeSkipped, nil
	}

	related, err := e.pipelines.ListRelated(ctx, mr, model.CISources)
	if err != nil {
		return "", fmt.Errorf("list related pipelines: %w", err)
	}
	var pipelineIDs []int64
	for _, p := range related {
		if p.CanStoreSecurityReports {
			pipelineIDs = append(pipelineIDs, p.ID)
		}
	}
	if len(pipelineIDs) == 0 {
		return OutcomeSkipped, nil
	}

	head, err := e.pipelineFindings(ctx, pipelineIDs)
	if err != nil {
		return "", err
	}
	targetUUIDs, err := e.targetFindingUUIDs(ctx, mr)
	if err != nil {
		return "", err
	}
	vulnerabilities, err := e.findings.ListVulnerabilities(ctx, mr.ProjectID)
	if err != nil {
		return "", fmt.Errorf("list vulnerabilities: %w", err)
	}

	ledger := NewViolationLedger(e.violations, mr.ID, model.ReportTypeScanFinding)
	vctx := model.ViolationContext{PipelineIDs: pipelineIDs}
	violated := make(map[int64]bool)
	var violatedIDs, unviolatedIDs []int64
	for _, rule := range scanRules {
		if !rule.Policy.AppliesToBranch(mr.TargetBranch) {
			unviolatedIDs = append(unviolatedIDs, rule.PolicyID)
			continue
		}
		verdict := EvaluateScanFindingRule(rule.Policy, head, targetUUIDs, vulnerabilities)
		if !verdict.Violated {
			unviolatedIDs = append(unviolatedIDs, rule.PolicyID)
			continue
		}
		violated[rule.PolicyID] = true
		violatedIDs = append(violatedIDs, rule.PolicyID)
		ledger.AddViolation(rule.PolicyID, verdict.Data, vctx)
	}
	ledger.Add(violatedIDs, unviolatedIDs)

	slog.Info("scan finding rules evaluated",
		"merge_request_id", mr.ID,
		"pipelines", len(pipelineIDs),
		"findings", len(head),
		"violated", len(violatedIDs),
	)

	plan := e.sync.Plan(rules, model.ReportTypeScanFinding, violated)
	if err := e.recorder.record(ctx, mr, ledger, plan); err != nil {
		return "", err
	}
	return OutcomeEvaluated, nil
}

// pipelineFindings returns the findings of the pipelines, one per uuid.
func (e *ScanFindingEvaluator) pipelineFindings(ctx context.Context, pipelineIDs []int64) ([]model.Finding, error) {
	seen := make(map[string]bool)
	var out []model.Finding
	for _, id := range pipelineIDs {
		findings, err := e.findings.ListPipelineFindings(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list findings of pipeline %d: %w", id, err)
		}
		for _, f := range findings {
			if seen[f.UUID] {
				continue
			}
			seen[f.UUID] = true
			out = append(out, f)
		}
	}
	return out, nil
}

func (e *ScanFindingEvaluator) targetFindingUUIDs(ctx context.Context, mr model.MergeRequest) (map[string]bool, error) {
	uuids := make(map[string]bool)
	p, err := e.pipelines.LatestForRef(ctx, mr.ProjectID, mr.TargetBranch)
	if err != nil {
		return nil, fmt.Errorf("find target branch pipeline: %w", err)
	}
	if p == nil {
		return uuids, nil
	}
	findings, err := e.findings.ListPipelineFindings(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list target branch findings: %w", err)
	}
	for _, f := range findings {
		uuids[f.UUID] = true
	}
	return uuids, nil
}
