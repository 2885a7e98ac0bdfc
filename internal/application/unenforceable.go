package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// UnenforceableRulesHandler handles merge requests whose pipelines cannot
// produce the artifacts a rule needs. Fail-open policies are unblocked (when
// fallback behavior is enabled); every other applicable policy is recorded
// with an artifacts_missing error and its rule is reset to the configured
// approvals.
type UnenforceableRulesHandler struct {
	pipelines  driven.PipelineStore
	rules      driven.ApprovalRuleStore
	violations driven.ViolationStore
	recorder   *verdictRecorder
	sync       ApprovalRuleSynchronizer

	fallbackBehaviorEnabled bool
}

// NewUnenforceableRulesHandler creates an UnenforceableRulesHandler.
// fallbackBehaviorEnabled gates the fail-open unblocking.
func NewUnenforceableRulesHandler(
	pipelines driven.PipelineStore,
	rules driven.ApprovalRuleStore,
	violations driven.ViolationStore,
	audit driven.AuditLogger,
	comments *CommentGenerator,
	observer Observer,
	fallbackBehaviorEnabled bool,
) *UnenforceableRulesHandler {
	return &UnenforceableRulesHandler{
		pipelines:               pipelines,
		rules:                   rules,
		violations:              violations,
		recorder:                newVerdictRecorder(audit, comments, observer),
		fallbackBehaviorEnabled: fallbackBehaviorEnabled,
	}
}

// Execute checks every artifact-backed report type of the merge request.
func (h *UnenforceableRulesHandler) Execute(ctx context.Context, mr model.MergeRequest) error {
	if !mr.Open() {
		return nil
	}
	for _, reportType := range model.ReportTypes {
		if !reportType.RequiresArtifacts() {
			continue
		}
		if err := h.ExecuteForReportType(ctx, mr, reportType); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteForReportType handles a single report type. It does nothing while
// some related pipeline can still produce the report.
func (h *UnenforceableRulesHandler) ExecuteForReportType(ctx context.Context, mr model.MergeRequest, reportType model.ReportType) error {
	unenforceable, err := h.unenforceable(ctx, mr, reportType)
	if err != nil {
		return err
	}
	if !unenforceable {
		return nil
	}

	rules, err := h.rules.ListByMergeRequest(ctx, mr.ID)
	if err != nil {
		return fmt.Errorf("list approval rules: %w", err)
	}

	ledger := NewViolationLedger(h.violations, mr.ID, reportType)
	violated := make(map[int64]bool)
	var considered []model.ApprovalRule
	var unblocked, failed int
	for _, rule := range rules {
		if rule.ReportType != reportType || !rule.Policy.AppliesToBranch(mr.TargetBranch) {
			continue
		}
		if rule.Policy.FailOpen {
			if !h.fallbackBehaviorEnabled {
				continue
			}
			considered = append(considered, rule)
			ledger.Add(nil, []int64{rule.PolicyID})
			unblocked++
			continue
		}
		considered = append(considered, rule)
		violated[rule.PolicyID] = true
		ledger.AddError(rule.PolicyID, model.ErrorArtifactsMissing, model.ViolationContext{})
		failed++
	}
	if len(considered) == 0 {
		return nil
	}

	slog.Info("unenforceable rules handled",
		"merge_request_id", mr.ID,
		"report_type", reportType,
		"unblocked", unblocked,
		"artifacts_missing", failed,
	)

	plan := h.sync.Plan(considered, reportType, violated)
	return h.recorder.record(ctx, mr, ledger, plan)
}

// unenforceable reports whether no related pipeline can produce the report type.
func (h *UnenforceableRulesHandler) unenforceable(ctx context.Context, mr model.MergeRequest, reportType model.ReportType) (bool, error) {
	if mr.HeadPipelineID == 0 {
		return true, nil
	}
	related, err := h.pipelines.ListRelated(ctx, mr, model.CISources)
	if err != nil {
		return false, fmt.Errorf("list related pipelines: %w", err)
	}
	for _, p := range related {
		if p.CanProduce(reportType) {
			return false, nil
		}
	}
	return true, nil
}
