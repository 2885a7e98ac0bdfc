package application_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/policygate/internal/application"
	"github.com/ericfisherdev/policygate/internal/domain/model"
)

func makeRule(id, policyID int64, reportType model.ReportType, current, configured int) model.ApprovalRule {
	return model.ApprovalRule{
		ID:                id,
		PolicyID:          policyID,
		Name:              "rule",
		ReportType:        reportType,
		ApprovalsRequired: current,
		Policy:            model.ScanResultPolicy{ID: policyID, ReportType: reportType, ApprovalsRequired: configured},
	}
}

func TestApprovalRuleSynchronizer_Plan(t *testing.T) {
	rules := []model.ApprovalRule{
		makeRule(1, 11, model.ReportTypeLicenseScanning, 0, 2), // becomes violated
		makeRule(2, 12, model.ReportTypeLicenseScanning, 2, 2), // stays violated
		makeRule(3, 13, model.ReportTypeLicenseScanning, 1, 1), // resolved
		makeRule(4, 14, model.ReportTypeLicenseScanning, 0, 3), // stays clean
		makeRule(5, 15, model.ReportTypeScanFinding, 2, 2),     // other report type
	}
	violated := map[int64]bool{11: true, 12: true, 15: true}

	plan := application.ApprovalRuleSynchronizer{}.Plan(rules, model.ReportTypeLicenseScanning, violated)

	assert.Equal(t, model.ReportTypeLicenseScanning, plan.ReportType)
	assert.Len(t, plan.Violated, 2)
	assert.Len(t, plan.Unviolated, 2)

	require.Len(t, plan.Transitions, 2)
	assert.Equal(t, int64(1), plan.Transitions[0].Rule.ID)
	assert.Equal(t, 0, plan.Transitions[0].From)
	assert.Equal(t, 2, plan.Transitions[0].To)
	assert.True(t, plan.Transitions[0].Violated)

	assert.Equal(t, int64(3), plan.Transitions[1].Rule.ID)
	assert.Equal(t, 0, plan.Transitions[1].To)
	assert.False(t, plan.Transitions[1].Violated)

	assert.Equal(t, []model.RuleUpdate{
		{RuleID: 1, ApprovalsRequired: 2},
		{RuleID: 3, ApprovalsRequired: 0},
	}, plan.Updates())
}

func TestApprovalRuleSynchronizer_SecondPlanIsNoop(t *testing.T) {
	rules := []model.ApprovalRule{
		makeRule(1, 11, model.ReportTypeAnyMergeRequest, 0, 1),
		makeRule(2, 12, model.ReportTypeAnyMergeRequest, 1, 1),
	}
	violated := map[int64]bool{11: true}
	sync := application.ApprovalRuleSynchronizer{}

	plan := sync.Plan(rules, model.ReportTypeAnyMergeRequest, violated)
	for _, u := range plan.Updates() {
		for i := range rules {
			if rules[i].ID == u.RuleID {
				rules[i].ApprovalsRequired = u.ApprovalsRequired
			}
		}
	}

	again := sync.Plan(rules, model.ReportTypeAnyMergeRequest, violated)
	assert.Empty(t, again.Transitions)
}
