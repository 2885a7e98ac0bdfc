package application

import (
	"github.com/ericfisherdev/policygate/internal/domain/model"
)

// ApprovalRuleSynchronizer turns a set of violated policies into absolute
// approvals_required targets for a merge request's approval rules.
type ApprovalRuleSynchronizer struct{}

// Plan computes the rule updates for one report type. rules must be every rule
// of the merge request the caller wants reconciled; rules of other report
// types are ignored. A rule whose policy is violated targets its configured
// approvals, every other rule targets zero. Only rules whose current value
// differs from the target become transitions, so planning twice against the
// committed state yields no transitions.
func (ApprovalRuleSynchronizer) Plan(rules []model.ApprovalRule, reportType model.ReportType, violated map[int64]bool) model.RuleSync {
	sync := model.RuleSync{ReportType: reportType}

	for _, rule := range rules {
		if rule.ReportType != reportType {
			continue
		}

		target := 0
		isViolated := violated[rule.PolicyID]
		if isViolated {
			target = rule.ConfiguredApprovals()
			sync.Violated = append(sync.Violated, rule)
		} else {
			sync.Unviolated = append(sync.Unviolated, rule)
		}

		if rule.ApprovalsRequired == target {
			continue
		}
		sync.Transitions = append(sync.Transitions, model.RuleTransition{
			Rule:     rule,
			From:     rule.ApprovalsRequired,
			To:       target,
			Violated: isViolated,
		})
	}

	return sync
}
