package model

// ApprovalRule is the mutable approval rule a policy attaches to a merge
// request. ApprovalsRequired is a derived projection of the violation state
// and may be overwritten by every evaluation pass.
type ApprovalRule struct {
	ID                int64
	MergeRequestID    int64
	PolicyID          int64
	Name              string
	ReportType        ReportType
	ApprovalsRequired int
	Policy            ScanResultPolicy // Loaded with the rule.
}

// ConfiguredApprovals is the approval count the policy asks for when violated.
func (r ApprovalRule) ConfiguredApprovals() int {
	return r.Policy.ApprovalsRequired
}

// Required reports whether the rule currently gates the merge request.
func (r ApprovalRule) Required() bool {
	return r.ApprovalsRequired > 0
}

// RuleTransition is a rule whose state changes in an evaluation pass.
type RuleTransition struct {
	Rule     ApprovalRule
	From     int
	To       int
	Violated bool
}

// RuleSync is the synchronizer's plan for one report type.
type RuleSync struct {
	ReportType  ReportType
	Violated    []ApprovalRule
	Unviolated  []ApprovalRule
	Transitions []RuleTransition
}

// Updates returns the absolute rule updates of the plan, one per changed rule.
func (s RuleSync) Updates() []RuleUpdate {
	updates := make([]RuleUpdate, 0, len(s.Transitions))
	for _, t := range s.Transitions {
		updates = append(updates, RuleUpdate{RuleID: t.Rule.ID, ApprovalsRequired: t.To})
	}
	return updates
}
