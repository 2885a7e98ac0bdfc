package model

import "time"

// AuditEvent is emitted when an approval rule transitions into the violated state.
type AuditEvent struct {
	Reason           string
	MergeRequestID   int64
	MergeRequestIID  int
	ApprovalRuleID   int64
	ApprovalRuleName string
	ProjectPath      string
	OccurredAt       time.Time
}
