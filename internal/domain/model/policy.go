package model

import "slices"

// LicenseState selects which licenses a license rule inspects.
type LicenseState string

const (
	// LicenseStateNewlyDetected matches licenses introduced by the merge request.
	LicenseStateNewlyDetected LicenseState = "newly_detected"
	// LicenseStateDetected matches licenses already present on the target branch.
	LicenseStateDetected LicenseState = "detected"
)

// VulnerabilityState selects which findings a scan_finding rule counts.
type VulnerabilityState string

const (
	VulnerabilityStateNewNeedsTriage VulnerabilityState = "new_needs_triage"
	VulnerabilityStateNewDismissed   VulnerabilityState = "new_dismissed"
	VulnerabilityStateDetected       VulnerabilityState = "detected"
	VulnerabilityStateConfirmed      VulnerabilityState = "confirmed"
	VulnerabilityStateDismissed      VulnerabilityState = "dismissed"
	VulnerabilityStateResolved       VulnerabilityState = "resolved"
)

// IsNewlyDetected reports whether the state refers to findings first seen in
// the merge request pipeline.
func (s VulnerabilityState) IsNewlyDetected() bool {
	return s == VulnerabilityStateNewNeedsTriage || s == VulnerabilityStateNewDismissed
}

// CommitsType is the predicate of an any_merge_request rule.
type CommitsType string

const (
	CommitsAny      CommitsType = "any"
	CommitsUnsigned CommitsType = "unsigned"
)

// ScanResultPolicy is the read model of a single approval-policy rule. A policy
// with N rules in the policy file yields N ScanResultPolicy rows sharing a
// Name, each with its own ReportType and predicates.
type ScanResultPolicy struct {
	ID                int64
	ProjectID         int64
	Name              string
	RuleIndex         int
	ReportType        ReportType
	FailOpen          bool // fallback_behavior.fail == open
	SendBotMessage    bool
	ApprovalsRequired int
	Approvers         []string
	Branches          []string // Empty means every branch.

	// license_finding predicates.
	MatchOnInclusionLicense bool
	LicenseStates           []LicenseState
	LicenseTypes            []string

	// scan_finding predicates.
	Scanners               []string
	SeverityLevels         []Severity
	VulnerabilityStates    []VulnerabilityState
	VulnerabilitiesAllowed int

	// any_merge_request predicate.
	Commits CommitsType
}

// NewlyDetected reports whether the rule inspects newly detected licenses.
func (p ScanResultPolicy) NewlyDetected() bool {
	return slices.Contains(p.LicenseStates, LicenseStateNewlyDetected)
}

// OnlyNewlyDetected reports whether license_states is exactly [newly_detected].
func (p ScanResultPolicy) OnlyNewlyDetected() bool {
	return len(p.LicenseStates) == 1 && p.LicenseStates[0] == LicenseStateNewlyDetected
}

// AppliesToBranch reports whether the rule is scoped to the given target branch.
func (p ScanResultPolicy) AppliesToBranch(branch string) bool {
	if len(p.Branches) == 0 {
		return true
	}
	return slices.Contains(p.Branches, branch)
}

// Blocking reports whether a violation of this rule must be resolved before
// merging. Fail-open rules and rules with zero configured approvals only warn.
func (p ScanResultPolicy) Blocking() bool {
	return p.ApprovalsRequired > 0 && !p.FailOpen
}

// LicenseApprovalStatus classifies a SoftwareLicensePolicy entry.
type LicenseApprovalStatus string

const (
	LicenseAllowed LicenseApprovalStatus = "allowed"
	LicenseDenied  LicenseApprovalStatus = "denied"
)

// SoftwareLicensePolicy is one license entry of a license_finding rule. Exactly
// one of SPDXIdentifier or Name is set: entries that are recognised SPDX
// identifiers are stored by identifier, everything else by free-text name.
type SoftwareLicensePolicy struct {
	ID                 int64
	ProjectID          int64
	ScanResultPolicyID int64
	SPDXIdentifier     string
	Name               string
	ApprovalStatus     LicenseApprovalStatus
}

// Key returns the identifier used when matching report licenses.
func (p SoftwareLicensePolicy) Key() string {
	if p.SPDXIdentifier != "" {
		return p.SPDXIdentifier
	}
	return p.Name
}
