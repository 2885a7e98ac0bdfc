// Package policyconfig parses approval policy files and compiles them into
// the per-rule policy reads the evaluators consume.
//
// A policy file looks like:
//
//	approval_policy:
//	  - name: Deny copyleft
//	    rules:
//	      - type: license_finding
//	        branches: [main]
//	        match_on_inclusion_license: true
//	        license_types: [GPL-3.0, AGPL-3.0]
//	        license_states: [newly_detected, detected]
//	    actions:
//	      - type: require_approval
//	        approvals_required: 2
//	        user_approvers: [alice]
//	    fallback_behavior:
//	      fail: open
package policyconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/spdx"
)

// Action types.
const (
	ActionRequireApproval = "require_approval"
	ActionSendBotMessage  = "send_bot_message"
)

// Fallback modes.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// Document is a parsed policy file. scan_result_policy is the older name of
// approval_policy and is still accepted.
type Document struct {
	ApprovalPolicies   []Policy `yaml:"approval_policy"`
	ScanResultPolicies []Policy `yaml:"scan_result_policy"`
}

// Policy is one named approval policy.
type Policy struct {
	Name             string           `yaml:"name"`
	Description      string           `yaml:"description"`
	Enabled          *bool            `yaml:"enabled"`
	Rules            []Rule           `yaml:"rules"`
	Actions          []Action         `yaml:"actions"`
	FallbackBehavior FallbackBehavior `yaml:"fallback_behavior"`
}

// Rule is one rule of a policy.
type Rule struct {
	Type     string   `yaml:"type"`
	Branches []string `yaml:"branches"`

	MatchOnInclusionLicense *bool    `yaml:"match_on_inclusion_license"`
	LicenseTypes            []string `yaml:"license_types"`
	LicenseStates           []string `yaml:"license_states"`

	Scanners               []string `yaml:"scanners"`
	SeverityLevels         []string `yaml:"severity_levels"`
	VulnerabilityStates    []string `yaml:"vulnerability_states"`
	VulnerabilitiesAllowed int      `yaml:"vulnerabilities_allowed"`

	Commits string `yaml:"commits"`
}

// Action is a policy action.
type Action struct {
	Type              string   `yaml:"type"`
	ApprovalsRequired int      `yaml:"approvals_required"`
	UserApprovers     []string `yaml:"user_approvers"`
	Enabled           *bool    `yaml:"enabled"`
}

// FallbackBehavior controls what happens when a rule cannot be evaluated.
type FallbackBehavior struct {
	Fail string `yaml:"fail"`
}

// Load reads and parses the policy file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a policy document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode policy file: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Policies returns the enabled policies in file order.
func (d *Document) Policies() []Policy {
	var out []Policy
	for _, p := range append(append([]Policy{}, d.ApprovalPolicies...), d.ScanResultPolicies...) {
		if p.Enabled == nil || *p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every problem in the document at once.
func (d *Document) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, p := range append(append([]Policy{}, d.ApprovalPolicies...), d.ScanResultPolicies...) {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("policy %d: name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("policy %q: duplicate name", name))
		}
		seen[name] = true

		if len(p.Rules) == 0 {
			errs = append(errs, fmt.Errorf("policy %q: at least one rule is required", name))
		}
		for j, r := range p.Rules {
			if err := r.validate(); err != nil {
				errs = append(errs, fmt.Errorf("policy %q rule %d: %w", name, j, err))
			}
		}
		for j, a := range p.Actions {
			switch a.Type {
			case ActionRequireApproval:
				if a.ApprovalsRequired < 0 {
					errs = append(errs, fmt.Errorf("policy %q action %d: approvals_required must not be negative", name, j))
				}
			case ActionSendBotMessage:
			default:
				errs = append(errs, fmt.Errorf("policy %q action %d: unknown type %q", name, j, a.Type))
			}
		}
		switch p.FallbackBehavior.Fail {
		case "", FailOpen, FailClosed:
		default:
			errs = append(errs, fmt.Errorf("policy %q: fallback_behavior.fail must be %q or %q", name, FailOpen, FailClosed))
		}
	}
	return errors.Join(errs...)
}

func (r Rule) validate() error {
	reportType, err := model.ParseReportType(r.Type)
	if err != nil {
		return err
	}
	switch reportType {
	case model.ReportTypeLicenseScanning:
		for _, s := range r.LicenseStates {
			switch model.LicenseState(s) {
			case model.LicenseStateNewlyDetected, model.LicenseStateDetected:
			default:
				return fmt.Errorf("unknown license state %q", s)
			}
		}
	case model.ReportTypeScanFinding:
		if r.VulnerabilitiesAllowed < 0 {
			return errors.New("vulnerabilities_allowed must not be negative")
		}
		for _, s := range r.VulnerabilityStates {
			switch model.VulnerabilityState(s) {
			case model.VulnerabilityStateNewNeedsTriage, model.VulnerabilityStateNewDismissed,
				model.VulnerabilityStateDetected, model.VulnerabilityStateConfirmed,
				model.VulnerabilityStateDismissed, model.VulnerabilityStateResolved:
			default:
				return fmt.Errorf("unknown vulnerability state %q", s)
			}
		}
	case model.ReportTypeAnyMergeRequest:
		switch model.CommitsType(r.Commits) {
		case "", model.CommitsAny, model.CommitsUnsigned:
		default:
			return fmt.Errorf("unknown commits value %q", r.Commits)
		}
	}
	return nil
}

// Compile turns the enabled policies into one ScanResultPolicy per rule and
// the license entries of each license rule, keyed by the index of the rule's
// policy in the returned slice.
func (d *Document) Compile(projectID int64) ([]model.ScanResultPolicy, map[int][]model.SoftwareLicensePolicy) {
	var policies []model.ScanResultPolicy
	licenses := make(map[int][]model.SoftwareLicensePolicy)

	for _, p := range d.Policies() {
		approvals, approvers, botMessage := p.actions()
		for i, r := range p.Rules {
			reportType, _ := model.ParseReportType(r.Type)
			srp := model.ScanResultPolicy{
				ProjectID:         projectID,
				Name:              strings.TrimSpace(p.Name),
				RuleIndex:         i,
				ReportType:        reportType,
				FailOpen:          p.FallbackBehavior.Fail == FailOpen,
				SendBotMessage:    botMessage,
				ApprovalsRequired: approvals,
				Approvers:         approvers,
				Branches:          r.Branches,
			}

			switch reportType {
			case model.ReportTypeLicenseScanning:
				srp.MatchOnInclusionLicense = r.MatchOnInclusionLicense == nil || *r.MatchOnInclusionLicense
				srp.LicenseTypes = r.LicenseTypes
				srp.LicenseStates = licenseStates(r.LicenseStates)
				licenses[len(policies)] = licenseEntries(projectID, srp.MatchOnInclusionLicense, r.LicenseTypes)
			case model.ReportTypeScanFinding:
				srp.Scanners = r.Scanners
				srp.VulnerabilitiesAllowed = r.VulnerabilitiesAllowed
				for _, s := range r.SeverityLevels {
					srp.SeverityLevels = append(srp.SeverityLevels, model.ParseSeverity(s))
				}
				for _, s := range r.VulnerabilityStates {
					srp.VulnerabilityStates = append(srp.VulnerabilityStates, model.VulnerabilityState(s))
				}
			case model.ReportTypeAnyMergeRequest:
				srp.Commits = model.CommitsType(r.Commits)
				if srp.Commits == "" {
					srp.Commits = model.CommitsAny
				}
			}

			policies = append(policies, srp)
		}
	}
	return policies, licenses
}

// actions folds the policy actions. Bot messages are on unless a
// send_bot_message action disables them.
func (p Policy) actions() (approvals int, approvers []string, botMessage bool) {
	botMessage = true
	for _, a := range p.Actions {
		switch a.Type {
		case ActionRequireApproval:
			approvals += a.ApprovalsRequired
			approvers = append(approvers, a.UserApprovers...)
		case ActionSendBotMessage:
			botMessage = a.Enabled == nil || *a.Enabled
		}
	}
	return approvals, approvers, botMessage
}

func licenseStates(states []string) []model.LicenseState {
	if len(states) == 0 {
		return []model.LicenseState{model.LicenseStateNewlyDetected, model.LicenseStateDetected}
	}
	out := make([]model.LicenseState, 0, len(states))
	for _, s := range states {
		out = append(out, model.LicenseState(s))
	}
	return out
}

// licenseEntries classifies each configured license: known SPDX identifiers
// are stored by canonical identifier, anything else by name.
func licenseEntries(projectID int64, inclusion bool, types []string) []model.SoftwareLicensePolicy {
	status := model.LicenseAllowed
	if inclusion {
		status = model.LicenseDenied
	}

	entries := make([]model.SoftwareLicensePolicy, 0, len(types))
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		entry := model.SoftwareLicensePolicy{ProjectID: projectID, ApprovalStatus: status}
		if id, ok := spdx.Canonical(t); ok {
			entry.SPDXIdentifier = id
		} else {
			entry.Name = t
		}
		entries = append(entries, entry)
	}
	return entries
}
