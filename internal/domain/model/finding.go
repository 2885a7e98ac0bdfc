package model

import (
	"fmt"
	"strings"
)

// Severity is the severity of a security finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

// Rank orders severities; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Title returns the capitalised label used in bot notes.
func (s Severity) Title() string {
	if s == "" {
		return "Unknown"
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// ParseSeverity normalises a scanner severity string. Unrecognised values map
// to SeverityUnknown.
func ParseSeverity(s string) Severity {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return sev
	default:
		return SeverityUnknown
	}
}

// Location points at the source position a finding was reported for.
type Location struct {
	File      string
	StartLine int
}

// Finding is a single security finding. Pipeline security findings are
// transient and scoped to a pipeline; vulnerability findings are persisted per
// project and carry a triage State.
type Finding struct {
	UUID       string
	FindingID  int64
	ProjectID  int64
	PipelineID int64 // Zero for persisted vulnerability findings.
	Severity   Severity
	Name       string
	ReportType string // Scanner that produced it, e.g. "sast", "dependency_scanning".
	Location   Location
	ProjectURL string
	State      VulnerabilityState // Persisted findings only.
	Dismissed  bool               // Pipeline findings dismissed before merge.
}

// Link returns the deep link to the finding in the project security view.
func (f Finding) Link() string {
	link := fmt.Sprintf("%s/-/security/findings/%d", strings.TrimSuffix(f.ProjectURL, "/"), f.FindingID)
	if f.Location.StartLine > 0 {
		link += fmt.Sprintf("#L%d", f.Location.StartLine)
	}
	return link
}
