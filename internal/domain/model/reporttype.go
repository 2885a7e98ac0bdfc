package model

import "fmt"

// ReportType identifies which kind of scan output an approval policy consumes.
// It is a closed set; switch on it exhaustively.
type ReportType string

const (
	ReportTypeScanFinding     ReportType = "scan_finding"
	ReportTypeLicenseScanning ReportType = "license_scanning"
	ReportTypeAnyMergeRequest ReportType = "any_merge_request"
)

// ReportTypes lists every report type in rendering order.
var ReportTypes = []ReportType{
	ReportTypeLicenseScanning,
	ReportTypeScanFinding,
	ReportTypeAnyMergeRequest,
}

// ParseReportType converts a stored or configured string into a ReportType.
// Policy files use the rule type names (license_finding), the database uses
// the report type names (license_scanning); both are accepted.
func ParseReportType(s string) (ReportType, error) {
	switch s {
	case string(ReportTypeScanFinding):
		return ReportTypeScanFinding, nil
	case string(ReportTypeLicenseScanning), "license_finding":
		return ReportTypeLicenseScanning, nil
	case string(ReportTypeAnyMergeRequest):
		return ReportTypeAnyMergeRequest, nil
	default:
		return "", fmt.Errorf("unknown report type %q", s)
	}
}

// RuleTypeName returns the name used for this report type in policy rules and
// audit messages ("license_finding" for license scanning).
func (t ReportType) RuleTypeName() string {
	switch t {
	case ReportTypeLicenseScanning:
		return "license_finding"
	case ReportTypeScanFinding, ReportTypeAnyMergeRequest:
		return string(t)
	default:
		return string(t)
	}
}

// RequiresArtifacts reports whether the report type depends on pipeline artifacts
// that may be missing. any_merge_request rules only need the commit list.
func (t ReportType) RequiresArtifacts() bool {
	switch t {
	case ReportTypeScanFinding, ReportTypeLicenseScanning:
		return true
	case ReportTypeAnyMergeRequest:
		return false
	default:
		return false
	}
}
