package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ViolationError records why a policy could not be evaluated. It is stored
// instead of violation data, never alongside it.
type ViolationError string

const (
	ErrorNone             ViolationError = ""
	ErrorArtifactsMissing ViolationError = "artifacts_missing"
)

// ViolationData is the report-type specific payload of a violation. The
// concrete types are ScanFindingData, LicenseData and AnyMergeRequestData.
type ViolationData interface {
	ReportType() ReportType
	violationData()
}

// ScanFindingData holds finding uuids. Findings are resolved at render time.
type ScanFindingData struct {
	NewlyDetected      []string `json:"newly_detected,omitempty"`
	PreviouslyExisting []string `json:"previously_existing,omitempty"`
}

// ReportType implements ViolationData.
func (ScanFindingData) ReportType() ReportType { return ReportTypeScanFinding }
func (ScanFindingData) violationData()         {}

// LicenseData maps an out-of-policy license name to the dependencies using it.
type LicenseData map[string][]string

// ReportType implements ViolationData.
func (LicenseData) ReportType() ReportType { return ReportTypeLicenseScanning }
func (LicenseData) violationData()         {}

// AnyMergeRequestData lists the offending commits. AllCommits is set when the
// rule matches any merge request regardless of commit signatures.
type AnyMergeRequestData struct {
	AllCommits bool
	SHAs       []string
}

// ReportType implements ViolationData.
func (AnyMergeRequestData) ReportType() ReportType { return ReportTypeAnyMergeRequest }
func (AnyMergeRequestData) violationData()         {}

// MarshalJSON encodes commits as either true or a list of SHAs.
func (d AnyMergeRequestData) MarshalJSON() ([]byte, error) {
	if d.AllCommits {
		return json.Marshal(map[string]any{"commits": true})
	}
	shas := d.SHAs
	if shas == nil {
		shas = []string{}
	}
	return json.Marshal(map[string]any{"commits": shas})
}

// UnmarshalJSON accepts both encodings produced by MarshalJSON.
func (d *AnyMergeRequestData) UnmarshalJSON(b []byte) error {
	var raw struct {
		Commits json.RawMessage `json:"commits"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var all bool
	if err := json.Unmarshal(raw.Commits, &all); err == nil {
		*d = AnyMergeRequestData{AllCommits: all}
		return nil
	}
	var shas []string
	if err := json.Unmarshal(raw.Commits, &shas); err != nil {
		return fmt.Errorf("decode commits: %w", err)
	}
	*d = AnyMergeRequestData{SHAs: shas}
	return nil
}

type scanFindingEnvelope struct {
	UUIDs ScanFindingData `json:"uuids"`
}

type violationEnvelope struct {
	Violations map[ReportType]json.RawMessage `json:"violations"`
}

// MarshalViolationData encodes data as {"violations":{"<report_type>":payload}}.
// A nil payload encodes as an empty object.
func MarshalViolationData(data ViolationData) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}

	var payload any
	switch d := data.(type) {
	case ScanFindingData:
		payload = scanFindingEnvelope{UUIDs: d}
	case LicenseData:
		payload = d
	case AnyMergeRequestData:
		payload = d
	default:
		return nil, fmt.Errorf("unsupported violation data %T", data)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s violation data: %w", data.ReportType(), err)
	}
	return json.Marshal(violationEnvelope{Violations: map[ReportType]json.RawMessage{data.ReportType(): raw}})
}

// UnmarshalViolationData decodes the output of MarshalViolationData. Empty
// input and empty objects decode to nil.
func UnmarshalViolationData(b []byte) (ViolationData, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var env violationEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode violation data: %w", err)
	}
	if len(env.Violations) > 1 {
		return nil, fmt.Errorf("violation data holds %d report types, want 1", len(env.Violations))
	}

	for reportType, raw := range env.Violations {
		switch reportType {
		case ReportTypeScanFinding:
			var sf scanFindingEnvelope
			if err := json.Unmarshal(raw, &sf); err != nil {
				return nil, fmt.Errorf("decode scan_finding data: %w", err)
			}
			return sf.UUIDs, nil
		case ReportTypeLicenseScanning:
			var ld LicenseData
			if err := json.Unmarshal(raw, &ld); err != nil {
				return nil, fmt.Errorf("decode license_scanning data: %w", err)
			}
			return ld, nil
		case ReportTypeAnyMergeRequest:
			var ad AnyMergeRequestData
			if err := json.Unmarshal(raw, &ad); err != nil {
				return nil, fmt.Errorf("decode any_merge_request data: %w", err)
			}
			return ad, nil
		default:
			return nil, fmt.Errorf("unknown report type %q in violation data", reportType)
		}
	}
	return nil, nil
}

// ViolationContext carries what is needed to resolve the payload later.
type ViolationContext struct {
	PipelineIDs []int64 `json:"pipeline_ids,omitempty"`
}

// Violation is the persisted verdict for one (merge request, policy) pair.
type Violation struct {
	ID             int64
	MergeRequestID int64
	PolicyID       int64
	ReportType     ReportType
	Data           ViolationData // Nil when Error is set.
	Context        ViolationContext
	Error          ViolationError
	UpdatedAt      time.Time
}

// RuleUpdate sets an approval rule's approvals_required to an absolute value.
type RuleUpdate struct {
	RuleID            int64
	ApprovalsRequired int
}

// ViolationBatch is everything one evaluation pass persists for a merge
// request. It is committed atomically.
type ViolationBatch struct {
	MergeRequestID   int64
	Upserts          []Violation
	ClearedPolicyIDs []int64
	RuleUpdates      []RuleUpdate
}

// Empty reports whether committing the batch would change nothing.
func (b ViolationBatch) Empty() bool {
	return len(b.Upserts) == 0 && len(b.ClearedPolicyIDs) == 0 && len(b.RuleUpdates) == 0
}
