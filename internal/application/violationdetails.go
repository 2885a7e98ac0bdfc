package application

import (
	"context"
	"fmt"
	"sort"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// ViolationEntry is a stored violation joined with the policy that produced it.
type ViolationEntry struct {
	PolicyID   int64
	PolicyName string
	ReportType model.ReportType
	Data       model.ViolationData
	Context    model.ViolationContext
	Error      model.ViolationError
	Blocking   bool
}

// AnyMergeRequestViolation is the commit payload of one any_merge_request policy.
type AnyMergeRequestViolation struct {
	PolicyName string
	Commits    model.AnyMergeRequestData
}

// LicenseViolation is one out-of-policy license and the dependencies using it.
type LicenseViolation struct {
	License      string
	Dependencies []string
}

// PolicyViolationDetails is the read model of a merge request's violations,
// with finding uuids resolved to findings.
type PolicyViolationDetails struct {
	Violations       []ViolationEntry
	NewScanFindings  []model.Finding
	PreviousFindings []model.Finding
	AnyMergeRequest  []AnyMergeRequestViolation
	Licenses         []LicenseViolation
	Errors           []ViolationEntry
}

// Blocking reports whether any violation must be resolved before merging.
func (d PolicyViolationDetails) Blocking() bool {
	for _, v := range d.Violations {
		if v.Blocking {
			return true
		}
	}
	return false
}

// PolicyNames returns the sorted unique names of the violated policies.
func (d PolicyViolationDetails) PolicyNames() []string {
	names := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		names = append(names, v.PolicyName)
	}
	return uniqueSorted(names)
}

// ViolationDetailsService builds PolicyViolationDetails from the stores.
type ViolationDetailsService struct {
	violations driven.ViolationStore
	policies   driven.PolicyStore
	findings   driven.FindingStore
}

// NewViolationDetailsService creates a ViolationDetailsService.
func NewViolationDetailsService(violations driven.ViolationStore, policies driven.PolicyStore, findings driven.FindingStore) *ViolationDetailsService {
	return &ViolationDetailsService{
		violations: violations,
		policies:   policies,
		findings:   findings,
	}
}

// Load returns every detail view of the merge request in one value.
func (s *ViolationDetailsService) Load(ctx context.Context, mr model.MergeRequest) (PolicyViolationDetails, error) {
	entries, err := s.Violations(ctx, mr)
	if err != nil {
		return PolicyViolationDetails{}, err
	}

	details := PolicyViolationDetails{
		Violations:      entries,
		AnyMergeRequest: AnyMergeRequestViolations(entries),
		Licenses:        LicenseViolations(entries),
		Errors:          ViolationErrors(entries),
	}
	if details.NewScanFindings, err = s.NewScanFindingViolations(ctx, mr, entries); err != nil {
		return PolicyViolationDetails{}, err
	}
	if details.PreviousFindings, err = s.PreviousScanFindingViolations(ctx, mr, entries); err != nil {
		return PolicyViolationDetails{}, err
	}
	return details, nil
}

// Violations returns the merge request's violations joined with their
// policies, ordered by policy ID. The report type and name come from the
// policy. Violations of policies that no longer exist are omitted.
func (s *ViolationDetailsService) Violations(ctx context.Context, mr model.MergeRequest) ([]ViolationEntry, error) {
	rows, err := s.violations.ListByMergeRequest(ctx, mr.ID)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	policies, err := s.policies.ListByProject(ctx, mr.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	byID := make(map[int64]model.ScanResultPolicy, len(policies))
	for _, p := range policies {
		byID[p.ID] = p
	}

	entries := make([]ViolationEntry, 0, len(rows))
	for _, v := range rows {
		p, ok := byID[v.PolicyID]
		if !ok {
			continue
		}
		data := v.Data
		if v.ReportType != p.ReportType {
			// The rule was redefined since the row was written.
			data = nil
		}
		entries = append(entries, ViolationEntry{
			PolicyID:   v.PolicyID,
			PolicyName: p.Name,
			ReportType: p.ReportType,
			Data:       data,
			Context:    v.Context,
			Error:      v.Error,
			Blocking:   p.Blocking(),
		})
	}
	return entries, nil
}

// NewScanFindingViolations resolves the newly detected finding uuids of every
// scan_finding violation against the pipelines recorded in its context. A
// finding referenced by several policies is returned once. Findings are
// ordered by severity, most severe first, then by name.
func (s *ViolationDetailsService) NewScanFindingViolations(ctx context.Context, mr model.MergeRequest, entries []ViolationEntry) ([]model.Finding, error) {
	byUUID := make(map[string]model.Finding)
	for _, e := range entries {
		data, ok := e.Data.(model.ScanFindingData)
		if !ok || len(data.NewlyDetected) == 0 {
			continue
		}
		pipelineIDs := e.Context.PipelineIDs
		if len(pipelineIDs) == 0 && mr.HeadPipelineID != 0 {
			pipelineIDs = []int64{mr.HeadPipelineID}
		}
		found, err := s.findings.SecurityFindingsByUUIDs(ctx, pipelineIDs, data.NewlyDetected)
		if err != nil {
			return nil, fmt.Errorf("resolve new findings of policy %d: %w", e.PolicyID, err)
		}
		collectFindings(byUUID, found, mr.ProjectURL)
	}
	return sortFindings(byUUID), nil
}

// PreviousScanFindingViolations resolves the previously existing finding uuids
// against the project's vulnerabilities, deduplicated and ordered like
// NewScanFindingViolations.
func (s *ViolationDetailsService) PreviousScanFindingViolations(ctx context.Context, mr model.MergeRequest, entries []ViolationEntry) ([]model.Finding, error) {
	var uuids []string
	for _, e := range entries {
		if data, ok := e.Data.(model.ScanFindingData); ok {
			uuids = append(uuids, data.PreviouslyExisting...)
		}
	}
	uuids = uniqueSorted(uuids)
	if len(uuids) == 0 {
		return nil, nil
	}

	found, err := s.findings.VulnerabilityFindingsByUUIDs(ctx, mr.ProjectID, uuids)
	if err != nil {
		return nil, fmt.Errorf("resolve previous findings: %w", err)
	}
	byUUID := make(map[string]model.Finding, len(found))
	collectFindings(byUUID, found, mr.ProjectURL)
	return sortFindings(byUUID), nil
}

// AnyMergeRequestViolations returns the commit payloads ordered by policy name.
func AnyMergeRequestViolations(entries []ViolationEntry) []AnyMergeRequestViolation {
	var out []AnyMergeRequestViolation
	for _, e := range entries {
		if data, ok := e.Data.(model.AnyMergeRequestData); ok {
			out = append(out, AnyMergeRequestViolation{PolicyName: e.PolicyName, Commits: data})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PolicyName < out[j].PolicyName })
	return out
}

// LicenseViolations merges the license payloads of all policies. Each license
// appears once with the sorted union of its dependencies; licenses are sorted
// by name.
func LicenseViolations(entries []ViolationEntry) []LicenseViolation {
	merged := model.LicenseData{}
	for _, e := range entries {
		data, ok := e.Data.(model.LicenseData)
		if !ok {
			continue
		}
		for name, deps := range data {
			addDenied(merged, name, deps)
		}
	}

	out := make([]LicenseViolation, 0, len(merged))
	for name, deps := range merged {
		out = append(out, LicenseViolation{License: name, Dependencies: deps})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].License < out[j].License })
	return out
}

// ViolationErrors returns the entries that carry an evaluation error.
func ViolationErrors(entries []ViolationEntry) []ViolationEntry {
	var out []ViolationEntry
	for _, e := range entries {
		if e.Error != model.ErrorNone {
			out = append(out, e)
		}
	}
	return out
}

func collectFindings(into map[string]model.Finding, found []model.Finding, projectURL string) {
	for _, f := range found {
		if _, ok := into[f.UUID]; ok {
			continue
		}
		if f.ProjectURL == "" {
			f.ProjectURL = projectURL
		}
		into[f.UUID] = f
	}
}

func sortFindings(byUUID map[string]model.Finding) []model.Finding {
	if len(byUUID) == 0 {
		return nil
	}
	out := make([]model.Finding, 0, len(byUUID))
	for _, f := range byUUID {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.UUID < b.UUID
	})
	return out
}
