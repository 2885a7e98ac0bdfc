package application_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/policygate/internal/application"
	"github.com/ericfisherdev/policygate/internal/domain/model"
)

func finding(uuid string, severity model.Severity, scanner string) model.Finding {
	return model.Finding{
		UUID:       uuid,
		FindingID:  int64(len(uuid)),
		Severity:   severity,
		Name:       "Finding " + uuid,
		ReportType: scanner,
		Location:   model.Location{File: "app/main.go", StartLine: 12},
	}
}

func TestEvaluateScanFindingRule(t *testing.T) {
	head := []model.Finding{
		finding("new-critical", model.SeverityCritical, "sast"),
		finding("new-low", model.SeverityLow, "sast"),
		finding("on-target", model.SeverityCritical, "sast"),
		finding("known-vuln", model.SeverityHigh, "sast"),
		finding("dast-critical", model.SeverityCritical, "dast"),
	}
	dismissed := finding("new-dismissed", model.SeverityCritical, "sast")
	dismissed.Dismissed = true
	head = append(head, dismissed)

	target := map[string]bool{"on-target": true}
	vulns := []model.Finding{
		{UUID: "known-vuln", Severity: model.SeverityHigh, ReportType: "sast", State: model.VulnerabilityStateDetected},
		{UUID: "confirmed-vuln", Severity: model.SeverityCritical, ReportType: "sast", State: model.VulnerabilityStateConfirmed},
	}

	tests := []struct {
		name         string
		policy       model.ScanResultPolicy
		violated     bool
		wantNew      []string
		wantPrevious []string
	}{
		{
			name:     "defaults count every new finding",
			policy:   model.ScanResultPolicy{},
			violated: true,
			wantNew:  []string{"dast-critical", "new-critical", "new-dismissed", "new-low"},
		},
		{
			name: "scanner and severity filters",
			policy: model.ScanResultPolicy{
				Scanners:       []string{"sast"},
				SeverityLevels: []model.Severity{model.SeverityCritical},
			},
			violated: true,
			wantNew:  []string{"new-critical", "new-dismissed"},
		},
		{
			name: "allowed count is not a violation",
			policy: model.ScanResultPolicy{
				Scanners:               []string{"sast"},
				SeverityLevels:         []model.Severity{model.SeverityCritical},
				VulnerabilitiesAllowed: 2,
			},
			violated: false,
			wantNew:  []string{"new-critical", "new-dismissed"},
		},
		{
			name: "dismissed new findings",
			policy: model.ScanResultPolicy{
				VulnerabilityStates: []model.VulnerabilityState{model.VulnerabilityStateNewDismissed},
			},
			violated: true,
			wantNew:  []string{"new-dismissed"},
		},
		{
			name: "previously existing states",
			policy: model.ScanResultPolicy{
				VulnerabilityStates: []model.VulnerabilityState{model.VulnerabilityStateConfirmed},
			},
			violated:     true,
			wantPrevious: []string{"confirmed-vuln"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := application.EvaluateScanFindingRule(tt.policy, head, target, vulns)
			assert.Equal(t, tt.violated, verdict.Violated)
			assert.Equal(t, tt.wantNew, verdict.Data.NewlyDetected)
			assert.Equal(t, tt.wantPrevious, verdict.Data.PreviouslyExisting)
		})
	}
}

func TestScanFindingEvaluator_Execute(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	policy := w.addPolicy(model.ScanResultPolicy{
		Name:              "No criticals",
		ReportType:        model.ReportTypeScanFinding,
		SeverityLevels:    []model.Severity{model.SeverityCritical},
		ApprovalsRequired: 1,
		SendBotMessage:    true,
	})
	w.addPipeline(model.Pipeline{ID: 100, Ref: "main", SHA: "base", CanStoreSecurityReports: true})
	w.addPipeline(model.Pipeline{ID: 200, Ref: "feature", SHA: "head", MergeRequestID: 1, Source: model.PipelineSourceMergeRequestEvent, CanStoreSecurityReports: true})
	require.NoError(t, w.findings.ReplacePipelineFindings(ctx, 100, []model.Finding{finding("old", model.SeverityCritical, "sast")}))
	require.NoError(t, w.findings.ReplacePipelineFindings(ctx, 200, []model.Finding{
		finding("old", model.SeverityCritical, "sast"),
		finding("fresh", model.SeverityCritical, "sast"),
	}))
	mr := w.addMergeRequest(model.MergeRequest{IID: 1, HeadPipelineID: 200, ProjectURL: "https://git.example.com/acme/app"})

	require.NoError(t, w.scanFindingEvaluator().Execute(ctx, mr))

	v, ok := w.violations.get(mr.ID, policy.ID)
	require.True(t, ok)
	assert.Equal(t, model.ScanFindingData{NewlyDetected: []string{"fresh"}}, v.Data)
	assert.Equal(t, []int64{200}, v.Context.PipelineIDs)

	body := w.notes.body(mr.ID)
	assert.Contains(t, body, "#### New scan findings")
	assert.Contains(t, body, "[Finding fresh](https://git.example.com/acme/app/-/security/findings/5#L12)")
	assert.NotContains(t, body, "Finding old")
}

func TestScanFindingEvaluator_SkipsWithoutSecurityReports(t *testing.T) {
	w := newWorld()
	w.addPolicy(model.ScanResultPolicy{Name: "p", ReportType: model.ReportTypeScanFinding, ApprovalsRequired: 1})
	w.addPipeline(model.Pipeline{ID: 200, Ref: "feature", SHA: "head", MergeRequestID: 1})
	mr := w.addMergeRequest(model.MergeRequest{IID: 1, HeadPipelineID: 200})

	require.NoError(t, w.scanFindingEvaluator().Execute(context.Background(), mr))

	assert.Equal(t, 0, w.violations.commits)
}

func TestNewScanFindingViolations_DeduplicatesAcrossPolicies(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("a uuid referenced by several policies is listed once", prop.ForAll(
		func(policyCount int, shared int, extra []int) bool {
			w := newWorld()
			ctx := context.Background()

			var findings []model.Finding
			for i := 0; i <= 20; i++ {
				findings = append(findings, finding(fmt.Sprintf("u%d", i), model.SeverityHigh, "sast"))
			}
			w.addPipeline(model.Pipeline{ID: 200, Ref: "feature", SHA: "head", CanStoreSecurityReports: true})
			if err := w.findings.ReplacePipelineFindings(ctx, 200, findings); err != nil {
				return false
			}

			var policyIDs []int64
			for i := 0; i < policyCount; i++ {
				p := w.addPolicy(model.ScanResultPolicy{Name: fmt.Sprintf("p%d", i), ReportType: model.ReportTypeScanFinding, ApprovalsRequired: 1})
				policyIDs = append(policyIDs, p.ID)
			}
			mr := w.addMergeRequest(model.MergeRequest{IID: 1, HeadPipelineID: 200})

			ledger := application.NewViolationLedger(w.violations, mr.ID, model.ReportTypeScanFinding)
			want := map[string]bool{fmt.Sprintf("u%d", shared): true}
			for i, id := range policyIDs {
				uuids := []string{fmt.Sprintf("u%d", shared)}
				if i < len(extra) {
					uuids = append(uuids, fmt.Sprintf("u%d", extra[i]))
					want[fmt.Sprintf("u%d", extra[i])] = true
				}
				ledger.AddViolation(id, model.ScanFindingData{NewlyDetected: uuids}, model.ViolationContext{PipelineIDs: []int64{200}})
			}
			if err := ledger.Execute(ctx); err != nil {
				return false
			}

			got, err := w.details.NewScanFindingViolations(ctx, mr, mustEntries(w, mr))
			if err != nil || len(got) != len(want) {
				return false
			}
			seen := make(map[string]bool)
			for _, f := range got {
				if seen[f.UUID] || !want[f.UUID] {
					return false
				}
				seen[f.UUID] = true
			}
			return true
		},
		gen.IntRange(2, 5),
		gen.IntRange(0, 20),
		gen.SliceOf(gen.IntRange(0, 20)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func mustEntries(w *world, mr model.MergeRequest) []application.ViolationEntry {
	entries, err := w.details.Violations(context.Background(), mr)
	if err != nil {
		panic(err)
	}
	return entries
}

func TestPreviousScanFindingViolations(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	p := w.addPolicy(model.ScanResultPolicy{Name: "Known vulns", ReportType: model.ReportTypeScanFinding, ApprovalsRequired: 1})
	w.addPipeline(model.Pipeline{ID: 200, Ref: "feature", SHA: "head", CanStoreSecurityReports: true})
	mr := w.addMergeRequest(model.MergeRequest{IID: 1, HeadPipelineID: 200, ProjectURL: "https://gitlab.example.com/acme/app"})

	require.NoError(t, w.findings.UpsertVulnerabilities(ctx, 1, []model.Finding{finding("known-vuln", model.SeverityHigh, "sast")}))
	// Present on the pipeline only; previously existing uuids resolve against vulnerabilities.
	require.NoError(t, w.findings.ReplacePipelineFindings(ctx, 200, []model.Finding{finding("pipeline-only", model.SeverityCritical, "sast")}))

	ledger := application.NewViolationLedger(w.violations, mr.ID, model.ReportTypeScanFinding)
	ledger.AddViolation(p.ID, model.ScanFindingData{PreviouslyExisting: []string{"purged-vuln", "known-vuln", "pipeline-only"}}, model.ViolationContext{PipelineIDs: []int64{200}})
	require.NoError(t, ledger.Execute(ctx))

	got, err := w.details.PreviousScanFindingViolations(ctx, mr, mustEntries(w, mr))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "known-vuln", got[0].UUID)
	assert.Equal(t, model.SeverityHigh, got[0].Severity)
	assert.Equal(t, "https://gitlab.example.com/acme/app/-/security/findings/10#L12", got[0].Link())

	details, err := w.details.Load(ctx, mr)
	require.NoError(t, err)
	assert.Empty(t, details.NewScanFindings)

	body := application.RenderComment(details)
	assert.Contains(t, body, "#### Previously existing vulnerabilities\n\n"+
		"- **High** · [Finding known-vuln](https://gitlab.example.com/acme/app/-/security/findings/10#L12) in `app/main.go`\n")
	assert.NotContains(t, body, "pipeline-only")
	assert.NotContains(t, body, "purged-vuln")
}

func TestViolations_ReportTypeFromPolicy(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	p := w.addPolicy(model.ScanResultPolicy{Name: "Redefined", ReportType: model.ReportTypeScanFinding, ApprovalsRequired: 1})
	mr := w.addMergeRequest(model.MergeRequest{IID: 1})

	// Row written while the rule was still a license rule.
	require.NoError(t, w.violations.Commit(ctx, model.ViolationBatch{
		MergeRequestID: mr.ID,
		Upserts: []model.Violation{{
			MergeRequestID: mr.ID,
			PolicyID:       p.ID,
			ReportType:     model.ReportTypeLicenseScanning,
			Data:           model.LicenseData{"GPL-3.0-only": {"gpl-lib"}},
		}},
	}))

	entries, err := w.details.Violations(ctx, mr)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ReportTypeScanFinding, entries[0].ReportType)
	assert.Equal(t, "Redefined", entries[0].PolicyName)
	assert.Nil(t, entries[0].Data)
	assert.Empty(t, application.LicenseViolations(entries))
}
