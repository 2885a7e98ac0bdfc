package application_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/policygate/internal/application"
	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/policyconfig"
)

func TestPolicyService_Apply(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	onMain := w.addMergeRequest(model.MergeRequest{IID: 1, TargetBranch: "main"})
	onDevelop := w.addMergeRequest(model.MergeRequest{IID: 2, TargetBranch: "develop"})

	doc, err := policyconfig.Parse([]byte(`
approval_policy:
  - name: Licenses
    rules:
      - type: license_finding
        branches: [main]
        license_types: [MIT]
    actions:
      - type: require_approval
        approvals_required: 2
  - name: Everything
    rules:
      - type: any_merge_request
`))
	require.NoError(t, err)

	svc := application.NewPolicyService(w.policies, w.mrs, w.rules)
	stored, err := svc.Apply(ctx, 1, doc)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	entries, err := w.policies.ListLicensePolicies(ctx, 1, stored[0].ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "MIT", entries[0].SPDXIdentifier)

	mainRules, err := w.rules.ListByMergeRequest(ctx, onMain.ID)
	require.NoError(t, err)
	require.Len(t, mainRules, 2)
	assert.Equal(t, 2, mainRules[0].ApprovalsRequired)

	developRules, err := w.rules.ListByMergeRequest(ctx, onDevelop.ID)
	require.NoError(t, err)
	require.Len(t, developRules, 1, "branch-scoped policy gets no rule on other branches")
	assert.Equal(t, model.ReportTypeAnyMergeRequest, developRules[0].ReportType)
}

func TestPolicyService_ApplyRemovesStaleRules(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	w.addPolicy(model.ScanResultPolicy{Name: "old", ReportType: model.ReportTypeScanFinding, ApprovalsRequired: 1})
	mr := w.addMergeRequest(model.MergeRequest{IID: 1})

	doc, err := policyconfig.Parse([]byte("approval_policy:\n  - name: new\n    rules:\n      - type: any_merge_request\n"))
	require.NoError(t, err)

	_, err = application.NewPolicyService(w.policies, w.mrs, w.rules).Apply(ctx, 1, doc)
	require.NoError(t, err)

	rules, err := w.rules.ListByMergeRequest(ctx, mr.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "new", rules[0].Name)
}
