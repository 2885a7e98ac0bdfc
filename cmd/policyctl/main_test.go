package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/policygate/internal/application"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

const testPolicy = `
approval_policy:
  - name: Deny GPL
    rules:
      - type: license_finding
        branches: [main]
        match_on_inclusion_license: true
        license_types: [GPL-3.0-only]
        license_states: [newly_detected]
    actions:
      - type: require_approval
        approvals_required: 1
  - name: Signed commits
    rules:
      - type: any_merge_request
        commits: unsigned
`

const headSBOM = `{
  "bomFormat": "CycloneDX",
  "specVersion": "1.5",
  "components": [
    {"type": "library", "name": "lodash", "licenses": [{"license": {"id": "MIT"}}]},
    {"type": "library", "name": "gpl-lib", "licenses": [{"license": {"id": "GPL-3.0-only"}}]}
  ]
}`

const baseSBOM = `{
  "bomFormat": "CycloneDX",
  "specVersion": "1.5",
  "components": [
    {"type": "library", "name": "lodash", "licenses": [{"license": {"id": "MIT"}}]}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	out, err := runCommand(t, "validate", writeFile(t, "policy.yml", testPolicy))

	require.NoError(t, err)
	assert.Contains(t, out, "Deny GPL\trule 0\tlicense_scanning\tapprovals=1")
	assert.Contains(t, out, "2 rules valid")
}

func TestValidate_Invalid(t *testing.T) {
	_, err := runCommand(t, "validate", writeFile(t, "policy.yml", "approval_policy:\n  - name: x\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one rule is required")
}

func TestLicenses_Violated(t *testing.T) {
	policy := writeFile(t, "policy.yml", testPolicy)
	head := writeFile(t, "head.json", headSBOM)
	base := writeFile(t, "base.json", baseSBOM)

	out, err := runCommand(t, "licenses", "--policy", policy, "--head", head, "--base", base)

	require.NoError(t, err)
	assert.Equal(t, "block\tDeny GPL\n\nGPL-3.0-only: gpl-lib\n", out)
}

func TestLicenses_FailAndComment(t *testing.T) {
	policy := writeFile(t, "policy.yml", testPolicy)
	head := writeFile(t, "head.json", headSBOM)

	out, err := runCommand(t, "licenses", "--policy", policy, "--head", head, "--comment", "--fail")

	require.ErrorIs(t, err, errViolations)
	assert.Contains(t, out, driven.NoteMarker)
	assert.Contains(t, out, application.TitleBlocking)
	assert.Contains(t, out, "gpl-lib")
}

func TestLicenses_OtherBranch(t *testing.T) {
	policy := writeFile(t, "policy.yml", testPolicy)
	head := writeFile(t, "head.json", headSBOM)

	out, err := runCommand(t, "licenses", "--policy", policy, "--head", head, "--branch", "release", "--fail")

	require.NoError(t, err)
	assert.Equal(t, "no license policy violated\n", out)
}

func TestLicenses_MissingHead(t *testing.T) {
	policy := writeFile(t, "policy.yml", testPolicy)

	_, err := runCommand(t, "licenses", "--policy", policy, "--head", filepath.Join(t.TempDir(), "missing.json"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "open sbom")
}
