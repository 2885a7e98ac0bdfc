package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PolicyStore = (*PolicyRepo)(nil)

// PolicyRepo is the SQLite implementation of the PolicyStore port.
type PolicyRepo struct {
	db *DB
}

// NewPolicyRepo creates a new PolicyRepo backed by the given DB.
func NewPolicyRepo(db *DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

const policyColumns = `id, project_id, name, rule_index, report_type, fail_open, send_bot_message,
	approvals_required, approvers, branches, match_on_inclusion_license, license_states,
	license_types, scanners, severity_levels, vulnerability_states, vulnerabilities_allowed, commits`

// ReplaceProjectPolicies upserts the policies by (project_id, name,
// rule_index) so unchanged rules keep their IDs, deletes the project's other
// policies and rewrites the license entries. Approval rules and violations of
// deleted policies go with them.
func (r *PolicyRepo) ReplaceProjectPolicies(
	ctx context.Context,
	projectID int64,
	policies []model.ScanResultPolicy,
	licenses map[int][]model.SoftwareLicensePolicy,
) ([]model.ScanResultPolicy, error) {
	const upsert = `
		INSERT INTO scan_result_policies (
			project_id, name, rule_index, report_type, fail_open, send_bot_message,
			approvals_required, approvers, branches, match_on_inclusion_license, license_states,
			license_types, scanners, severity_levels, vulnerability_states, vulnerabilities_allowed, commits
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, name, rule_index) DO UPDATE SET
			report_type = excluded.report_type,
			fail_open = excluded.fail_open,
			send_bot_message = excluded.send_bot_message,
			approvals_required = excluded.approvals_required,
			approvers = excluded.approvers,
			branches = excluded.branches,
			match_on_inclusion_license = excluded.match_on_inclusion_license,
			license_states = excluded.license_states,
			license_types = excluded.license_types,
			scanners = excluded.scanners,
			severity_levels = excluded.severity_levels,
			vulnerability_states = excluded.vulnerability_states,
			vulnerabilities_allowed = excluded.vulnerabilities_allowed,
			commits = excluded.commits
		RETURNING id
	`

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	stored := make([]model.ScanResultPolicy, 0, len(policies))
	for _, p := range policies {
		p.ProjectID = projectID
		args, err := policyArgs(p)
		if err != nil {
			return nil, fmt.Errorf("encode policy %q: %w", p.Name, err)
		}
		if err := tx.QueryRowContext(ctx, upsert, args...).Scan(&p.ID); err != nil {
			return nil, fmt.Errorf("upsert policy %q rule %d: %w", p.Name, p.RuleIndex, err)
		}
		stored = append(stored, p)
	}

	keep := make([]any, 0, len(stored)+1)
	keep = append(keep, projectID)
	for _, p := range stored {
		keep = append(keep, p.ID)
	}
	deleteQuery := `DELETE FROM scan_result_policies WHERE project_id = ?`
	if len(stored) > 0 {
		deleteQuery += ` AND id NOT IN (` + placeholders(len(stored)) + `)`
	}
	if _, err := tx.ExecContext(ctx, deleteQuery, keep...); err != nil {
		return nil, fmt.Errorf("delete removed policies of project %d: %w", projectID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM software_license_policies WHERE project_id = ?`, projectID); err != nil {
		return nil, fmt.Errorf("delete license policies of project %d: %w", projectID, err)
	}

	const insertLicense = `
		INSERT INTO software_license_policies (project_id, scan_result_policy_id, spdx_identifier, name, approval_status)
		VALUES (?, ?, ?, ?, ?)
	`
	for i, p := range stored {
		for _, l := range licenses[i] {
			_, err := tx.ExecContext(ctx, insertLicense, projectID, p.ID, l.SPDXIdentifier, l.Name, string(l.ApprovalStatus))
			if err != nil {
				return nil, fmt.Errorf("insert license policy %q: %w", l.Key(), err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit policies of project %d: %w", projectID, err)
	}

	return stored, nil
}

// ListByProject returns the project's policies ordered by ID.
func (r *PolicyRepo) ListByProject(ctx context.Context, projectID int64) ([]model.ScanResultPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM scan_result_policies WHERE project_id = ? ORDER BY id`

	rows, err := r.db.Reader.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list policies of project %d: %w", projectID, err)
	}
	defer rows.Close()

	var policies []model.ScanResultPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		policies = append(policies, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}

	return policies, nil
}

// Get returns driven.ErrPolicyNotFound if the policy does not exist.
func (r *PolicyRepo) Get(ctx context.Context, id int64) (*model.ScanResultPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM scan_result_policies WHERE id = ?`

	p, err := scanPolicy(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get policy %d: %w", id, err)
	}

	return p, nil
}

// ListLicensePolicies returns the license entries of one policy ordered by ID.
func (r *PolicyRepo) ListLicensePolicies(ctx context.Context, projectID, policyID int64) ([]model.SoftwareLicensePolicy, error) {
	const query = `
		SELECT id, project_id, scan_result_policy_id, spdx_identifier, name, approval_status
		FROM software_license_policies
		WHERE project_id = ? AND scan_result_policy_id = ?
		ORDER BY id
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, projectID, policyID)
	if err != nil {
		return nil, fmt.Errorf("list license policies of policy %d: %w", policyID, err)
	}
	defer rows.Close()

	var entries []model.SoftwareLicensePolicy
	for rows.Next() {
		var e model.SoftwareLicensePolicy
		var status string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.ScanResultPolicyID, &e.SPDXIdentifier, &e.Name, &status); err != nil {
			return nil, fmt.Errorf("scan license policy: %w", err)
		}
		e.ApprovalStatus = model.LicenseApprovalStatus(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate license policies: %w", err)
	}

	return entries, nil
}

func policyArgs(p model.ScanResultPolicy) ([]any, error) {
	var err error
	args := []any{
		p.ProjectID, p.Name, p.RuleIndex, string(p.ReportType), boolToInt(p.FailOpen), boolToInt(p.SendBotMessage),
		p.ApprovalsRequired, encodeList(p.Approvers, &err), encodeList(p.Branches, &err),
		boolToInt(p.MatchOnInclusionLicense), encodeList(p.LicenseStates, &err),
		encodeList(p.LicenseTypes, &err), encodeList(p.Scanners, &err), encodeList(p.SeverityLevels, &err),
		encodeList(p.VulnerabilityStates, &err), p.VulnerabilitiesAllowed, string(p.Commits),
	}
	if err != nil {
		return nil, err
	}
	return args, nil
}

// encodeList is marshalList for argument lists; the first error sticks in errp.
func encodeList[T ~string](values []T, errp *error) string {
	s, err := marshalList(values)
	if err != nil && *errp == nil {
		*errp = err
	}
	return s
}

func scanPolicy(s scanner) (*model.ScanResultPolicy, error) {
	var p model.ScanResultPolicy
	var reportType, commits string
	var failOpen, botMessage, inclusion int
	var approvers, branches, licenseStates, licenseTypes, scanners, severities, vulnStates string

	err := s.Scan(
		&p.ID, &p.ProjectID, &p.Name, &p.RuleIndex, &reportType, &failOpen, &botMessage,
		&p.ApprovalsRequired, &approvers, &branches, &inclusion, &licenseStates,
		&licenseTypes, &scanners, &severities, &vulnStates, &p.VulnerabilitiesAllowed, &commits,
	)
	if err != nil {
		return nil, err
	}

	if p.ReportType, err = model.ParseReportType(reportType); err != nil {
		return nil, err
	}
	p.FailOpen = failOpen != 0
	p.SendBotMessage = botMessage != 0
	p.MatchOnInclusionLicense = inclusion != 0
	p.Commits = model.CommitsType(commits)

	if p.Approvers, err = unmarshalList[string](approvers); err != nil {
		return nil, fmt.Errorf("decode approvers: %w", err)
	}
	if p.Branches, err = unmarshalList[string](branches); err != nil {
		return nil, fmt.Errorf("decode branches: %w", err)
	}
	if p.LicenseStates, err = unmarshalList[model.LicenseState](licenseStates); err != nil {
		return nil, fmt.Errorf("decode license_states: %w", err)
	}
	if p.LicenseTypes, err = unmarshalList[string](licenseTypes); err != nil {
		return nil, fmt.Errorf("decode license_types: %w", err)
	}
	if p.Scanners, err = unmarshalList[string](scanners); err != nil {
		return nil, fmt.Errorf("decode scanners: %w", err)
	}
	if p.SeverityLevels, err = unmarshalList[model.Severity](severities); err != nil {
		return nil, fmt.Errorf("decode severity_levels: %w", err)
	}
	if p.VulnerabilityStates, err = unmarshalList[model.VulnerabilityState](vulnStates); err != nil {
		return nil, fmt.Errorf("decode vulnerability_states: %w", err)
	}

	return &p, nil
}
