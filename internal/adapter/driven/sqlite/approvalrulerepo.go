package sqlite

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ApprovalRuleStore = (*ApprovalRuleRepo)(nil)

// ApprovalRuleRepo is the SQLite implementation of the ApprovalRuleStore port.
// approvals_required is written by ViolationRepo.Commit.
type ApprovalRuleRepo struct {
	db *DB
}

// NewApprovalRuleRepo creates a new ApprovalRuleRepo backed by the given DB.
func NewApprovalRuleRepo(db *DB) *ApprovalRuleRepo {
	return &ApprovalRuleRepo{db: db}
}

// ListByMergeRequest returns the merge request's rules ordered by ID with
// their policy loaded. The report type is taken from the policy.
func (r *ApprovalRuleRepo) ListByMergeRequest(ctx context.Context, mergeRequestID int64) ([]model.ApprovalRule, error) {
	const query = `
		SELECT r.id, r.merge_request_id, r.scan_result_policy_id, r.name, r.approvals_required,
		       p.id, p.project_id, p.name, p.rule_index, p.report_type, p.fail_open, p.send_bot_message,
		       p.approvals_required, p.approvers, p.branches, p.match_on_inclusion_license, p.license_states,
		       p.license_types, p.scanners, p.severity_levels, p.vulnerability_states, p.vulnerabilities_allowed, p.commits
		FROM approval_rules r
		JOIN scan_result_policies p ON p.id = r.scan_result_policy_id
		WHERE r.merge_request_id = ?
		ORDER BY r.id
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, mergeRequestID)
	if err != nil {
		return nil, fmt.Errorf("list approval rules of merge request %d: %w", mergeRequestID, err)
	}
	defer rows.Close()

	var rules []model.ApprovalRule
	for rows.Next() {
		var rule model.ApprovalRule
		policy, err := scanPolicy(joinedScanner{
			s:    rows,
			head: []any{&rule.ID, &rule.MergeRequestID, &rule.PolicyID, &rule.Name, &rule.ApprovalsRequired},
		})
		if err != nil {
			return nil, fmt.Errorf("scan approval rule: %w", err)
		}
		rule.Policy = *policy
		rule.ReportType = policy.ReportType
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval rules: %w", err)
	}

	return rules, nil
}

// SyncForMergeRequest makes the merge request carry exactly one rule per
// given policy. New rules start with the policy's configured approvals and
// existing ones keep theirs. Rules of other policies are removed together
// with their violations.
func (r *ApprovalRuleRepo) SyncForMergeRequest(ctx context.Context, mergeRequestID int64, policies []model.ScanResultPolicy) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	args := make([]any, 0, len(policies)+1)
	args = append(args, mergeRequestID)
	for _, p := range policies {
		args = append(args, p.ID)
	}
	notKept := ""
	if len(policies) > 0 {
		notKept = ` AND scan_result_policy_id NOT IN (` + placeholders(len(policies)) + `)`
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM approval_rules WHERE merge_request_id = ?`+notKept, args...); err != nil {
		return fmt.Errorf("delete stale approval rules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM violations WHERE merge_request_id = ?`+notKept, args...); err != nil {
		return fmt.Errorf("delete violations of stale approval rules: %w", err)
	}

	const upsert = `
		INSERT INTO approval_rules (merge_request_id, scan_result_policy_id, name, report_type, approvals_required)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(merge_request_id, scan_result_policy_id) DO UPDATE SET
			name = excluded.name,
			report_type = excluded.report_type
	`
	for _, p := range policies {
		if _, err := tx.ExecContext(ctx, upsert, mergeRequestID, p.ID, p.Name, string(p.ReportType), p.ApprovalsRequired); err != nil {
			return fmt.Errorf("upsert approval rule for policy %d: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit approval rules of merge request %d: %w", mergeRequestID, err)
	}

	return nil
}

// joinedScanner scans a row whose leading columns go to head and whose
// remaining columns go to the caller's destinations.
type joinedScanner struct {
	s    scanner
	head []any
}

func (j joinedScanner) Scan(dest ...any) error {
	return j.s.Scan(append(j.head, dest...)...)
}
