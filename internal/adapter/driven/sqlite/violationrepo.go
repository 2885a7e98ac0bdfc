package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ViolationStore = (*ViolationRepo)(nil)

// ViolationRepo is the SQLite implementation of the ViolationStore port.
type ViolationRepo struct {
	db  *DB
	now func() time.Time
}

// NewViolationRepo creates a new ViolationRepo backed by the given DB.
func NewViolationRepo(db *DB) *ViolationRepo {
	return &ViolationRepo{db: db, now: time.Now}
}

// Commit writes the batch in one transaction. Upserts are keyed by
// (merge_request_id, scan_result_policy_id); rule updates only touch rules of
// the batch's merge request.
func (r *ViolationRepo) Commit(ctx context.Context, batch model.ViolationBatch) error {
	const upsert = `
		INSERT INTO violations (
			merge_request_id, scan_result_policy_id, report_type, violation_data, context, error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(merge_request_id, scan_result_policy_id) DO UPDATE SET
			report_type = excluded.report_type,
			violation_data = excluded.violation_data,
			context = excluded.context,
			error = excluded.error,
			updated_at = excluded.updated_at
	`
	const clear = `DELETE FROM violations WHERE merge_request_id = ? AND scan_result_policy_id = ?`
	const updateRule = `UPDATE approval_rules SET approvals_required = ? WHERE id = ? AND merge_request_id = ?`

	if batch.Empty() {
		return nil
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	now := r.now().UTC()
	for _, v := range batch.Upserts {
		data := []byte("{}")
		if v.Error == model.ErrorNone {
			if data, err = model.MarshalViolationData(v.Data); err != nil {
				return fmt.Errorf("encode violation of policy %d: %w", v.PolicyID, err)
			}
		}
		vctx, err := json.Marshal(v.Context)
		if err != nil {
			return fmt.Errorf("encode violation context of policy %d: %w", v.PolicyID, err)
		}

		_, err = tx.ExecContext(ctx, upsert,
			batch.MergeRequestID, v.PolicyID, string(v.ReportType), string(data), string(vctx), string(v.Error), now,
		)
		if err != nil {
			return fmt.Errorf("upsert violation of policy %d: %w", v.PolicyID, err)
		}
	}

	for _, policyID := range batch.ClearedPolicyIDs {
		if _, err := tx.ExecContext(ctx, clear, batch.MergeRequestID, policyID); err != nil {
			return fmt.Errorf("clear violation of policy %d: %w", policyID, err)
		}
	}

	for _, u := range batch.RuleUpdates {
		if _, err := tx.ExecContext(ctx, updateRule, u.ApprovalsRequired, u.RuleID, batch.MergeRequestID); err != nil {
			return fmt.Errorf("update approval rule %d: %w", u.RuleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit violations of merge request %d: %w", batch.MergeRequestID, err)
	}

	return nil
}

// ListByMergeRequest returns all violations of the merge request ordered by policy ID.
func (r *ViolationRepo) ListByMergeRequest(ctx context.Context, mergeRequestID int64) ([]model.Violation, error) {
	const query = `
		SELECT id, merge_request_id, scan_result_policy_id, report_type, violation_data, context, error, updated_at
		FROM violations
		WHERE merge_request_id = ?
		ORDER BY scan_result_policy_id
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, mergeRequestID)
	if err != nil {
		return nil, fmt.Errorf("list violations of merge request %d: %w", mergeRequestID, err)
	}
	defer rows.Close()

	var violations []model.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		violations = append(violations, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}

	return violations, nil
}

// DeleteByMergeRequest removes every violation of the merge request.
func (r *ViolationRepo) DeleteByMergeRequest(ctx context.Context, mergeRequestID int64) error {
	const query = `DELETE FROM violations WHERE merge_request_id = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, mergeRequestID); err != nil {
		return fmt.Errorf("delete violations of merge request %d: %w", mergeRequestID, err)
	}

	return nil
}

func scanViolation(s scanner) (*model.Violation, error) {
	var v model.Violation
	var reportType, data, vctx, violationErr, updatedAt string

	err := s.Scan(&v.ID, &v.MergeRequestID, &v.PolicyID, &reportType, &data, &vctx, &violationErr, &updatedAt)
	if err != nil {
		return nil, err
	}

	if v.ReportType, err = model.ParseReportType(reportType); err != nil {
		return nil, err
	}
	v.Error = model.ViolationError(violationErr)

	if v.Data, err = model.UnmarshalViolationData([]byte(data)); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(vctx), &v.Context); err != nil {
		return nil, fmt.Errorf("decode violation context: %w", err)
	}

	v.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &v, nil
}
