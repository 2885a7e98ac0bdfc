package sqlite

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.FindingStore = (*FindingRepo)(nil)

// FindingRepo is the SQLite implementation of the FindingStore port.
type FindingRepo struct {
	db *DB
}

// NewFindingRepo creates a new FindingRepo backed by the given DB.
func NewFindingRepo(db *DB) *FindingRepo {
	return &FindingRepo{db: db}
}

const (
	securityFindingColumns = `uuid, finding_id, project_id, pipeline_id, severity, name, report_type,
		file, start_line, project_url, '' AS state, dismissed`
	vulnerabilityFindingColumns = `uuid, finding_id, project_id, 0 AS pipeline_id, severity, name, report_type,
		file, start_line, project_url, state, 0 AS dismissed`
)

// ReplacePipelineFindings deletes the pipeline's findings and inserts the
// given ones in a single transaction.
func (r *FindingRepo) ReplacePipelineFindings(ctx context.Context, pipelineID int64, findings []model.Finding) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	if _, err := tx.ExecContext(ctx, `DELETE FROM security_findings WHERE pipeline_id = ?`, pipelineID); err != nil {
		return fmt.Errorf("delete findings of pipeline %d: %w", pipelineID, err)
	}

	const insert = `
		INSERT INTO security_findings (
			pipeline_id, project_id, uuid, finding_id, severity, name, report_type,
			file, start_line, project_url, dismissed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_id, uuid) DO NOTHING
	`
	for _, f := range findings {
		_, err := tx.ExecContext(ctx, insert,
			pipelineID, f.ProjectID, f.UUID, f.FindingID, string(f.Severity), f.Name, f.ReportType,
			f.Location.File, f.Location.StartLine, f.ProjectURL, boolToInt(f.Dismissed),
		)
		if err != nil {
			return fmt.Errorf("insert finding %s: %w", f.UUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit findings of pipeline %d: %w", pipelineID, err)
	}

	return nil
}

// UpsertVulnerabilities inserts or updates the project's vulnerability
// findings keyed by uuid.
func (r *FindingRepo) UpsertVulnerabilities(ctx context.Context, projectID int64, findings []model.Finding) error {
	const upsert = `
		INSERT INTO vulnerability_findings (
			project_id, uuid, finding_id, severity, name, report_type, file, start_line, project_url, state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, uuid) DO UPDATE SET
			finding_id = excluded.finding_id,
			severity = excluded.severity,
			name = excluded.name,
			report_type = excluded.report_type,
			file = excluded.file,
			start_line = excluded.start_line,
			project_url = excluded.project_url,
			state = excluded.state
	`

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	for _, f := range findings {
		_, err := tx.ExecContext(ctx, upsert,
			projectID, f.UUID, f.FindingID, string(f.Severity), f.Name, f.ReportType,
			f.Location.File, f.Location.StartLine, f.ProjectURL, string(f.State),
		)
		if err != nil {
			return fmt.Errorf("upsert vulnerability %s: %w", f.UUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vulnerabilities of project %d: %w", projectID, err)
	}

	return nil
}

// ListPipelineFindings returns the pipeline's findings ordered by insertion.
func (r *FindingRepo) ListPipelineFindings(ctx context.Context, pipelineID int64) ([]model.Finding, error) {
	query := `SELECT ` + securityFindingColumns + ` FROM security_findings WHERE pipeline_id = ? ORDER BY id`
	return r.queryFindings(ctx, query, pipelineID)
}

// ListVulnerabilities returns the project's vulnerability findings ordered by insertion.
func (r *FindingRepo) ListVulnerabilities(ctx context.Context, projectID int64) ([]model.Finding, error) {
	query := `SELECT ` + vulnerabilityFindingColumns + ` FROM vulnerability_findings WHERE project_id = ? ORDER BY id`
	return r.queryFindings(ctx, query, projectID)
}

// SecurityFindingsByUUIDs resolves uuids within the given pipelines.
func (r *FindingRepo) SecurityFindingsByUUIDs(ctx context.Context, pipelineIDs []int64, uuids []string) ([]model.Finding, error) {
	if len(pipelineIDs) == 0 || len(uuids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(pipelineIDs)+len(uuids))
	for _, id := range pipelineIDs {
		args = append(args, id)
	}
	for _, u := range uuids {
		args = append(args, u)
	}
	query := `SELECT ` + securityFindingColumns + ` FROM security_findings
		WHERE pipeline_id IN (` + placeholders(len(pipelineIDs)) + `)
		  AND uuid IN (` + placeholders(len(uuids)) + `)
		ORDER BY id`

	return r.queryFindings(ctx, query, args...)
}

// VulnerabilityFindingsByUUIDs resolves uuids within the project's vulnerabilities.
func (r *FindingRepo) VulnerabilityFindingsByUUIDs(ctx context.Context, projectID int64, uuids []string) ([]model.Finding, error) {
	if len(uuids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(uuids)+1)
	args = append(args, projectID)
	for _, u := range uuids {
		args = append(args, u)
	}
	query := `SELECT ` + vulnerabilityFindingColumns + ` FROM vulnerability_findings
		WHERE project_id = ? AND uuid IN (` + placeholders(len(uuids)) + `)
		ORDER BY id`

	return r.queryFindings(ctx, query, args...)
}

func (r *FindingRepo) queryFindings(ctx context.Context, query string, args ...any) ([]model.Finding, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var findings []model.Finding
	for rows.Next() {
		var f model.Finding
		var severity, state string
		var dismissed int
		err := rows.Scan(
			&f.UUID, &f.FindingID, &f.ProjectID, &f.PipelineID, &severity, &f.Name, &f.ReportType,
			&f.Location.File, &f.Location.StartLine, &f.ProjectURL, &state, &dismissed,
		)
		if err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.Severity = model.Severity(severity)
		f.State = model.VulnerabilityState(state)
		f.Dismissed = dismissed != 0
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate findings: %w", err)
	}

	return findings, nil
}
