package sqlite

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.LicenseReportStore = (*LicenseReportRepo)(nil)

// LicenseReportRepo is the SQLite implementation of the LicenseReportStore port.
type LicenseReportRepo struct {
	db *DB
}

// NewLicenseReportRepo creates a new LicenseReportRepo backed by the given DB.
func NewLicenseReportRepo(db *DB) *LicenseReportRepo {
	return &LicenseReportRepo{db: db}
}

// SaveLicenseReport replaces the report stored for report.PipelineID. Saving
// a report marks it available even when it lists no licenses.
func (r *LicenseReportRepo) SaveLicenseReport(ctx context.Context, report model.LicenseReport) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	if _, err := tx.ExecContext(ctx, `DELETE FROM license_reports WHERE pipeline_id = ?`, report.PipelineID); err != nil {
		return fmt.Errorf("delete license report of pipeline %d: %w", report.PipelineID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO license_reports (pipeline_id) VALUES (?)`, report.PipelineID); err != nil {
		return fmt.Errorf("insert license report of pipeline %d: %w", report.PipelineID, err)
	}

	const insertLicense = `INSERT INTO license_report_licenses (pipeline_id, position, spdx_id, name) VALUES (?, ?, ?, ?) RETURNING id`
	const insertDependency = `INSERT INTO license_report_dependencies (license_id, position, name, purl) VALUES (?, ?, ?, ?)`
	for i, l := range report.Licenses {
		var licenseID int64
		if err := tx.QueryRowContext(ctx, insertLicense, report.PipelineID, i, l.ID, l.Name).Scan(&licenseID); err != nil {
			return fmt.Errorf("insert license %s: %w", l.DisplayName(), err)
		}
		for j, d := range l.Dependencies {
			if _, err := tx.ExecContext(ctx, insertDependency, licenseID, j, d.Name, d.PURL); err != nil {
				return fmt.Errorf("insert dependency %s of %s: %w", d.Name, l.DisplayName(), err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit license report of pipeline %d: %w", report.PipelineID, err)
	}

	return nil
}

// LicenseReport returns the pipeline's report. A pipeline without a stored
// report yields Available == false.
func (r *LicenseReportRepo) LicenseReport(ctx context.Context, pipelineID int64) (model.LicenseReport, error) {
	report := model.LicenseReport{PipelineID: pipelineID}

	var exists int
	err := r.db.Reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM license_reports WHERE pipeline_id = ?`, pipelineID).Scan(&exists)
	if err != nil {
		return report, fmt.Errorf("check license report of pipeline %d: %w", pipelineID, err)
	}
	if exists == 0 {
		return report, nil
	}
	report.Available = true

	const query = `
		SELECT l.id, l.spdx_id, l.name, COALESCE(d.name, ''), COALESCE(d.purl, '')
		FROM license_report_licenses l
		LEFT JOIN license_report_dependencies d ON d.license_id = l.id
		WHERE l.pipeline_id = ?
		ORDER BY l.position, d.position
	`
	rows, err := r.db.Reader.QueryContext(ctx, query, pipelineID)
	if err != nil {
		return report, fmt.Errorf("query license report of pipeline %d: %w", pipelineID, err)
	}
	defer rows.Close()

	lastID := int64(-1)
	for rows.Next() {
		var id int64
		var l model.License
		var dep model.Dependency
		if err := rows.Scan(&id, &l.ID, &l.Name, &dep.Name, &dep.PURL); err != nil {
			return report, fmt.Errorf("scan license: %w", err)
		}
		if id != lastID {
			report.Licenses = append(report.Licenses, l)
			lastID = id
		}
		if dep.Name != "" {
			last := &report.Licenses[len(report.Licenses)-1]
			last.Dependencies = append(last.Dependencies, dep)
		}
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("iterate licenses: %w", err)
	}

	return report, nil
}
