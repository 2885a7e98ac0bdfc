package driven

import (
	"context"

	"github.com/ericfisherdev/policygate/internal/domain/model"
)

// LicenseReportStore defines the driven port for pipeline license reports.
type LicenseReportStore interface {
	// SaveLicenseReport replaces the report stored for report.PipelineID.
	SaveLicenseReport(ctx context.Context, report model.LicenseReport) error
	// LicenseReport returns the pipeline's report. A pipeline without a stored
	// report yields a report with Available == false, not an error.
	LicenseReport(ctx context.Context, pipelineID int64) (model.LicenseReport, error)
}
