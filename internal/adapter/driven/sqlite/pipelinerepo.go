package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PipelineStore = (*PipelineRepo)(nil)

// PipelineRepo is the SQLite implementation of the PipelineStore port.
type PipelineRepo struct {
	db *DB
}

// NewPipelineRepo creates a new PipelineRepo backed by the given DB.
func NewPipelineRepo(db *DB) *PipelineRepo {
	return &PipelineRepo{db: db}
}

const pipelineColumns = `id, project_id, merge_request_id, ref, sha, source, status,
	can_store_security_reports, can_ingest_sbom_reports, created_at`

// Upsert inserts or replaces the pipeline keyed by its forge ID.
func (r *PipelineRepo) Upsert(ctx context.Context, p model.Pipeline) error {
	const query = `
		INSERT INTO pipelines (
			id, project_id, merge_request_id, ref, sha, source, status,
			can_store_security_reports, can_ingest_sbom_reports, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			merge_request_id = excluded.merge_request_id,
			ref = excluded.ref,
			sha = excluded.sha,
			source = excluded.source,
			status = excluded.status,
			can_store_security_reports = excluded.can_store_security_reports,
			can_ingest_sbom_reports = excluded.can_ingest_sbom_reports
	`

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		p.ID, p.ProjectID, p.MergeRequestID, p.Ref, p.SHA, string(p.Source), p.Status,
		boolToInt(p.CanStoreSecurityReports), boolToInt(p.CanIngestSBOMReports), createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert pipeline %d: %w", p.ID, err)
	}

	return nil
}

// Get returns driven.ErrPipelineNotFound if the pipeline does not exist.
func (r *PipelineRepo) Get(ctx context.Context, id int64) (*model.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE id = ?`

	p, err := scanPipeline(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %d: %w", id, err)
	}

	return p, nil
}

// ListRelated returns the pipelines that ran for the head pipeline's SHA with
// one of the given sources, newest first. A merge request without a stored
// head pipeline has no related pipelines.
func (r *PipelineRepo) ListRelated(ctx context.Context, mr model.MergeRequest, sources []model.PipelineSource) ([]model.Pipeline, error) {
	if mr.HeadPipelineID == 0 || len(sources) == 0 {
		return nil, nil
	}

	head, err := r.Get(ctx, mr.HeadPipelineID)
	if errors.Is(err, driven.ErrPipelineNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	args := []any{head.ProjectID, head.SHA}
	for _, s := range sources {
		args = append(args, string(s))
	}
	query := `SELECT ` + pipelineColumns + ` FROM pipelines
		WHERE project_id = ? AND sha = ? AND source IN (` + placeholders(len(sources)) + `)
		ORDER BY id DESC`

	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query related pipelines of merge request %d: %w", mr.ID, err)
	}
	defer rows.Close()

	var pipelines []model.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		pipelines = append(pipelines, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipelines: %w", err)
	}

	return pipelines, nil
}

// LatestForRef returns the newest branch pipeline for the ref, or nil if
// there is none. Merge request pipelines are ignored.
func (r *PipelineRepo) LatestForRef(ctx context.Context, projectID int64, ref string) (*model.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines
		WHERE project_id = ? AND ref = ? AND merge_request_id = 0
		ORDER BY id DESC LIMIT 1`

	p, err := scanPipeline(r.db.Reader.QueryRowContext(ctx, query, projectID, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest pipeline for %s: %w", ref, err)
	}

	return p, nil
}

func scanPipeline(s scanner) (*model.Pipeline, error) {
	var p model.Pipeline
	var source, createdAt string
	var canStore, canIngest int

	err := s.Scan(
		&p.ID, &p.ProjectID, &p.MergeRequestID, &p.Ref, &p.SHA, &source, &p.Status,
		&canStore, &canIngest, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	p.Source = model.PipelineSource(source)
	p.CanStoreSecurityReports = canStore != 0
	p.CanIngestSBOMReports = canIngest != 0
	p.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &p, nil
}
