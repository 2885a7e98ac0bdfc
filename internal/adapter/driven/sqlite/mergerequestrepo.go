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
var _ driven.MergeRequestStore = (*MergeRequestRepo)(nil)

// MergeRequestRepo is the SQLite implementation of the MergeRequestStore port.
type MergeRequestRepo struct {
	db *DB
}

// NewMergeRequestRepo creates a new MergeRequestRepo backed by the given DB.
func NewMergeRequestRepo(db *DB) *MergeRequestRepo {
	return &MergeRequestRepo{db: db}
}

const mergeRequestColumns = `id, project_id, project_path, project_url, iid, title, source_branch,
	target_branch, state, head_pipeline_id, updated_at`

// Upsert inserts or updates the merge request keyed by (project_id, iid) and
// replaces its commits in the same transaction.
func (r *MergeRequestRepo) Upsert(ctx context.Context, mr model.MergeRequest) (int64, error) {
	const upsert = `
		INSERT INTO merge_requests (
			project_id, project_path, project_url, iid, title, source_branch,
			target_branch, state, head_pipeline_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, iid) DO UPDATE SET
			project_path = excluded.project_path,
			project_url = excluded.project_url,
			title = excluded.title,
			source_branch = excluded.source_branch,
			target_branch = excluded.target_branch,
			state = excluded.state,
			head_pipeline_id = excluded.head_pipeline_id,
			updated_at = excluded.updated_at
		RETURNING id
	`

	state := mr.State
	if state == "" {
		state = model.MergeRequestOpen
	}
	updatedAt := mr.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	var id int64
	err = tx.QueryRowContext(ctx, upsert,
		mr.ProjectID, mr.ProjectPath, mr.ProjectURL, mr.IID, mr.Title, mr.SourceBranch,
		mr.TargetBranch, string(state), mr.HeadPipelineID, updatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert merge request %d!%d: %w", mr.ProjectID, mr.IID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM merge_request_commits WHERE merge_request_id = ?`, id); err != nil {
		return 0, fmt.Errorf("delete commits of merge request %d: %w", id, err)
	}

	const insertCommit = `INSERT INTO merge_request_commits (merge_request_id, position, sha, signed) VALUES (?, ?, ?, ?)`
	for i, c := range mr.Commits {
		if _, err := tx.ExecContext(ctx, insertCommit, id, i, c.SHA, boolToInt(c.Signed)); err != nil {
			return 0, fmt.Errorf("insert commit %s: %w", c.SHA, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit merge request %d: %w", id, err)
	}

	return id, nil
}

// Get returns driven.ErrMergeRequestNotFound if the merge request does not exist.
func (r *MergeRequestRepo) Get(ctx context.Context, id int64) (*model.MergeRequest, error) {
	query := `SELECT ` + mergeRequestColumns + ` FROM merge_requests WHERE id = ?`
	return r.getOne(ctx, query, id)
}

// GetByIID returns the merge request with the given number in the project.
func (r *MergeRequestRepo) GetByIID(ctx context.Context, projectID int64, iid int) (*model.MergeRequest, error) {
	query := `SELECT ` + mergeRequestColumns + ` FROM merge_requests WHERE project_id = ? AND iid = ?`
	return r.getOne(ctx, query, projectID, iid)
}

// ListOpenByHeadPipeline returns open merge requests whose head pipeline is pipelineID.
func (r *MergeRequestRepo) ListOpenByHeadPipeline(ctx context.Context, pipelineID int64) ([]model.MergeRequest, error) {
	query := `SELECT ` + mergeRequestColumns + ` FROM merge_requests
		WHERE state = 'open' AND head_pipeline_id = ? ORDER BY id`
	return r.queryMergeRequests(ctx, query, pipelineID)
}

// ListOpenByProject returns the project's open merge requests ordered by ID.
func (r *MergeRequestRepo) ListOpenByProject(ctx context.Context, projectID int64) ([]model.MergeRequest, error) {
	query := `SELECT ` + mergeRequestColumns + ` FROM merge_requests
		WHERE state = 'open' AND project_id = ? ORDER BY id`
	return r.queryMergeRequests(ctx, query, projectID)
}

// ListOpen returns every open merge request ordered by ID.
func (r *MergeRequestRepo) ListOpen(ctx context.Context) ([]model.MergeRequest, error) {
	query := `SELECT ` + mergeRequestColumns + ` FROM merge_requests WHERE state = 'open' ORDER BY id`
	return r.queryMergeRequests(ctx, query)
}

// SetState updates the state of a merge request.
func (r *MergeRequestRepo) SetState(ctx context.Context, id int64, state model.MergeRequestState) error {
	const query = `UPDATE merge_requests SET state = ?, updated_at = ? WHERE id = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, string(state), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set state of merge request %d: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("set state of merge request %d: %w", id, driven.ErrMergeRequestNotFound)
	}

	return nil
}

func (r *MergeRequestRepo) getOne(ctx context.Context, query string, args ...any) (*model.MergeRequest, error) {
	mr, err := scanMergeRequest(r.db.Reader.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrMergeRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get merge request: %w", err)
	}

	if mr.Commits, err = r.commits(ctx, mr.ID); err != nil {
		return nil, err
	}
	return mr, nil
}

func (r *MergeRequestRepo) queryMergeRequests(ctx context.Context, query string, args ...any) ([]model.MergeRequest, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query merge requests: %w", err)
	}
	defer rows.Close()

	var mrs []model.MergeRequest
	for rows.Next() {
		mr, err := scanMergeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan merge request: %w", err)
		}
		mrs = append(mrs, *mr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merge requests: %w", err)
	}
	rows.Close()

	for i := range mrs {
		if mrs[i].Commits, err = r.commits(ctx, mrs[i].ID); err != nil {
			return nil, err
		}
	}

	return mrs, nil
}

func (r *MergeRequestRepo) commits(ctx context.Context, mergeRequestID int64) ([]model.Commit, error) {
	const query = `SELECT sha, signed FROM merge_request_commits WHERE merge_request_id = ? ORDER BY position`

	rows, err := r.db.Reader.QueryContext(ctx, query, mergeRequestID)
	if err != nil {
		return nil, fmt.Errorf("query commits of merge request %d: %w", mergeRequestID, err)
	}
	defer rows.Close()

	var commits []model.Commit
	for rows.Next() {
		var c model.Commit
		var signed int
		if err := rows.Scan(&c.SHA, &signed); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		c.Signed = signed != 0
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}

	return commits, nil
}

func scanMergeRequest(s scanner) (*model.MergeRequest, error) {
	var mr model.MergeRequest
	var state, updatedAt string

	err := s.Scan(
		&mr.ID, &mr.ProjectID, &mr.ProjectPath, &mr.ProjectURL, &mr.IID, &mr.Title,
		&mr.SourceBranch, &mr.TargetBranch, &state, &mr.HeadPipelineID, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	mr.State = model.MergeRequestState(state)
	mr.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &mr, nil
}
