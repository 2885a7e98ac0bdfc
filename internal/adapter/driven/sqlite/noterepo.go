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
var _ driven.NoteWriter = (*NoteRepo)(nil)

// NoteRepo keeps the bot note in the database. It is the note backend when
// no forge is configured and backs the comment read API.
type NoteRepo struct {
	db *DB
}

// NewNoteRepo creates a new NoteRepo backed by the given DB.
func NewNoteRepo(db *DB) *NoteRepo {
	return &NoteRepo{db: db}
}

// UpsertBotNote stores body as the merge request's note. With OnlyUpdate an
// absent note stays absent.
func (r *NoteRepo) UpsertBotNote(ctx context.Context, mr model.MergeRequest, body string, opts driven.UpsertOptions) error {
	now := time.Now().UTC()

	if opts.OnlyUpdate {
		const update = `UPDATE bot_notes SET body = ?, updated_at = ? WHERE merge_request_id = ?`
		if _, err := r.db.Writer.ExecContext(ctx, update, body, now, mr.ID); err != nil {
			return fmt.Errorf("update bot note of merge request %d: %w", mr.ID, err)
		}
		return nil
	}

	const upsert = `
		INSERT INTO bot_notes (merge_request_id, body, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(merge_request_id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.Writer.ExecContext(ctx, upsert, mr.ID, body, now, now); err != nil {
		return fmt.Errorf("upsert bot note of merge request %d: %w", mr.ID, err)
	}

	return nil
}

// Get returns the stored note body. ok is false when the merge request has no note.
func (r *NoteRepo) Get(ctx context.Context, mergeRequestID int64) (body string, ok bool, err error) {
	const query = `SELECT body FROM bot_notes WHERE merge_request_id = ?`

	err = r.db.Reader.QueryRowContext(ctx, query, mergeRequestID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get bot note of merge request %d: %w", mergeRequestID, err)
	}

	return body, true, nil
}
