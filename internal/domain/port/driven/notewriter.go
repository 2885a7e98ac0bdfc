package driven

import (
	"context"

	"github.com/ericfisherdev/policygate/internal/domain/model"
)

// NoteMarker is the hidden first line identifying the policy bot note. Note
// writers use it to find the note to update.
const NoteMarker = "<!-- policy_violation_comment -->"

// UpsertOptions tunes NoteWriter.UpsertBotNote.
type UpsertOptions struct {
	// OnlyUpdate skips creating a note when none exists yet. Used for the
	// "resolved" message so merge requests that never had violations stay quiet.
	OnlyUpdate bool
}

// NoteWriter defines the driven port for the single bot-authored note on a
// merge request. Implementations update the existing note in place.
type NoteWriter interface {
	UpsertBotNote(ctx context.Context, mr model.MergeRequest, body string, opts UpsertOptions) error
}

// AuditLogger defines the driven port for audit events.
type AuditLogger interface {
	Record(ctx context.Context, event model.AuditEvent) error
}
