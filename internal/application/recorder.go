package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// Observer receives evaluation measurements. The observability package
// provides the Prometheus implementation.
type Observer interface {
	EvaluationCompleted(reportType model.ReportType, outcome string, elapsed time.Duration)
	ViolationsCommitted(reportType model.ReportType, upserted, cleared int)
	RuleTransitioned(reportType model.ReportType, violated bool)
	NoteUpserted(result string)
}

// Evaluation outcomes reported to the Observer.
const (
	OutcomeEvaluated = "evaluated"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// Note results reported to the Observer.
const (
	NoteWritten  = "written"
	NoteSkipped  = "skipped"
	NoteResolved = "resolved"
	NoteFailed   = "failed"
)

type nopObserver struct{}

func (nopObserver) EvaluationCompleted(model.ReportType, string, time.Duration) {}
func (nopObserver) ViolationsCommitted(model.ReportType, int, int)              {}
func (nopObserver) RuleTransitioned(model.ReportType, bool)                     {}
func (nopObserver) NoteUpserted(string)                                         {}

// NopObserver returns an Observer that discards everything.
func NopObserver() Observer { return nopObserver{} }

// verdictRecorder is the common tail of every evaluator: commit the ledger,
// audit the rules that became violated and refresh the bot note.
type verdictRecorder struct {
	audit    driven.AuditLogger
	comments *CommentGenerator
	observer Observer
	now      func() time.Time
}

func newVerdictRecorder(audit driven.AuditLogger, comments *CommentGenerator, observer Observer) *verdictRecorder {
	if observer == nil {
		observer = NopObserver()
	}
	return &verdictRecorder{
		audit:    audit,
		comments: comments,
		observer: observer,
		now:      time.Now,
	}
}

func (r *verdictRecorder) record(ctx context.Context, mr model.MergeRequest, ledger *ViolationLedger, sync model.RuleSync) error {
	ledger.SyncRules(sync)

	batch := ledger.Batch()
	if err := ledger.Execute(ctx); err != nil {
		return err
	}
	r.observer.ViolationsCommitted(sync.ReportType, len(batch.Upserts), len(batch.ClearedPolicyIDs))

	for _, t := range sync.Transitions {
		r.observer.RuleTransitioned(sync.ReportType, t.Violated)
		if !t.Violated {
			continue
		}
		event := model.AuditEvent{
			Reason:           fmt.Sprintf("%s rule violated", sync.ReportType.RuleTypeName()),
			MergeRequestID:   mr.ID,
			MergeRequestIID:  mr.IID,
			ApprovalRuleID:   t.Rule.ID,
			ApprovalRuleName: t.Rule.Name,
			ProjectPath:      mr.ProjectPath,
			OccurredAt:       r.now().UTC(),
		}
		if err := r.audit.Record(ctx, event); err != nil {
			slog.Warn("audit event not recorded", "merge_request_id", mr.ID, "rule_id", t.Rule.ID, "error", err)
		}
	}

	if r.comments == nil {
		return nil
	}
	if err := r.comments.Generate(ctx, mr); err != nil {
		// The verdict is already committed; a failed note is retried next pass.
		slog.Error("bot note update failed", "merge_request_id", mr.ID, "report_type", sync.ReportType, "error", err)
	}
	return nil
}
