// Package slogaudit implements the AuditLogger port by writing audit events
// to a structured logger.
package slogaudit

import (
	"context"
	"log/slog"
	"time"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AuditLogger = (*Logger)(nil)

// Logger emits one "audit" log record per event.
type Logger struct {
	logger *slog.Logger
}

// New returns a Logger writing to l. A nil l uses slog.Default().
func New(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{logger: l.With("component", "audit")}
}

// Record logs the event at info level. It never fails.
func (a *Logger) Record(ctx context.Context, event model.AuditEvent) error {
	a.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("reason", event.Reason),
		slog.Int64("merge_request_id", event.MergeRequestID),
		slog.Int("merge_request_iid", event.MergeRequestIID),
		slog.Int64("approval_rule_id", event.ApprovalRuleID),
		slog.String("approval_rule_name", event.ApprovalRuleName),
		slog.String("project", event.ProjectPath),
		slog.Time("occurred_at", event.OccurredAt.UTC().Truncate(time.Millisecond)),
	)
	return nil
}
