package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// MaxViolations caps how many findings or commits a note section lists.
const MaxViolations = 10

// Note headlines.
const (
	TitleResolved = ":white_check_mark: **Security policy violations have been resolved.**"
	TitleBlocking = ":warning: **Violations blocking this merge request**"
	TitleDetected = ":warning: **Violations detected in this merge request**"
)

// CommentGenerator renders the bot note for a merge request from its whole
// violation state and writes it through the NoteWriter.
type CommentGenerator struct {
	details  *ViolationDetailsService
	rules    driven.ApprovalRuleStore
	notes    driven.NoteWriter
	observer Observer
}

// NewCommentGenerator creates a CommentGenerator.
func NewCommentGenerator(details *ViolationDetailsService, rules driven.ApprovalRuleStore, notes driven.NoteWriter, observer Observer) *CommentGenerator {
	if observer == nil {
		observer = NopObserver()
	}
	return &CommentGenerator{
		details:  details,
		rules:    rules,
		notes:    notes,
		observer: observer,
	}
}

// Generate writes the note for the merge request. Nothing is written when no
// policy of the merge request asks for bot messages. The resolved message
// only replaces an existing note; it never creates one.
func (g *CommentGenerator) Generate(ctx context.Context, mr model.MergeRequest) error {
	rules, err := g.rules.ListByMergeRequest(ctx, mr.ID)
	if err != nil {
		return fmt.Errorf("list approval rules: %w", err)
	}
	if !anySendsBotMessage(rules) {
		g.observer.NoteUpserted(NoteSkipped)
		return nil
	}

	details, err := g.details.Load(ctx, mr)
	if err != nil {
		return fmt.Errorf("load violation details: %w", err)
	}

	body := RenderComment(details)
	resolved := len(details.Violations) == 0
	if err := g.notes.UpsertBotNote(ctx, mr, body, driven.UpsertOptions{OnlyUpdate: resolved}); err != nil {
		g.observer.NoteUpserted(NoteFailed)
		return fmt.Errorf("upsert bot note: %w", err)
	}

	if resolved {
		g.observer.NoteUpserted(NoteResolved)
	} else {
		g.observer.NoteUpserted(NoteWritten)
	}
	slog.Debug("bot note upserted", "merge_request_id", mr.ID, "violations", len(details.Violations), "resolved", resolved)
	return nil
}

func anySendsBotMessage(rules []model.ApprovalRule) bool {
	for _, r := range rules {
		if r.Policy.SendBotMessage {
			return true
		}
	}
	return false
}

// RenderComment renders the note body. The output depends only on details, so
// rendering the same state twice yields the same text.
func RenderComment(details PolicyViolationDetails) string {
	var b strings.Builder
	b.WriteString(driven.NoteMarker)
	b.WriteString("\n")

	if len(details.Violations) == 0 {
		b.WriteString(TitleResolved)
		b.WriteString("\n")
		return b.String()
	}

	blocking := details.Blocking()
	if blocking {
		b.WriteString(TitleBlocking + "\n\n")
		b.WriteString("This merge request has policy violations and errors. To unblock this merge request, fix these items:\n\n")
		fmt.Fprintf(&b, "- Resolve all violations in the following merge request approval policies: %s\n", strings.Join(details.PolicyNames(), ", "))
		if len(details.Errors) > 0 {
			b.WriteString("- Make sure the required security scans run in the latest pipeline and produce their reports\n")
		}
		b.WriteString("\nIf you think these items shouldn't be violations, ask eligible approvers of each policy to approve this merge request.\n")
	} else {
		b.WriteString(TitleDetected + "\n\n")
		b.WriteString("This merge request has policy violations. Consider including optional reviewers based on the policy rules.\n\n")
		fmt.Fprintf(&b, "- Review the violations of the following merge request approval policies: %s\n", strings.Join(details.PolicyNames(), ", "))
	}

	writeErrors(&b, details.Errors)
	writeFindings(&b, "New scan findings", details.NewScanFindings)
	writeFindings(&b, "Previously existing vulnerabilities", details.PreviousFindings)
	writeLicenses(&b, details.Licenses)
	writeCommits(&b, details.AnyMergeRequest)

	return b.String()
}

func writeErrors(b *strings.Builder, errs []ViolationEntry) {
	if len(errs) == 0 {
		return
	}
	b.WriteString("\n#### Unenforceable policies\n\n")
	b.WriteString("The required pipeline artifacts are missing, so these policies could not be evaluated:\n\n")
	for _, e := range errs {
		fmt.Fprintf(b, "- %s (`%s`): %s\n", e.PolicyName, e.ReportType, e.Error)
	}
}

func writeFindings(b *strings.Builder, heading string, findings []model.Finding) {
	if len(findings) == 0 {
		return
	}
	fmt.Fprintf(b, "\n#### %s\n\n", heading)
	for i, f := range findings {
		if i == MaxViolations {
			fmt.Fprintf(b, "- +%d more\n", len(findings)-MaxViolations)
			break
		}
		fmt.Fprintf(b, "- **%s** · [%s](%s)", f.Severity.Title(), f.Name, f.Link())
		if f.Location.File != "" {
			fmt.Fprintf(b, " in `%s`", f.Location.File)
		}
		b.WriteString("\n")
	}
}

func writeLicenses(b *strings.Builder, licenses []LicenseViolation) {
	if len(licenses) == 0 {
		return
	}
	b.WriteString("\n#### License scanning\n\n")
	for _, l := range licenses {
		fmt.Fprintf(b, "- Out-of-policy licenses: %s", l.License)
		if len(l.Dependencies) > 0 {
			fmt.Fprintf(b, " — Used by %s", strings.Join(l.Dependencies, ", "))
		}
		b.WriteString("\n")
	}
}

func writeCommits(b *strings.Builder, violations []AnyMergeRequestViolation) {
	if len(violations) == 0 {
		return
	}
	b.WriteString("\n#### Commits\n\n")
	for _, v := range violations {
		if v.Commits.AllCommits {
			fmt.Fprintf(b, "- %s: every merge request requires approval\n", v.PolicyName)
			continue
		}
		shas := make([]string, 0, min(len(v.Commits.SHAs), MaxViolations))
		for i, sha := range v.Commits.SHAs {
			if i == MaxViolations {
				break
			}
			shas = append(shas, "`"+shortSHA(sha)+"`")
		}
		fmt.Fprintf(b, "- %s: unsigned commits %s", v.PolicyName, strings.Join(shas, ", "))
		if extra := len(v.Commits.SHAs) - MaxViolations; extra > 0 {
			fmt.Fprintf(b, ", +%d more", extra)
		}
		b.WriteString("\n")
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
