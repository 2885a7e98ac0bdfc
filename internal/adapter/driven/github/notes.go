package github

import (
	"context"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v82/github"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.NoteWriter = (*Client)(nil)

// UpsertBotNote edits the pull request comment that starts with
// driven.NoteMarker, or creates it. The merge request's IID is the pull
// request number and ProjectPath is "owner/repo".
func (c *Client) UpsertBotNote(ctx context.Context, mr model.MergeRequest, body string, opts driven.UpsertOptions) error {
	owner, repo, err := splitRepo(mr.ProjectPath)
	if err != nil {
		return err
	}

	commentID, err := c.findBotComment(ctx, owner, repo, mr.IID)
	if err != nil {
		return err
	}

	if commentID != 0 {
		_, _, err := c.gh.Issues.EditComment(ctx, owner, repo, commentID, &gh.IssueComment{Body: gh.Ptr(body)})
		if err != nil {
			return fmt.Errorf("editing bot comment %d on %s#%d: %w", commentID, mr.ProjectPath, mr.IID, err)
		}
		return nil
	}

	if opts.OnlyUpdate {
		return nil
	}

	_, _, err = c.gh.Issues.CreateComment(ctx, owner, repo, mr.IID, &gh.IssueComment{Body: gh.Ptr(body)})
	if err != nil {
		return fmt.Errorf("creating bot comment on %s#%d: %w", mr.ProjectPath, mr.IID, err)
	}

	return nil
}

// findBotComment returns the ID of the bot's marked comment, or 0.
func (c *Client) findBotComment(ctx context.Context, owner, repo string, number int) (int64, error) {
	opts := &gh.IssueListCommentsOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return 0, fmt.Errorf("listing issue comments for %s/%s#%d (page %d): %w", owner, repo, number, opts.Page, err)
		}

		logRateLimit(resp, owner+"/"+repo, opts.Page, len(comments))

		for _, comment := range comments {
			if c.isBotNote(comment) {
				return comment.GetID(), nil
			}
		}

		if resp.NextPage == 0 {
			return 0, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) isBotNote(comment *gh.IssueComment) bool {
	if !strings.HasPrefix(comment.GetBody(), driven.NoteMarker) {
		return false
	}
	return c.username == "" || strings.EqualFold(comment.GetUser().GetLogin(), c.username)
}
