// Package gitlab implements the NoteWriter port for GitLab merge requests
// using the official GitLab API client.
package gitlab

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gl "gitlab.com/gitlab-org/api/client-go"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.NoteWriter = (*Client)(nil)

// Client writes the policy bot note through the GitLab REST API.
type Client struct {
	api      *gl.Client
	username string
}

// NewClient creates a Client for the GitLab instance at baseURL, e.g.
// "https://gitlab.com/api/v4".
func NewClient(token, baseURL, username string) (*Client, error) {
	api, err := gl.NewClient(token, gl.WithBaseURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}
	return &Client{api: api, username: username}, nil
}

// UpsertBotNote updates the merge request note that starts with
// driven.NoteMarker, or creates it. ProjectPath is used as the project ID.
func (c *Client) UpsertBotNote(ctx context.Context, mr model.MergeRequest, body string, opts driven.UpsertOptions) error {
	if mr.ProjectPath == "" {
		return fmt.Errorf("merge request %d has no project path", mr.ID)
	}

	iid := int64(mr.IID)
	noteID, err := c.findBotNote(ctx, mr)
	if err != nil {
		return err
	}

	if noteID != 0 {
		_, _, err := c.api.Notes.UpdateMergeRequestNote(mr.ProjectPath, iid, noteID,
			&gl.UpdateMergeRequestNoteOptions{Body: gl.Ptr(body)}, gl.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("update bot note %d on %s!%d: %w", noteID, mr.ProjectPath, mr.IID, err)
		}
		return nil
	}

	if opts.OnlyUpdate {
		return nil
	}

	_, _, err = c.api.Notes.CreateMergeRequestNote(mr.ProjectPath, iid,
		&gl.CreateMergeRequestNoteOptions{Body: gl.Ptr(body)}, gl.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("create bot note on %s!%d: %w", mr.ProjectPath, mr.IID, err)
	}

	return nil
}

// findBotNote returns the ID of the bot note, or 0 when there is none.
func (c *Client) findBotNote(ctx context.Context, mr model.MergeRequest) (int64, error) {
	opts := &gl.ListMergeRequestNotesOptions{
		ListOptions: gl.ListOptions{PerPage: 100},
		OrderBy:     gl.Ptr("created_at"),
		Sort:        gl.Ptr("asc"),
	}

	for {
		notes, resp, err := c.api.Notes.ListMergeRequestNotes(mr.ProjectPath, int64(mr.IID), opts, gl.WithContext(ctx))
		if err != nil {
			return 0, fmt.Errorf("list notes of %s!%d (page %d): %w", mr.ProjectPath, mr.IID, opts.Page, err)
		}

		slog.Debug("gitlab api call", "project", mr.ProjectPath, "iid", mr.IID, "page", opts.Page, "count", len(notes))

		for _, n := range notes {
			if n.System || !strings.HasPrefix(n.Body, driven.NoteMarker) {
				continue
			}
			if c.username == "" || strings.EqualFold(n.Author.Username, c.username) {
				return n.ID, nil
			}
		}

		if resp.NextPage == 0 {
			return 0, nil
		}
		opts.Page = resp.NextPage
	}
}
