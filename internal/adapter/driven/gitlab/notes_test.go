package gitlab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

type noteJSON struct {
	ID     int64  `json:"id"`
	Body   string `json:"body"`
	System bool   `json:"system"`
	Author struct {
		Username string `json:"username"`
	} `json:"author"`
}

func note(id int64, body, author string, system bool) noteJSON {
	n := noteJSON{ID: id, Body: body, System: system}
	n.Author.Username = author
	return n
}

// fakeNotes serves the merge request notes API of acme/app!7.
type fakeNotes struct {
	mu      sync.Mutex
	notes   []noteJSON
	created []string
	updated map[string]string // path suffix -> body
}

func (f *fakeNotes) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const base = "/api/v4/projects/acme/app/merge_requests/7/notes"

	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	var in struct {
		Body string `json:"body"`
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == base:
		_ = json.NewEncoder(w).Encode(f.notes)
	case r.Method == http.MethodPost && r.URL.Path == base:
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.created = append(f.created, in.Body)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(note(100, in.Body, "policygate-bot", false))
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, base+"/"):
		_ = json.NewDecoder(r.Body).Decode(&in)
		if f.updated == nil {
			f.updated = make(map[string]string)
		}
		f.updated[strings.TrimPrefix(r.URL.Path, base+"/")] = in.Body
		_ = json.NewEncoder(w).Encode(note(1, in.Body, "policygate-bot", false))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"404 Not found"}`))
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient("test-token", server.URL+"/api/v4", "policygate-bot")
	require.NoError(t, err)
	return client
}

func mergeRequest() model.MergeRequest {
	return model.MergeRequest{ID: 1, ProjectPath: "acme/app", IID: 7}
}

func TestUpsertBotNote_Creates(t *testing.T) {
	fake := &fakeNotes{notes: []noteJSON{note(1, "looks good", "alice", false)}}
	client := newTestClient(t, fake)

	body := driven.NoteMarker + "\nviolations"
	require.NoError(t, client.UpsertBotNote(context.Background(), mergeRequest(), body, driven.UpsertOptions{}))

	assert.Equal(t, []string{body}, fake.created)
	assert.Empty(t, fake.updated)
}

func TestUpsertBotNote_UpdatesBotNote(t *testing.T) {
	fake := &fakeNotes{notes: []noteJSON{
		note(1, driven.NoteMarker+"\nsystem echo", "policygate-bot", true),
		note(2, driven.NoteMarker+"\ncopied", "alice", false),
		note(3, driven.NoteMarker+"\nold", "policygate-bot", false),
	}}
	client := newTestClient(t, fake)

	body := driven.NoteMarker + "\nresolved"
	require.NoError(t, client.UpsertBotNote(context.Background(), mergeRequest(), body, driven.UpsertOptions{OnlyUpdate: true}))

	assert.Equal(t, map[string]string{"3": body}, fake.updated)
	assert.Empty(t, fake.created)
}

func TestUpsertBotNote_LargeNoteID(t *testing.T) {
	fake := &fakeNotes{notes: []noteJSON{note(5_000_000_000, driven.NoteMarker+"\nold", "policygate-bot", false)}}
	client := newTestClient(t, fake)

	body := driven.NoteMarker + "\nnew"
	require.NoError(t, client.UpsertBotNote(context.Background(), mergeRequest(), body, driven.UpsertOptions{}))

	assert.Equal(t, map[string]string{"5000000000": body}, fake.updated)
	assert.Empty(t, fake.created)
}

func TestUpsertBotNote_OnlyUpdateWithoutNote(t *testing.T) {
	fake := &fakeNotes{}
	client := newTestClient(t, fake)

	require.NoError(t, client.UpsertBotNote(context.Background(), mergeRequest(), driven.NoteMarker, driven.UpsertOptions{OnlyUpdate: true}))

	assert.Empty(t, fake.created)
	assert.Empty(t, fake.updated)
}

func TestUpsertBotNote_Errors(t *testing.T) {
	client := newTestClient(t, &fakeNotes{})

	mr := mergeRequest()
	mr.IID = 8
	err := client.UpsertBotNote(context.Background(), mr, "body", driven.UpsertOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list notes of acme/app!8")

	mr.ProjectPath = ""
	err = client.UpsertBotNote(context.Background(), mr, "body", driven.UpsertOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no project path")
}
