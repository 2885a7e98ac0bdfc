package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

func TestNoteRepo_Upsert(t *testing.T) {
	db := setupTestDB(t)
	repo := NewNoteRepo(db)
	ctx := context.Background()
	mr := seedMergeRequest(t, db, 1)

	require.NoError(t, repo.UpsertBotNote(ctx, mr, "resolved", driven.UpsertOptions{OnlyUpdate: true}))
	_, ok, err := repo.Get(ctx, mr.ID)
	require.NoError(t, err)
	assert.False(t, ok, "OnlyUpdate never creates a note")

	require.NoError(t, repo.UpsertBotNote(ctx, mr, "violations", driven.UpsertOptions{}))
	require.NoError(t, repo.UpsertBotNote(ctx, mr, "resolved", driven.UpsertOptions{OnlyUpdate: true}))

	body, ok, err := repo.Get(ctx, mr.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "resolved", body)
}
