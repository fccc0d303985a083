package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/connbroker/internal/model"
)

func TestPostgresAuditRepo_AppendAndListIsTenantIsolated(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	alice := createTestUser(t, db)
	bob := createTestUser(t, db)
	repo := NewPostgresAuditRepo(db)
	now := time.Now().UTC()

	entries := []*model.AuditLogEntry{
		{UserID: alice, Action: model.AuditConnectionInitiated, Metadata: map[string]any{"platform": "twitter"}, CreatedAt: now},
		{UserID: alice, Action: model.AuditConnectionCompleted, CreatedAt: now},
		{UserID: bob, Action: model.AuditConnectionInitiated, CreatedAt: now},
	}
	for _, e := range entries {
		require.NoError(t, repo.Append(ctx, e))
		assert.NotZero(t, e.ID)
	}
	assert.Less(t, entries[0].ID, entries[1].ID, "IDは追記順に増加する")

	logs, err := repo.List(ctx, model.AuditFilter{UserID: alice})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, model.AuditConnectionCompleted, logs[0].Action)
	assert.Equal(t, "twitter", logs[1].Metadata["platform"])

	filtered, err := repo.List(ctx, model.AuditFilter{UserID: alice, Action: model.AuditConnectionInitiated})
	require.NoError(t, err)
	assert.Len(t, filtered, 1)

	none, err := repo.List(ctx, model.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}
