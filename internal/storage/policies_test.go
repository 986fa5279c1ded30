package storage_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
)

func TestPolicyVersioning(t *testing.T) {
	ctx := context.Background()

	// Fresh database: nothing is active yet.
	_, err := testDB.GetActivePolicy(ctx)
	assert.ErrorIs(t, err, storage.ErrNoActivePolicy)

	v1, err := testDB.CreatePolicy(ctx, model.Policy{
		Name:      "baseline",
		Content:   map[string]any{"principles": []any{"be helpful"}},
		Signature: "sig-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.IsActive)

	v2, err := testDB.CreatePolicy(ctx, model.Policy{
		Name:      "baseline rev 2",
		Content:   map[string]any{"principles": []any{"be helpful", "be honest"}},
		Signature: "sig-2",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	// Creating a version deactivates every predecessor.
	active, err := testDB.GetActivePolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	old, err := testDB.GetPolicy(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	_, err = testDB.GetPolicy(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	policies, total, err := testDB.ListPolicies(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, policies, 2)
	assert.Equal(t, 2, policies[0].Version)
	assert.Equal(t, 1, policies[1].Version)
}

func TestInsertAuditEventsBatch(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, testDB.InsertAuditEvents(ctx, nil))

	events := []model.AuditEvent{
		{Action: "content_validated", UserID: &userID, Context: map[string]any{"result": "approved"}},
		{Action: "content_validated", UserID: &userID, Context: map[string]any{"result": "rejected"}},
		{Action: "policy_created"},
	}
	require.NoError(t, testDB.InsertAuditEvents(ctx, events))

	listed, err := testDB.ListAuditEvents(ctx, 10, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(listed), 3)

	var mine int
	for _, e := range listed {
		if e.UserID != nil && *e.UserID == userID {
			mine++
			assert.Equal(t, "content_validated", e.Action)
			assert.NotEqual(t, uuid.Nil, e.ID)
			assert.False(t, e.CreatedAt.IsZero())
		}
	}
	assert.Equal(t, 2, mine)
}
