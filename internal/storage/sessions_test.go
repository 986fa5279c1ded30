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

func TestEnsureSessionCreatesAndTouches(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	sessionID := uuid.New()

	created, err := testDB.EnsureSession(ctx, userID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, created.ID)
	assert.Equal(t, model.SessionActive, created.Status)
	assert.Nil(t, created.ClosedAt)

	touched, err := testDB.EnsureSession(ctx, userID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, touched.ID)
	assert.Equal(t, created.StartedAt, touched.StartedAt)
	assert.False(t, touched.LastActiveAt.Before(created.LastActiveAt))
}

func TestEnsureSessionRejectsForeignSession(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.New()

	_, err := testDB.EnsureSession(ctx, uuid.New(), sessionID)
	require.NoError(t, err)

	// A second user presenting the same session id must not hijack it.
	_, err = testDB.EnsureSession(ctx, uuid.New(), sessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCloseSessionIsTerminal(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	sessionID := uuid.New()

	_, err := testDB.EnsureSession(ctx, userID, sessionID)
	require.NoError(t, err)

	closed, err := testDB.CloseSession(ctx, userID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	// Closing twice, or touching a closed session, is a not-found.
	_, err = testDB.CloseSession(ctx, userID, sessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.EnsureSession(ctx, userID, sessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The row itself is still readable.
	got, err := testDB.GetSession(ctx, userID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, got.Status)
}

func TestGetSessionScopedToOwner(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	sessionID := uuid.New()

	_, err := testDB.EnsureSession(ctx, userID, sessionID)
	require.NoError(t, err)

	_, err = testDB.GetSession(ctx, uuid.New(), sessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListSessionsOrder(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	first := uuid.New()
	second := uuid.New()
	_, err := testDB.EnsureSession(ctx, userID, first)
	require.NoError(t, err)
	_, err = testDB.EnsureSession(ctx, userID, second)
	require.NoError(t, err)

	// Touch the older session so it becomes the most recently active.
	_, err = testDB.EnsureSession(ctx, userID, first)
	require.NoError(t, err)

	sessions, total, err := testDB.ListSessions(ctx, userID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, sessions, 2)
	assert.Equal(t, first, sessions[0].ID)
	assert.Equal(t, second, sessions[1].ID)

	page, total, err := testDB.ListSessions(ctx, userID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, second, page[0].ID)
}

func TestCountActiveSessions(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	before, err := testDB.CountActiveSessions(ctx)
	require.NoError(t, err)

	open := uuid.New()
	_, err = testDB.EnsureSession(ctx, userID, open)
	require.NoError(t, err)
	toClose := uuid.New()
	_, err = testDB.EnsureSession(ctx, userID, toClose)
	require.NoError(t, err)
	_, err = testDB.CloseSession(ctx, userID, toClose)
	require.NoError(t, err)

	after, err := testDB.CountActiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
}
