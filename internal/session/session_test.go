package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"StudyChat/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := telemetry.InitDB(filepath.Join(t.TempDir(), "studychat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	_, ok, err := store.LoadActive(ctx, "student-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SaveActive(ctx, Active{UserID: "student-1", SessionID: "conv-1", Title: "Limits"}))
	require.NoError(t, store.SaveActive(ctx, Active{UserID: "student-2", SessionID: "conv-9"}))

	got, ok, err := store.LoadActive(ctx, "student-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "conv-1", got.SessionID)
	assert.Equal(t, "Limits", got.Title)
	assert.True(t, fixed.Equal(got.UpdatedAt))
}

func TestStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveActive(ctx, Active{UserID: "u", SessionID: "old"}))
	require.NoError(t, store.SaveActive(ctx, Active{UserID: "u", SessionID: "new", Title: "Derivatives"}))

	got, ok, err := store.LoadActive(ctx, "u")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got.SessionID)
	assert.Equal(t, "Derivatives", got.Title)
}

func TestStoreClear(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveActive(ctx, Active{UserID: "u", SessionID: "s"}))
	require.NoError(t, store.ClearActive(ctx, "u"))
	require.NoError(t, store.ClearActive(ctx, "nobody"))

	_, ok, err := store.LoadActive(ctx, "u")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreValidation(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.SaveActive(context.Background(), Active{UserID: "u"}))
	assert.Error(t, store.SaveActive(context.Background(), Active{SessionID: "s"}))
}
