package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"NextMind/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "nextmind.db"), slog.Default())
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresLogger(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), nil)
	assert.Error(t, err)
}

func TestPutAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sum := session.Summary{Title: "Refunds", LastMessage: "thanks", UpdatedAt: "2025-05-01T00:00:00.000Z", MessageCount: 4}
	require.NoError(t, s.Put(ctx, "a", sum))

	got, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, "Refunds", got.Title)
	assert.Equal(t, 4, got.MessageCount)
	assert.Equal(t, "2025-05-01T00:00:00.000Z", got.UpdatedAt)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutNormalizesTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", session.Summary{Title: "t", MessageCount: 1, UpdatedAt: "garbage"}))

	got, _, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, session.FormatTime(fixedNow), got.UpdatedAt)
}

func TestListAllPurgesTransientEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "empty", session.Placeholder("empty", fixedNow)))
	require.NoError(t, s.Put(ctx, "old", session.Summary{Title: "Old", LastMessage: "bye", MessageCount: 2, UpdatedAt: "2024-01-01T00:00:00Z"}))
	require.NoError(t, s.Put(ctx, "new", session.Summary{Title: "New", LastMessage: "hi", MessageCount: 1, UpdatedAt: "2025-01-01T00:00:00Z"}))

	list, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)

	_, ok, err := s.Get(ctx, "empty")
	require.NoError(t, err)
	assert.False(t, ok, "housekeeping should remove the transient entry")
}

func TestListAllNormalizesStoredTimestamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, title, last_message, updated_at, message_count) VALUES ('x', 'X', 'hello', 'not-a-date', 1)")
	require.NoError(t, err)

	list, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, ok := session.ParseTime(list[0].UpdatedAt)
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", session.Summary{Title: "A", MessageCount: 1}))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"), "deleting a missing entry is not an error")

	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActiveSessionID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.ActiveSessionID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, s.SetActiveSessionID(ctx, "session_1"))
	require.NoError(t, s.SetActiveSessionID(ctx, "session_2"))

	id, err = s.ActiveSessionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session_2", id)
}
