package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"NextMind/internal/backend"
	"NextMind/internal/session"
	"NextMind/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	records   []backend.SessionRecord
	listErr   error
	deleteErr error
	deleted   []string
}

func (f *fakeRemote) ListSessions(ctx context.Context) ([]backend.SessionRecord, error) {
	return f.records, f.listErr
}

func (f *fakeRemote) DeleteSession(ctx context.Context, sessionID string) error {
	f.deleted = append(f.deleted, sessionID)
	return f.deleteErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReconciler(t *testing.T, remote *fakeRemote) (*Reconciler, *store.Store) {
	t.Helper()
	local, err := store.Open(filepath.Join(t.TempDir(), "nextmind.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	r, err := New(remote, local, discardLogger(), 0)
	require.NoError(t, err)
	return r, local
}

func ids(summaries []session.Summary) []string {
	out := make([]string, len(summaries))
	for i, s := range summaries {
		out[i] = s.ID
	}
	return out
}

func TestListPrefersRemoteAndDropsEmptyLocal(t *testing.T) {
	remote := &fakeRemote{records: []backend.SessionRecord{
		{SessionID: "a", Title: "Refunds", LastMessageSnake: "thanks", UpdatedAtSnake: "2025-01-02T00:00:00Z", MessageCountSnake: 3},
	}}
	r, local := newTestReconciler(t, remote)
	ctx := context.Background()

	require.NoError(t, local.Put(ctx, "a", session.Summary{Title: "stale title", MessageCount: 1, UpdatedAt: "2024-01-01T00:00:00Z"}))
	require.NoError(t, local.Put(ctx, "b", session.Summary{Title: "Draft", MessageCount: 0, UpdatedAt: "2025-01-03T00:00:00Z"}))

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(list))
	assert.Equal(t, "Refunds", list[0].Title)

	cached, ok, err := local.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, cached.MessageCount, "remote entries are written back to the cache")
}

func TestListFallsBackToLocalOnEmptyRemote(t *testing.T) {
	r, local := newTestReconciler(t, &fakeRemote{})
	ctx := context.Background()

	require.NoError(t, local.Put(ctx, "b", session.Summary{Title: "Hi", LastMessage: "hi", MessageCount: 2, UpdatedAt: "2025-01-01T00:00:00Z"}))

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(list))
}

func TestListFallsBackToLocalOnRemoteError(t *testing.T) {
	r, local := newTestReconciler(t, &fakeRemote{listErr: errors.New("connection refused")})
	ctx := context.Background()

	require.NoError(t, local.Put(ctx, "old", session.Summary{Title: "Old", LastMessage: "x", MessageCount: 1, UpdatedAt: "2024-01-01T00:00:00Z"}))
	require.NoError(t, local.Put(ctx, "new", session.Summary{Title: "New", LastMessage: "y", MessageCount: 1, UpdatedAt: "2025-01-01T00:00:00Z"}))

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, ids(list))
}

func TestListMergesLocalOnlySessions(t *testing.T) {
	remote := &fakeRemote{records: []backend.SessionRecord{
		{ID: "remote", LastMessageCamel: "hello", UpdatedAtCamel: "2025-01-01T00:00:00Z", MessageCountCamel: 2},
		{ID: "bad-date", LastMessageCamel: "hello", UpdatedAtCamel: "yesterday", MessageCountCamel: 1},
		{ID: "empty-remote"},
	}}
	r, local := newTestReconciler(t, remote)
	ctx := context.Background()

	require.NoError(t, local.Put(ctx, "offline", session.Summary{Title: "Offline", LastMessage: "typed offline", MessageCount: 1, UpdatedAt: "2025-02-01T00:00:00Z"}))

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"offline", "remote", "bad-date"}, ids(list))
	assert.Equal(t, session.DefaultTitle, list[1].Title)
}

func TestListAppliesLimit(t *testing.T) {
	r, local := newTestReconciler(t, &fakeRemote{})
	r.limit = 1
	ctx := context.Background()

	require.NoError(t, local.Put(ctx, "x", session.Summary{Title: "X", LastMessage: "x", MessageCount: 1, UpdatedAt: "2024-01-01T00:00:00Z"}))
	require.NoError(t, local.Put(ctx, "y", session.Summary{Title: "Y", LastMessage: "y", MessageCount: 1, UpdatedAt: "2025-01-01T00:00:00Z"}))

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, ids(list))
}

func TestDeleteRemovesLocalEvenIfRemoteFails(t *testing.T) {
	remote := &fakeRemote{deleteErr: errors.New("503 Service Unavailable")}
	r, local := newTestReconciler(t, remote)
	ctx := context.Background()

	require.NoError(t, local.Put(ctx, "a", session.Summary{Title: "A", LastMessage: "x", MessageCount: 1}))
	require.NoError(t, r.Delete(ctx, "a"))

	assert.Equal(t, []string{"a"}, remote.deleted)
	_, ok, err := local.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}
