// Package reconcile merges the server's session list with the local cache.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"NextMind/internal/backend"
	"NextMind/internal/session"
)

// Remote is the server side of the session list
type Remote interface {
	ListSessions(ctx context.Context) ([]backend.SessionRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Local is the on-disk session cache
type Local interface {
	ListAll(ctx context.Context) ([]session.Summary, error)
	Put(ctx context.Context, id string, sum session.Summary) error
	Delete(ctx context.Context, id string) error
}

// Reconciler builds the session list shown to the user
type Reconciler struct {
	remote Remote
	local  Local
	logger *slog.Logger
	limit  int
	now    func() time.Time
}

// New creates a reconciler. A limit of zero or less lists everything.
func New(remote Remote, local Local, logger *slog.Logger, limit int) (*Reconciler, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if remote == nil || local == nil {
		return nil, fmt.Errorf("remote and local sources are required")
	}
	return &Reconciler{remote: remote, local: local, logger: logger, limit: limit, now: time.Now}, nil
}

// List returns the non-empty sessions from both sources, newest first.
// Remote entries win over local ones with the same id and are written back
// to the local cache. Without a usable remote list the local list is used.
func (r *Reconciler) List(ctx context.Context) ([]session.Summary, error) {
	local, localErr := r.local.ListAll(ctx)
	if localErr != nil {
		r.logger.Warn("failed to read local sessions", "error", localErr)
	}

	records, err := r.remote.ListSessions(ctx)
	if err != nil {
		r.logger.Warn("failed to list remote sessions, using local cache", "error", err)
		if localErr != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", localErr)
		}
		return r.finish(local), nil
	}
	if len(records) == 0 {
		return r.finish(local), nil
	}

	now := r.now()
	remoteIDs := make(map[string]struct{}, len(records))
	merged := make([]session.Summary, 0, len(records)+len(local))
	for _, rec := range records {
		sum := rec.Summary(now)
		if sum.ID == "" {
			continue
		}
		if _, dup := remoteIDs[sum.ID]; dup {
			continue
		}
		remoteIDs[sum.ID] = struct{}{}
		merged = append(merged, sum)

		if err := r.local.Put(ctx, sum.ID, sum); err != nil {
			r.logger.Warn("failed to cache remote session", "session_id", sum.ID, "error", err)
		}
	}
	for _, sum := range local {
		if _, ok := remoteIDs[sum.ID]; !ok {
			merged = append(merged, sum)
		}
	}

	return r.finish(merged), nil
}

// finish drops empty entries, sorts newest first and applies the limit
func (r *Reconciler) finish(summaries []session.Summary) []session.Summary {
	out := make([]session.Summary, 0, len(summaries))
	for _, sum := range summaries {
		if sum.HasContent() {
			out = append(out, sum)
		}
	}
	session.SortByRecent(out)
	if r.limit > 0 && len(out) > r.limit {
		out = out[:r.limit]
	}
	return out
}

// Delete removes the session on the server and from the local cache. The
// local entry is removed even if the server call fails.
func (r *Reconciler) Delete(ctx context.Context, sessionID string) error {
	if err := r.remote.DeleteSession(ctx, sessionID); err != nil {
		r.logger.Warn("failed to delete remote session", "session_id", sessionID, "error", err)
	}
	if err := r.local.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete local session %s: %w", sessionID, err)
	}
	return nil
}
