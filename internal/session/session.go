// Package session implements a lightweight record of one client
// connection's activity, used to attribute writes/reads/feedback to a
// conversation and to close sessions out with a reason when a client
// disconnects, times out, or explicitly signals it is done
// (feedback_called, matching internal/memory's ProcessFeedback).
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mnesis/mnesis/internal/store"
)

// Tracker implements memory.SessionTracker.
type Tracker struct {
	store *store.Store
	log   *slog.Logger
	now   func() time.Time
}

// New constructs a Tracker.
func New(st *store.Store, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: st, log: log, now: time.Now}
}

// Start records a new session and returns its id.
func (t *Tracker) Start(ctx context.Context, apiKeyID, sourceLLM string) (string, error) {
	tbl, err := t.store.Table("sessions")
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := t.now()
	if err := tbl.Add(ctx, store.Row{
		"id":         id,
		"api_key_id": apiKeyID,
		"source_llm": sourceLLM,
		"started_at": now.Format(time.RFC3339),
	}); err != nil {
		return "", fmt.Errorf("session: start: %w", err)
	}
	return id, nil
}

// UpdateActivity appends the given memory ids to the session's
// written/read/feedback lists. An unknown session id is logged and a
// session row with that id is created, so activity is never dropped;
// callers treat this as best-effort (internal/memory calls it outside the
// write queue and only warns on failure).
func (t *Tracker) UpdateActivity(ctx context.Context, sessionID string, written, read, feedback []string) error {
	if sessionID == "" {
		return nil
	}
	tbl, err := t.store.Table("sessions")
	if err != nil {
		return err
	}
	row, err := tbl.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		t.log.Info("session activity update: creating unknown session", "session_id", sessionID)
		row = store.Row{}
		if err := tbl.Add(ctx, store.Row{"id": sessionID, "started_at": t.now().Format(time.RFC3339)}); err != nil {
			return fmt.Errorf("session: create %s: %w", sessionID, err)
		}
	} else if err != nil {
		return fmt.Errorf("session: activity update %s: %w", sessionID, err)
	}
	sets := store.Row{}
	if len(written) > 0 {
		sets["memory_ids_written"] = mergeIDs(row["memory_ids_written"], written)
	}
	if len(read) > 0 {
		sets["memory_ids_read"] = mergeIDs(row["memory_ids_read"], read)
	}
	if len(feedback) > 0 {
		sets["memory_ids_feedback"] = mergeIDs(row["memory_ids_feedback"], feedback)
	}
	if len(sets) == 0 {
		return nil
	}
	return tbl.Update(ctx, sessionID, sets)
}

func mergeIDs(existing any, add []string) []string {
	seen := map[string]bool{}
	var out []string
	if arr, ok := existing.([]any); ok {
		for _, v := range arr {
			s := fmt.Sprint(v)
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// EndSession marks a session ended with the given reason
// (client_disconnect, timeout, feedback_called, ...).
func (t *Tracker) EndSession(ctx context.Context, sessionID, reason string) error {
	if sessionID == "" {
		return nil
	}
	tbl, err := t.store.Table("sessions")
	if err != nil {
		return err
	}
	return tbl.Update(ctx, sessionID, store.Row{
		"ended_at":   t.now().Format(time.RFC3339),
		"end_reason": reason,
	})
}
