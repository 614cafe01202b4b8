// Package workbench implements the conflict workbench: the surface a
// human (or an LLM tool call) uses to resolve the PendingConflict rows
// internal/memory.Core stages during CreateMemory.
package workbench

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mnesis/mnesis/internal/embedder"
	"github.com/mnesis/mnesis/internal/store"
)

// Resolution is the decision made about a pending conflict.
type Resolution string

const (
	// ResolutionKeptExisting marks the conflict resolved with no data
	// change: the existing memory wins by default, the candidate stays
	// whatever it already was.
	ResolutionKeptExisting Resolution = "kept_existing"
	// ResolutionMerged requires MergedContent: the existing memory is
	// updated (bumping its version, archiving the prior version) with the
	// merged content, and the candidate memory is archived.
	ResolutionMerged Resolution = "merged"
	// ResolutionVersioned leaves both memories active; only the conflict
	// row changes, to status archived.
	ResolutionVersioned Resolution = "versioned"
	// ResolutionOverwritten archives the existing memory, leaving the
	// candidate active in its place.
	ResolutionOverwritten Resolution = "overwritten"
)

// Conflict is one staged PendingConflict row.
type Conflict struct {
	ID                string
	MemoryIDExisting  string
	MemoryIDCandidate string
	CandidateContent  string
	CandidateCategory string
	CandidateLevel    string
	SimilarityScore   float64
	DetectedAt        time.Time
	Status            string
}

// Workbench resolves pending conflicts staged during memory creation.
type Workbench struct {
	store *store.Store
	emb   *embedder.Embedder
	log   *slog.Logger
	now   func() time.Time
}

// New constructs a Workbench.
func New(st *store.Store, emb *embedder.Embedder, log *slog.Logger) *Workbench {
	if log == nil {
		log = slog.Default()
	}
	return &Workbench{store: st, emb: emb, log: log, now: time.Now}
}

// ListPending returns the conflicts still awaiting a decision, newest
// first.
func (w *Workbench) ListPending(ctx context.Context, limit int) ([]Conflict, error) {
	tbl, err := w.store.Table("pending_conflicts")
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := tbl.Search(nil).Where("status = 'pending'").ToList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Conflict, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToConflict(r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func rowToConflict(r store.Row) Conflict {
	c := Conflict{
		ID:                str(r["id"]),
		MemoryIDExisting:  str(r["memory_id_existing"]),
		MemoryIDCandidate: str(r["memory_id_candidate"]),
		CandidateContent:  str(r["candidate_content"]),
		CandidateCategory: str(r["candidate_category"]),
		CandidateLevel:    str(r["candidate_level"]),
		SimilarityScore:   num(r["similarity_score"]),
		Status:            str(r["status"]),
	}
	if s, ok := r["detected_at"].(string); ok && s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			c.DetectedAt = t
		}
	}
	return c
}

// Resolve applies resolution to the pending conflict identified by id:
//
//   - kept_existing: mark resolved; no data change.
//   - merged: requires mergedContent; updates the existing memory with the
//     merged content (bumping version, archiving the prior version via a
//     MemoryVersion row), and archives the candidate memory.
//   - versioned: leave both memories active; only the conflict row is
//     archived.
//   - overwritten: archive the existing memory, leave the candidate active.
//
// Every path appends a memory_events row of kind "conflict_resolved" and
// records the resolution on the pending_conflicts row, whose status
// becomes archived for versioned and resolved for every other path.
func (w *Workbench) Resolve(ctx context.Context, id string, resolution Resolution, mergedContent string) error {
	ptbl, err := w.store.Table("pending_conflicts")
	if err != nil {
		return err
	}
	row, err := ptbl.Get(ctx, id)
	if err != nil {
		return err
	}
	existingID := str(row["memory_id_existing"])
	candidateID := str(row["memory_id_candidate"])

	mtbl, err := w.store.Table("memories")
	if err != nil {
		return err
	}
	now := w.now()
	nowStr := now.Format(time.RFC3339)
	conflictStatus := "resolved"

	switch resolution {
	case ResolutionKeptExisting:
		// no-op: the existing memory already won; candidate is left as is.
	case ResolutionMerged:
		if mergedContent == "" {
			return fmt.Errorf("workbench: merged resolution requires mergedContent")
		}
		if err := w.mergeInto(ctx, mtbl, existingID, mergedContent, now); err != nil {
			return err
		}
		if candidateID != "" && candidateID != "PENDING" {
			if err := mtbl.Update(ctx, candidateID, store.Row{"status": "archived", "updated_at": nowStr}); err != nil {
				return fmt.Errorf("workbench: archive merged candidate: %w", err)
			}
		}
	case ResolutionVersioned:
		// no-op: both memories remain active, only the conflict row changes.
		conflictStatus = "archived"
	case ResolutionOverwritten:
		if err := mtbl.Update(ctx, existingID, store.Row{"status": "archived", "updated_at": nowStr}); err != nil {
			return fmt.Errorf("workbench: archive existing: %w", err)
		}
	default:
		return fmt.Errorf("workbench: unknown resolution %q", resolution)
	}

	if err := w.appendEvent(ctx, existingID, resolution); err != nil {
		w.log.Warn("workbench: failed to append conflict_resolved event", "memory_id", existingID, "error", err)
	}

	return ptbl.Update(ctx, id, store.Row{
		"status": conflictStatus, "resolution": string(resolution), "resolved_at": nowStr,
	})
}

// mergeInto updates an existing memory's content in place the way
// internal/memory.Core.UpdateMemory does: archive the prior version, embed
// the new content, bump version.
func (w *Workbench) mergeInto(ctx context.Context, mtbl *store.Table, memoryID, content string, now time.Time) error {
	existing, err := mtbl.Get(ctx, memoryID)
	if err != nil {
		return fmt.Errorf("workbench: load existing memory: %w", err)
	}
	vtbl, err := w.store.Table("memory_versions")
	if err != nil {
		return err
	}
	version, _ := existing["version"].(int64)
	if version == 0 {
		version = 1
	}
	if err := vtbl.Add(ctx, store.Row{
		"id": uuid.NewString(), "memory_id": memoryID, "version": version,
		"content": str(existing["content"]), "changed_by": "conflict_workbench",
		"created_at": now.Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("workbench: archive prior version: %w", err)
	}

	vec, err := w.emb.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("workbench: embed merged content: %w", err)
	}
	return mtbl.Update(ctx, memoryID, store.Row{
		"content": content, "embedding": vec, "version": version + 1, "updated_at": now.Format(time.RFC3339),
	})
}

func (w *Workbench) appendEvent(ctx context.Context, memoryID string, resolution Resolution) error {
	etbl, err := w.store.Table("memory_events")
	if err != nil {
		return err
	}
	return etbl.Add(ctx, store.Row{
		"id": uuid.NewString(), "memory_id": memoryID, "kind": "conflict_resolved",
		"detail": fmt.Sprintf("resolver=conflict_workbench resolution=%s", resolution),
		"created_at": w.now().Format(time.RFC3339),
	})
}

func str(v any) string { s, _ := v.(string); return s }
func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}
