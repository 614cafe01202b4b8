package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mnesis/mnesis/internal/conflict"
	"github.com/mnesis/mnesis/internal/decay"
	"github.com/mnesis/mnesis/internal/embedder"
	"github.com/mnesis/mnesis/internal/store"
	"github.com/mnesis/mnesis/internal/writequeue"
)

// Content length and token bounds a memory's content must satisfy to be
// accepted. confidencePendingReviewThreshold is the confidence below which
// a semantic memory is held for human review instead of surfacing active.
const (
	minContentLen                    = 20
	maxContentLen                    = 1000
	maxContentTokens                 = 128
	confidencePendingReviewThreshold = 0.85
)

// firstPersonRE matches a standalone "i" token (case-insensitive), which
// also matches "I'm", "I've", "I'll", "I'd", and "I am" since the
// apostrophe/space counts as a word boundary.
var firstPersonRE = regexp.MustCompile(`(?i)\bi\b`)

// semanticDedupThreshold and conflictBand mirror the thresholds
// create_memory uses against the similarity 1 − vec0 distance of the
// nearest existing neighbor: above semanticDedupThreshold the new content is treated as the
// same fact and merged; inside conflictBand it's staged as a possible
// contradiction for a human/workbench decision rather than written
// silently.
const (
	semanticDedupThreshold = 0.92
	conflictBandLow        = 0.75
	conflictBandHigh       = 0.92
	neighborFetchLimit     = 10
)

// GraphDeriver is the subset of the graph layer the core calls into after
// a successful write. Declared here, at the point of use, so this package
// never imports internal/graph (which itself depends on internal/memory's
// types) — internal/graph's GraphLayer type implements this interface.
type GraphDeriver interface {
	DeriveEdges(ctx context.Context, memoryID string) error
}

// SessionTracker is the subset of session tracking the core updates
// outside the write queue: activity updates happen after enqueue_write
// returns rather than inside the queued operation itself.
type SessionTracker interface {
	UpdateActivity(ctx context.Context, sessionID string, written, read, feedback []string) error
	EndSession(ctx context.Context, sessionID, reason string) error
}

// noopGraph and noopSessions let Core be constructed without either
// dependency wired (e.g. in tests exercising only the store-facing paths).
type noopGraph struct{}

func (noopGraph) DeriveEdges(context.Context, string) error { return nil }

type noopSessions struct{}

func (noopSessions) UpdateActivity(context.Context, string, []string, []string, []string) error {
	return nil
}

func (noopSessions) EndSession(context.Context, string, string) error { return nil }

// Core is the memory core: the read/write surface every other component
// calls through for creating, searching, updating, and retiring memories.
type Core struct {
	store    *store.Store
	emb      *embedder.Embedder
	wq       *writequeue.Queue
	graph    GraphDeriver
	sessions SessionTracker
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Core at construction time.
type Option func(*Core)

// WithGraph wires a GraphDeriver (the real GraphLayer in production).
func WithGraph(g GraphDeriver) Option { return func(c *Core) { c.graph = g } }

// WithSessions wires a SessionTracker.
func WithSessions(s SessionTracker) Option { return func(c *Core) { c.sessions = s } }

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(c *Core) { c.now = now } }

// New constructs a Core over an already-open Store, Embedder, and write
// Queue.
func New(st *store.Store, emb *embedder.Embedder, wq *writequeue.Queue, log *slog.Logger, opts ...Option) *Core {
	if log == nil {
		log = slog.Default()
	}
	c := &Core{
		store:    st,
		emb:      emb,
		wq:       wq,
		graph:    noopGraph{},
		sessions: noopSessions{},
		log:      log,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(content)))
	return hex.EncodeToString(sum[:])
}

// validateContent runs the synchronous pre-enqueue checks every create
// must pass: stripped length in [minContentLen, maxContentLen], tokenizer
// count at most maxContentTokens, and no first-person phrasing. It returns
// the stripped content and, if rejected, the taxonomy reason for why.
func (c *Core) validateContent(content string) (trimmed string, rejectReason string) {
	trimmed = strings.TrimSpace(content)
	if n := utf8.RuneCountInString(trimmed); n < minContentLen || n > maxContentLen {
		return trimmed, RejectedLength
	}
	if c.emb.TokenCount(trimmed) > maxContentTokens {
		return trimmed, RejectedTokens
	}
	if firstPersonRE.MatchString(trimmed) {
		return trimmed, RejectedFirstPerson
	}
	return trimmed, ""
}

// CreateMemory runs the full write pipeline: validate, embed, exact-dedup
// by content hash, semantic-dedup/merge against the nearest active
// neighbor, staged-conflict detection, insert, edge derivation.
// Validation happens synchronously before the content ever reaches the
// write queue; a rejection is returned as a status=error result, never as
// an error value. The rest of the pipeline runs as a single writequeue
// operation so concurrent creates never race on the dedup/merge decision.
func (c *Core) CreateMemory(ctx context.Context, req CreateRequest) (CreateResult, error) {
	trimmed, rejectReason := c.validateContent(req.Content)
	if rejectReason != "" {
		return CreateResult{Status: "error", Action: ActionRejected, RejectReason: rejectReason}, nil
	}
	req.Content = trimmed

	v, err := c.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		return c.createMemoryLocked(ctx, req)
	})
	if err != nil {
		return CreateResult{}, err
	}
	result := v.(CreateResult)

	// Session activity updates happen outside the write queue: a slow or
	// failed session update must never hold up the next write.
	if req.SessionID != "" && result.Action != ActionSkipped {
		if err := c.sessions.UpdateActivity(ctx, req.SessionID, []string{result.ID}, nil, nil); err != nil {
			c.log.Warn("session activity update failed", "session_id", req.SessionID, "error", err)
		}
	}
	return result, nil
}

func (c *Core) createMemoryLocked(ctx context.Context, req CreateRequest) (CreateResult, error) {
	tbl, err := c.store.Table("memories")
	if err != nil {
		return CreateResult{}, err
	}
	vec, err := c.emb.Embed(ctx, req.Content)
	if err != nil {
		return CreateResult{}, fmt.Errorf("memory: embed: %w", err)
	}
	hash := contentHash(req.Content)

	neighbors, err := tbl.Search(vec).Where("status = 'active'").Limit(neighborFetchLimit).ToList(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("memory: neighbor search: %w", err)
	}

	for _, n := range neighbors {
		existingContent, _ := n["content"].(string)
		if contentHash(existingContent) == hash {
			id, _ := n["id"].(string)
			c.log.Info("memory create skipped: exact duplicate", "id", id)
			return CreateResult{ID: id, Status: "skipped", Action: ActionSkipped}, nil
		}
	}

	var nearest store.Row
	var nearestScore float64
	if len(neighbors) > 0 {
		nearest = neighbors[0]
		dist, _ := nearest["_distance"].(float64)
		nearestScore = 1 - dist
	}

	now := c.now()

	if nearest != nil && nearestScore >= semanticDedupThreshold {
		id, _ := nearest["id"].(string)
		prevImportance, _ := nearest["importance_score"].(float64)
		importance := math.Max(prevImportance, req.ImportanceScore)
		if err := tbl.Update(ctx, id, store.Row{
			"importance_score":   importance,
			"last_referenced_at": now.Format(time.RFC3339),
		}); err != nil {
			return CreateResult{}, fmt.Errorf("memory: merge update: %w", err)
		}
		c.log.Info("memory create merged", "id", id, "score", nearestScore)
		return CreateResult{ID: id, Status: "merged", Action: ActionMerged}, nil
	}

	profile, eventDate := decay.Classify(ctx, req.Content, req.Level, req.Category, now)
	expiresAt, reviewDueAt := decay.ExpiresAt(profile, eventDate, now)

	id := uuid.NewString()
	confidence := orDefault(req.ConfidenceScore, 0.7)
	status := req.ForcedStatus
	if status == "" {
		if req.Level == "semantic" && confidence < confidencePendingReviewThreshold {
			status = "pending_review"
		} else {
			status = "active"
		}
	}
	row := store.Row{
		"id":                     id,
		"content":                req.Content,
		"embedding":              vec,
		"level":                  req.Level,
		"category":               req.Category,
		"importance_score":       orDefault(req.ImportanceScore, 0.5),
		"confidence_score":       confidence,
		"privacy":                orDefaultStr(req.Privacy, "public"),
		"status":                 status,
		"version":                1,
		"reference_count":        0,
		"created_at":             now.Format(time.RFC3339),
		"updated_at":             now.Format(time.RFC3339),
		"last_referenced_at":     now.Format(time.RFC3339),
		"source_llm":             req.SourceLLM,
		"source_conversation_id": req.SourceConversationID,
		"source_message_id":      req.SourceMessageID,
		"source_excerpt":         req.SourceExcerpt,
		"suggestion_reason":      req.SuggestionReason,
		"tags":                   req.Tags,
		"decay_profile":          string(profile),
		"needs_review":           boolToInt(status == "pending_review"),
	}
	if eventDate != nil {
		row["event_date"] = eventDate.Format(time.RFC3339)
	}
	if expiresAt != nil {
		row["expires_at"] = expiresAt.Format(time.RFC3339)
	}
	if reviewDueAt != nil {
		row["review_due_at"] = reviewDueAt.Format(time.RFC3339)
	}

	// Stage possible-conflict candidates before the insert so a concurrent
	// read between insert and patch never observes a PendingConflict
	// pointing at a memory_id that doesn't exist yet.
	staged, err := c.stageConflicts(ctx, id, req, neighbors, now)
	if err != nil {
		return CreateResult{}, err
	}

	if err := tbl.Add(ctx, row); err != nil {
		return CreateResult{}, c.retryLegacyAdd(ctx, tbl, row, err)
	}

	if len(staged) > 0 {
		ptbl, err := c.store.Table("pending_conflicts")
		if err == nil {
			for _, pid := range staged {
				_ = ptbl.Update(ctx, pid, store.Row{"memory_id_candidate": id})
			}
		}
	}

	if err := c.graph.DeriveEdges(ctx, id); err != nil {
		c.log.Warn("graph edge derivation failed", "memory_id", id, "error", err)
	}

	c.log.Info("memory created", "id", id, "level", req.Level, "category", req.Category)
	return CreateResult{ID: id, Status: "created", Action: ActionCreated}, nil
}

// retryLegacyAdd falls back to a narrower column set when the store's
// schema predates the decay-profile columns, so a not-yet-migrated
// database doesn't hard-fail a write.
func (c *Core) retryLegacyAdd(ctx context.Context, tbl *store.Table, row store.Row, origErr error) error {
	c.log.Warn("memory add failed, retrying with legacy column set", "error", origErr)
	legacy := store.Row{}
	for k, v := range row {
		legacy[k] = v
	}
	for k := range map[string]bool{
		"decay_profile": true, "expires_at": true, "needs_review": true,
		"review_due_at": true, "event_date": true,
	} {
		delete(legacy, k)
	}
	if err := tbl.Add(ctx, legacy); err != nil {
		return fmt.Errorf("memory: add: %w (legacy retry also failed: %v)", origErr, err)
	}
	return nil
}

func (c *Core) stageConflicts(ctx context.Context, newID string, req CreateRequest, neighbors []store.Row, now time.Time) ([]string, error) {
	ptbl, err := c.store.Table("pending_conflicts")
	if err != nil {
		return nil, err
	}
	var staged []string
	for _, n := range neighbors {
		dist, _ := n["_distance"].(float64)
		score := 1 - dist
		if score < conflictBandLow || score > conflictBandHigh {
			continue
		}
		existingContent, _ := n["content"].(string)
		existingID, _ := n["id"].(string)
		res := conflict.IsContradiction(existingContent, req.Content)
		if !res.Contradiction {
			continue
		}
		pid := uuid.NewString()
		if err := ptbl.Add(ctx, store.Row{
			"id":                  pid,
			"memory_id_existing":  existingID,
			"memory_id_candidate": "PENDING",
			"candidate_content":   req.Content,
			"candidate_category":  req.Category,
			"candidate_level":     req.Level,
			"similarity_score":    score,
			"detected_at":         now.Format(time.RFC3339),
			"status":              "pending",
		}); err != nil {
			return nil, fmt.Errorf("memory: stage conflict: %w", err)
		}
		staged = append(staged, pid)
	}
	return staged, nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SearchMemories runs a re-ranked search: embed the query, vector-search
// active memories, then re-rank by
// 0.5*similarity + 0.3*importance + 0.2*recency, boosting 1.3x on a
// context-tag match. It is a read path and does not go through the write
// queue, but reference_count/last_referenced_at bumps are still persisted
// on a best-effort basis per memory — a slow or failed bump must never
// fail the read.
func (c *Core) SearchMemories(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	tbl, err := c.store.Table("memories")
	if err != nil {
		return nil, err
	}
	vec, err := c.emb.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	pred := "status = 'active'"
	if req.Category != "" {
		pred += fmt.Sprintf(" AND category = '%s'", escapeLit(req.Category))
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	rows, err := tbl.Search(vec).Where(pred).Limit(limit * 4).ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}

	levelSet := map[string]bool{}
	for _, l := range req.Levels {
		levelSet[l] = true
	}
	now := c.now()

	var hits []SearchHit
	for _, r := range rows {
		level, _ := r["level"].(string)
		if len(levelSet) > 0 && !levelSet[level] {
			continue
		}
		m := rowToMemory(r)
		dist, _ := r["_distance"].(float64)
		similarity := math.Max(0, 1-dist)
		daysSinceRef := now.Sub(m.LastReferencedAt).Hours() / 24
		recency := math.Exp(-0.05 * math.Max(0, daysSinceRef))
		score := 0.5*similarity + 0.3*m.ImportanceScore + 0.2*recency
		if req.Context != "" {
			for _, tag := range m.Tags {
				if strings.EqualFold(tag, req.Context) {
					score *= 1.3
					break
				}
			}
		}
		hits = append(hits, SearchHit{Memory: m, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	var read []string
	for _, h := range hits {
		read = append(read, h.Memory.ID)
		if err := tbl.Update(ctx, h.Memory.ID, store.Row{
			"reference_count":    h.Memory.ReferenceCount + 1,
			"last_referenced_at": now.Format(time.RFC3339),
		}); err != nil {
			c.log.Warn("reference bump failed", "memory_id", h.Memory.ID, "error", err)
		}
	}
	if req.SessionID != "" && len(read) > 0 {
		if err := c.sessions.UpdateActivity(ctx, req.SessionID, nil, read, nil); err != nil {
			c.log.Warn("session activity update failed", "session_id", req.SessionID, "error", err)
		}
	}
	return hits, nil
}

func escapeLit(s string) string { return strings.ReplaceAll(s, "'", "''") }

func rowToMemory(r store.Row) Memory {
	m := Memory{
		ID:              str(r["id"]),
		Content:         str(r["content"]),
		Level:           str(r["level"]),
		Category:        str(r["category"]),
		ImportanceScore: num(r["importance_score"]),
		ConfidenceScore: num(r["confidence_score"]),
		Privacy:         str(r["privacy"]),
		Status:          str(r["status"]),
		Version:         int(num(r["version"])),
		ReferenceCount:  int(num(r["reference_count"])),
		SourceLLM:       str(r["source_llm"]),
		DecayProfile:    str(r["decay_profile"]),
		NeedsReview:     num(r["needs_review"]) != 0,
	}
	m.CreatedAt = parseTime(r["created_at"])
	m.UpdatedAt = parseTime(r["updated_at"])
	m.LastReferencedAt = parseTime(r["last_referenced_at"])
	if tags, ok := r["tags"].([]any); ok {
		for _, t := range tags {
			m.Tags = append(m.Tags, fmt.Sprint(t))
		}
	}
	return m
}

func str(v any) string {
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpdateMemory archives the current content as a MemoryVersion, re-embeds
// the new content, bumps the version counter, and floors importance at 0.6:
// an explicit update is itself a signal the memory matters.
func (c *Core) UpdateMemory(ctx context.Context, req UpdateRequest) error {
	_, err := c.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		return nil, c.updateMemoryLocked(ctx, req)
	})
	return err
}

func (c *Core) updateMemoryLocked(ctx context.Context, req UpdateRequest) error {
	tbl, err := c.store.Table("memories")
	if err != nil {
		return err
	}
	existing, err := tbl.Get(ctx, req.ID)
	if err != nil {
		return err
	}
	now := c.now()
	vtbl, err := c.store.Table("memory_versions")
	if err != nil {
		return err
	}
	if err := vtbl.Add(ctx, store.Row{
		"id":         uuid.NewString(),
		"memory_id":  req.ID,
		"version":    int(num(existing["version"])),
		"content":    str(existing["content"]),
		"changed_by": "update_memory",
		"created_at": now.Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("memory: archive version: %w", err)
	}

	vec, err := c.emb.Embed(ctx, req.Content)
	if err != nil {
		return fmt.Errorf("memory: embed: %w", err)
	}
	importance := math.Max(num(existing["importance_score"]), 0.6)
	return tbl.Update(ctx, req.ID, store.Row{
		"content":             req.Content,
		"embedding":           vec,
		"version":             int(num(existing["version"])) + 1,
		"importance_score":    importance,
		"updated_at":          now.Format(time.RFC3339),
		"last_referenced_at":  now.Format(time.RFC3339),
	})
}

// DeleteMemory soft-deletes a memory by marking it status=archived, the
// terminal state in the {active, pending_review, archived} status enum.
// Edges touching it are left in place rather than cascaded; see DESIGN.md
// for that decision. Callers that only want edges between active memories
// are expected to filter on the endpoints' status themselves.
func (c *Core) DeleteMemory(ctx context.Context, id string) error {
	_, err := c.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		tbl, err := c.store.Table("memories")
		if err != nil {
			return nil, err
		}
		return nil, tbl.Update(ctx, id, store.Row{
			"status":     "archived",
			"updated_at": c.now().Format(time.RFC3339),
		})
	})
	return err
}

// ProcessFeedback bumps importance and reference_count for a positively-
// reinforced memory. This deliberately does NOT go through the write queue:
// it's treated as a safe read-mostly score update, accepting the resulting
// race between a concurrent CreateMemory merge and a feedback call as a
// known, low-severity gap rather than serializing every feedback call
// behind the same queue that serializes heavier writes.
func (c *Core) ProcessFeedback(ctx context.Context, req FeedbackRequest) error {
	tbl, err := c.store.Table("memories")
	if err != nil {
		return err
	}
	existing, err := tbl.Get(ctx, req.MemoryID)
	if err != nil {
		return err
	}
	importance := math.Min(1.0, num(existing["importance_score"])+0.05)
	if err := tbl.Update(ctx, req.MemoryID, store.Row{
		"importance_score": importance,
		"reference_count":  int(num(existing["reference_count"])) + 1,
	}); err != nil {
		return err
	}
	if req.SessionID != "" {
		if err := c.sessions.UpdateActivity(ctx, req.SessionID, nil, nil, []string{req.MemoryID}); err != nil {
			c.log.Warn("session activity update failed", "session_id", req.SessionID, "error", err)
		}
		// Feedback is typically the last client call in a tool-use round trip,
		// so the session is ended here with a fixed reason rather than waiting
		// for an explicit close call that may never arrive.
		if err := c.sessions.EndSession(ctx, req.SessionID, "feedback_called"); err != nil {
			c.log.Warn("session end failed", "session_id", req.SessionID, "error", err)
		}
	}
	return nil
}

// statsCategories and statsLevels are the fixed taxonomies Stats breaks
// counts down by: the five snapshot section categories (normalize.go also
// emits "history" and "working", which are not counted here) and the three
// memory levels.
var (
	statsCategories = []string{"identity", "preferences", "projects", "relationships", "skills"}
	statsLevels     = []string{"semantic", "episodic", "working"}
	statsStatuses   = []string{"active", "pending_review", "archived"}
)

// Stats summarizes the memories/pending_conflicts tables for an
// admin-facing insights surface: per-status, per-category, and per-level
// counts, plus how many rows are awaiting human review.
func (c *Core) Stats(ctx context.Context) (Stats, error) {
	tbl, err := c.store.Table("memories")
	if err != nil {
		return Stats{}, err
	}
	total, err := tbl.Count(ctx, "")
	if err != nil {
		return Stats{}, fmt.Errorf("memory: stats total: %w", err)
	}

	byStatus := make(map[string]int, len(statsStatuses))
	for _, status := range statsStatuses {
		n, err := tbl.Count(ctx, fmt.Sprintf("status = '%s'", status))
		if err != nil {
			return Stats{}, fmt.Errorf("memory: stats status %s: %w", status, err)
		}
		byStatus[status] = n
	}

	byCategory := make(map[string]int, len(statsCategories))
	for _, category := range statsCategories {
		n, err := tbl.Count(ctx, fmt.Sprintf("status = 'active' AND category = '%s'", category))
		if err != nil {
			return Stats{}, fmt.Errorf("memory: stats category %s: %w", category, err)
		}
		byCategory[category] = n
	}

	byLevel := make(map[string]int, len(statsLevels))
	for _, level := range statsLevels {
		n, err := tbl.Count(ctx, fmt.Sprintf("status = 'active' AND level = '%s'", level))
		if err != nil {
			return Stats{}, fmt.Errorf("memory: stats level %s: %w", level, err)
		}
		byLevel[level] = n
	}

	needsReview, err := tbl.Count(ctx, "needs_review = 1")
	if err != nil {
		return Stats{}, fmt.Errorf("memory: stats needs_review: %w", err)
	}

	ptbl, err := c.store.Table("pending_conflicts")
	if err != nil {
		return Stats{}, err
	}
	pendingConflicts, err := ptbl.Count(ctx, "")
	if err != nil {
		return Stats{}, fmt.Errorf("memory: stats pending_conflicts: %w", err)
	}

	return Stats{
		Total:            total,
		ByStatus:         byStatus,
		ByCategory:       byCategory,
		ByLevel:          byLevel,
		PendingReview:    byStatus["pending_review"],
		NeedsReview:      needsReview,
		PendingConflicts: pendingConflicts,
	}, nil
}
