// Package candidate implements the candidate staging store: the area the
// Miner writes extracted-but-unconfirmed facts into before they
// accumulate enough evidence to promote into a real Memory.
package candidate

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnesis/mnesis/internal/embedder"
	"github.com/mnesis/mnesis/internal/store"
)

// Candidate is one staged, not-yet-promoted extracted fact.
type Candidate struct {
	ID                string
	CanonicalKey      string
	Content           string
	NormalizedContent string
	Category          string
	Level             string
	Confidence        float64
	EvidenceCount     int
	ConversationIDs   []string
	SourceMessageIDs  []string
	Methods           []string
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	PromotionScore    float64
	Status            string // pending | promoted | merged | conflict_pending | rejected
	PromotedMemoryID  string
}

// Outcome reports what Upsert did with an incoming extraction.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeMerged  Outcome = "merged"
)

const (
	semanticDedupCosine   = 0.92
	sameCategoryMinCosine = 0.0 // unused: a same-category neighbor is matched at semanticDedupCosine
	crossCategoryMinCosine = 0.96
)

var nonWordRE = regexp.MustCompile(`[^a-z0-9 ]+`)
var spaceRE = regexp.MustCompile(`\s+`)

// Canonicalize lowercases, strips punctuation, and collapses whitespace, so
// trivially-reworded duplicates ("Likes coffee." vs "likes coffee") share a
// canonical key.
func Canonicalize(content string) string {
	lower := strings.ToLower(strings.TrimSpace(content))
	stripped := nonWordRE.ReplaceAllString(lower, " ")
	return strings.TrimSpace(spaceRE.ReplaceAllString(stripped, " "))
}

// CanonicalKey computes the sha1(category|level|canonicalize(content)) key
// used for exact-duplicate detection across extraction runs.
func CanonicalKey(category, level, content string) string {
	sum := sha1.Sum([]byte(category + "|" + level + "|" + Canonicalize(content)))
	return hex.EncodeToString(sum[:])
}

// Store is the candidate staging store.
type Store struct {
	store *store.Store
	emb   *embedder.Embedder
	log   *slog.Logger
	now   func() time.Time
}

// New constructs a Store.
func New(st *store.Store, emb *embedder.Embedder, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{store: st, emb: emb, log: log, now: time.Now}
}

// Extraction is one piece of evidence the Miner wants to stage or
// reinforce.
type Extraction struct {
	Content         string
	Category        string
	Level           string
	Confidence      float64
	ConversationID  string
	SourceMessageID string
	Method          string // "llm" | "heuristic"
}

// Upsert stages a new candidate, or — if an existing candidate matches by
// canonical key or by semantic similarity — reinforces it: bumps evidence
// count, appends the new conversation/message/method provenance, takes the
// max confidence seen, and refreshes last_seen_at.
func (s *Store) Upsert(ctx context.Context, ex Extraction) (Candidate, Outcome, error) {
	tbl, err := s.store.Table("candidates")
	if err != nil {
		return Candidate{}, "", err
	}
	canonical := CanonicalKey(ex.Category, ex.Level, ex.Content)

	exactRows, err := tbl.Search(nil).Where(fmt.Sprintf("canonical_key = '%s'", escapeLit(canonical))).Limit(1).ToList(ctx)
	if err != nil {
		return Candidate{}, "", err
	}
	if len(exactRows) > 0 {
		return s.reinforce(ctx, tbl, exactRows[0], ex)
	}

	vec, err := s.emb.Embed(ctx, ex.Content)
	if err != nil {
		return Candidate{}, "", fmt.Errorf("candidate: embed: %w", err)
	}
	neighbors, err := tbl.Search(vec).Where("status = 'pending'").Limit(10).ToList(ctx)
	if err != nil {
		return Candidate{}, "", err
	}
	for _, n := range neighbors {
		otherLevel, _ := n["level"].(string)
		if otherLevel != ex.Level {
			continue
		}
		dist, _ := n["_distance"].(float64)
		sim := 1 - dist
		otherCategory, _ := n["category"].(string)
		threshold := crossCategoryMinCosine
		if otherCategory == ex.Category {
			threshold = semanticDedupCosine
		}
		if sim >= threshold {
			return s.reinforce(ctx, tbl, n, ex)
		}
	}

	now := s.now()
	id := uuid.NewString()
	c := Candidate{
		ID: id, CanonicalKey: canonical, Content: ex.Content,
		NormalizedContent: Canonicalize(ex.Content), Category: ex.Category, Level: ex.Level,
		Confidence: ex.Confidence, EvidenceCount: 1,
		ConversationIDs: nonEmpty(ex.ConversationID), SourceMessageIDs: nonEmpty(ex.SourceMessageID),
		Methods: nonEmpty(ex.Method), FirstSeenAt: now, LastSeenAt: now, Status: "pending",
	}
	c.PromotionScore = PromotionScore(c, now)
	if err := tbl.Add(ctx, store.Row{
		"id": c.ID, "canonical_key": c.CanonicalKey, "content": c.Content,
		"normalized_content": c.NormalizedContent, "embedding": vec,
		"category": c.Category, "level": c.Level, "confidence": c.Confidence,
		"evidence_count": c.EvidenceCount, "conversation_ids": c.ConversationIDs,
		"source_message_ids": c.SourceMessageIDs, "methods": c.Methods,
		"first_seen_at": now.Format(time.RFC3339), "last_seen_at": now.Format(time.RFC3339),
		"promotion_score": c.PromotionScore, "status": "pending",
	}); err != nil {
		return Candidate{}, "", fmt.Errorf("candidate: add: %w", err)
	}
	return c, OutcomeCreated, nil
}

func (s *Store) reinforce(ctx context.Context, tbl *store.Table, row store.Row, ex Extraction) (Candidate, Outcome, error) {
	id, _ := row["id"].(string)
	now := s.now()
	evidence := int(toInt(row["evidence_count"])) + 1
	confidence := math.Max(toFloat(row["confidence"]), ex.Confidence)
	convIDs := appendUnique(row["conversation_ids"], ex.ConversationID)
	msgIDs := appendUnique(row["source_message_ids"], ex.SourceMessageID)
	methods := appendUnique(row["methods"], ex.Method)

	c := Candidate{
		ID: id, Content: strOf(row["content"]), Category: strOf(row["category"]),
		Level: strOf(row["level"]), Confidence: confidence, EvidenceCount: evidence,
		ConversationIDs: convIDs, LastSeenAt: now,
	}
	c.PromotionScore = PromotionScore(c, now)

	if err := tbl.Update(ctx, id, store.Row{
		"evidence_count":     evidence,
		"confidence":         confidence,
		"conversation_ids":   convIDs,
		"source_message_ids": msgIDs,
		"methods":            methods,
		"last_seen_at":       now.Format(time.RFC3339),
		"promotion_score":    c.PromotionScore,
	}); err != nil {
		return Candidate{}, "", fmt.Errorf("candidate: reinforce: %w", err)
	}
	return c, OutcomeMerged, nil
}

// PromotionScore implements the weighted formula:
//
//	0.52*confidence + 0.23*min(evidence,4)/4 + 0.17*min(conversations,3)/3
//	+ 0.08*recency + (0.04 if semantic)
//
// clamped to [0, 0.99]. recency = max(0, 1 - days_since_last_seen/60).
func PromotionScore(c Candidate, now time.Time) float64 {
	evidence := math.Min(float64(c.EvidenceCount), 4) / 4
	conversations := math.Min(float64(len(c.ConversationIDs)), 3) / 3
	days := now.Sub(c.LastSeenAt).Hours() / 24
	recency := math.Max(0, 1-days/60)
	score := 0.52*c.Confidence + 0.23*evidence + 0.17*conversations + 0.08*recency
	if c.Level == "semantic" {
		score += 0.04
	}
	if score < 0 {
		score = 0
	}
	if score > 0.99 {
		score = 0.99
	}
	return score
}

// DefaultPromotionMinScore is the threshold the miner's persistence stage
// promotes a candidate at, absent a high-confidence fast path.
const DefaultPromotionMinScore = 0.72

// HighConfidenceFastPath is the confidence above which a candidate promotes
// regardless of promotion_score.
const HighConfidenceFastPath = 0.93

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func appendUnique(existing any, add string) []string {
	seen := map[string]bool{}
	var out []string
	if arr, ok := existing.([]any); ok {
		for _, v := range arr {
			s := fmt.Sprint(v)
			if s != "" && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	if add != "" && !seen[add] {
		out = append(out, add)
	}
	return out
}

func strOf(v any) string { s, _ := v.(string); return s }
func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}
func toInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}

func escapeLit(s string) string { return strings.ReplaceAll(s, "'", "''") }

// ListPending returns up to limit pending candidates for promotion
// consideration. The store has no ORDER BY support, so callers
// that need the highest-scoring candidates first must sort the result
// themselves.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Candidate, error) {
	tbl, err := s.store.Table("candidates")
	if err != nil {
		return nil, err
	}
	rows, err := tbl.Search(nil).Where("status = 'pending'").Limit(limit).ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("candidate: list pending: %w", err)
	}
	out := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToCandidate(row))
	}
	return out, nil
}

// MarkOutcome records the per-candidate promotion outcome: status is one
// of promoted | merged | conflict_pending | rejected.
// promotedMemoryID is empty unless status is promoted or merged.
func (s *Store) MarkOutcome(ctx context.Context, id, status, promotedMemoryID string) error {
	tbl, err := s.store.Table("candidates")
	if err != nil {
		return err
	}
	sets := store.Row{"status": status}
	if promotedMemoryID != "" {
		sets["promoted_memory_id"] = promotedMemoryID
	}
	if err := tbl.Update(ctx, id, sets); err != nil {
		return fmt.Errorf("candidate: mark outcome: %w", err)
	}
	return nil
}

func rowToCandidate(row store.Row) Candidate {
	c := Candidate{
		ID:                 strOf(row["id"]),
		CanonicalKey:       strOf(row["canonical_key"]),
		Content:            strOf(row["content"]),
		NormalizedContent:  strOf(row["normalized_content"]),
		Category:           strOf(row["category"]),
		Level:              strOf(row["level"]),
		Confidence:         toFloat(row["confidence"]),
		EvidenceCount:      int(toInt(row["evidence_count"])),
		ConversationIDs:    toStringSlice(row["conversation_ids"]),
		SourceMessageIDs:   toStringSlice(row["source_message_ids"]),
		Methods:            toStringSlice(row["methods"]),
		PromotionScore:     toFloat(row["promotion_score"]),
		Status:             strOf(row["status"]),
		PromotedMemoryID:   strOf(row["promoted_memory_id"]),
	}
	if ts, ok := row["first_seen_at"].(string); ok {
		c.FirstSeenAt, _ = time.Parse(time.RFC3339, ts)
	}
	if ts, ok := row["last_seen_at"].(string); ok {
		c.LastSeenAt, _ = time.Parse(time.RFC3339, ts)
	}
	return c
}

func toStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s := fmt.Sprint(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
