// Package graph implements the memory graph layer. After a memory is
// written, Layer looks at its nearest active neighbors and derives typed
// edges between them, persisted as plain rows rather than in an external
// graph database (see DESIGN.md for why).
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnesis/mnesis/internal/conflict"
	"github.com/mnesis/mnesis/internal/embedder"
	"github.com/mnesis/mnesis/internal/store"
)

// Edge type constants.
const (
	EdgeBelongsTo      = "BELONGS_TO"
	EdgeReinforces     = "REINFORCES"
	EdgeContradicts    = "CONTRADICTS"
	EdgePrecedes       = "PRECEDES"
	EdgeDependsOn      = "DEPENDS_ON"
	EdgeInvolvesPerson = "INVOLVES_PERSON"
)

const (
	neighborLimit     = 15
	neighborMinScore  = 0.65
	belongsToMinScore = 0.72
	reinforcesMinScore = 0.90
	dependsOnMinScore  = 0.75
)

var dependsOnMarkers = []string{"depends on", "requires", "after"}

// commonNames are capitalized tokens that look like person names but aren't
// (weekday/month names, sentence-leading pronouns the regex below can't
// already exclude).
var commonNames = map[string]bool{
	"Monday": true, "Tuesday": true, "Wednesday": true, "Thursday": true,
	"Friday": true, "Saturday": true, "Sunday": true,
	"January": true, "February": true, "March": true, "April": true, "May": true,
	"June": true, "July": true, "August": true, "September": true, "October": true,
	"November": true, "December": true,
	"I": true, "The": true, "This": true, "That": true, "They": true,
}

var personTokenRE = regexp.MustCompile(`\b[A-Z][a-z]{2,}\b`)

// extractPeople returns the distinct person-like capitalized tokens in
// text, excluding commonNames.
func extractPeople(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, tok := range personTokenRE.FindAllString(text, -1) {
		if commonNames[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

func sharedPerson(a, b string) (string, bool) {
	bSet := map[string]bool{}
	for _, p := range extractPeople(b) {
		bSet[p] = true
	}
	for _, p := range extractPeople(a) {
		if bSet[p] {
			return p, true
		}
	}
	return "", false
}

// Sink is an optional external graph-database mirror, matching the
// original's _KuzuClient: best-effort, never fatal to edge derivation
// itself. No Go Kuzu driver appears anywhere in the retrieved pack (see
// DESIGN.md), so the default Sink is a no-op; a real sink can be wired in
// by implementing this interface against whatever graph store an operator
// chooses.
type Sink interface {
	UpsertMemory(ctx context.Context, id, content, category string) error
	AddEdge(ctx context.Context, sourceID, targetID, edgeType string, score float64) error
}

type noopSink struct{}

func (noopSink) UpsertMemory(context.Context, string, string, string) error   { return nil }
func (noopSink) AddEdge(context.Context, string, string, string, float64) error { return nil }

// Layer is the memory graph layer.
type Layer struct {
	store *store.Store
	emb   *embedder.Embedder
	sink  Sink
	log   *slog.Logger
	now   func() time.Time
}

// Option configures a Layer at construction.
type Option func(*Layer)

// WithSink wires an external graph mirror.
func WithSink(s Sink) Option { return func(l *Layer) { l.sink = s } }

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) Option { return func(l *Layer) { l.now = now } }

// New constructs a Layer.
func New(st *store.Store, emb *embedder.Embedder, log *slog.Logger, opts ...Option) *Layer {
	if log == nil {
		log = slog.Default()
	}
	l := &Layer{store: st, emb: emb, sink: noopSink{}, log: log, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

type candidateRow struct {
	id       string
	content  string
	category string
	level    string
	eventAt  *time.Time
	score    float64
}

// DeriveEdges implements GraphDeriver for internal/memory.Core: it fetches
// the memory's nearest active neighbors, applies each edge rule in turn,
// and persists any new (source, target, type) edge not already present —
// deduped within this single call rather than via a global uniqueness
// constraint in the table itself.
func (l *Layer) DeriveEdges(ctx context.Context, memoryID string) error {
	tbl, err := l.store.Table("memories")
	if err != nil {
		return err
	}
	self, err := tbl.Get(ctx, memoryID)
	if err != nil {
		return fmt.Errorf("graph: load memory %s: %w", memoryID, err)
	}
	vec, ok := self["embedding"].([]float32)
	if !ok {
		return nil // nothing to search against without an embedding
	}
	rows, err := tbl.Search(vec).Where("status = 'active'").Limit(neighborLimit + 1).ToList(ctx)
	if err != nil {
		return fmt.Errorf("graph: neighbor search: %w", err)
	}

	selfContent, _ := self["content"].(string)
	selfCategory, _ := self["category"].(string)
	var selfEvent *time.Time
	if s, ok := self["event_date"].(string); ok && s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			selfEvent = &t
		}
	}

	type newEdge struct {
		targetID string
		edgeType string
		score    float64
	}
	seen := map[string]bool{}
	var edges []newEdge
	addEdge := func(targetID, edgeType string, score float64) {
		key := memoryID + "|" + targetID + "|" + edgeType
		if seen[key] {
			return
		}
		seen[key] = true
		edges = append(edges, newEdge{targetID, edgeType, score})
	}

	for _, r := range rows {
		otherID, _ := r["id"].(string)
		if otherID == "" || otherID == memoryID {
			continue
		}
		dist, _ := r["_distance"].(float64)
		score := 1 - dist
		if score < neighborMinScore {
			continue
		}
		otherContent, _ := r["content"].(string)
		otherCategory, _ := r["category"].(string)

		if selfCategory != "" && selfCategory == otherCategory && score >= belongsToMinScore {
			addEdge(otherID, EdgeBelongsTo, score)
		}

		res := conflict.IsContradiction(selfContent, otherContent)
		if res.Contradiction {
			addEdge(otherID, EdgeContradicts, score)
		} else if score >= reinforcesMinScore {
			addEdge(otherID, EdgeReinforces, score)
		}

		if containsAny(strings.ToLower(otherContent), dependsOnMarkers) && score >= dependsOnMinScore {
			addEdge(otherID, EdgeDependsOn, score)
		}

		if selfEvent != nil {
			if s, ok := r["event_date"].(string); ok && s != "" {
				if otherEvent, err := time.Parse(time.RFC3339, s); err == nil {
					if selfEvent.Before(otherEvent) {
						addEdge(otherID, EdgePrecedes, score)
					}
				}
			}
		}

		if _, ok := sharedPerson(selfContent, otherContent); ok {
			addEdge(otherID, EdgeInvolvesPerson, score)
		}
	}

	etbl, err := l.store.Table("memory_graph_edges")
	if err != nil {
		return err
	}
	now := l.now()
	for _, e := range edges {
		if err := etbl.Add(ctx, store.Row{
			"id":         uuid.NewString(),
			"source_id":  memoryID,
			"target_id":  e.targetID,
			"type":       e.edgeType,
			"score":      e.score,
			"created_at": now.Format(time.RFC3339),
		}); err != nil {
			return fmt.Errorf("graph: add edge: %w", err)
		}
		if err := l.sink.AddEdge(ctx, memoryID, e.targetID, e.edgeType, e.score); err != nil {
			l.log.Warn("graph sink mirror failed", "error", err)
		}
	}
	if err := l.sink.UpsertMemory(ctx, memoryID, selfContent, selfCategory); err != nil {
		l.log.Warn("graph sink upsert failed", "error", err)
	}
	return nil
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// EdgesFor returns every edge touching memoryID as either source or target.
// It does not check the status of the memories at either end.
func (l *Layer) EdgesFor(ctx context.Context, memoryID string) ([]store.Row, error) {
	etbl, err := l.store.Table("memory_graph_edges")
	if err != nil {
		return nil, err
	}
	pred := fmt.Sprintf("source_id = '%s' OR target_id = '%s'", escapeLit(memoryID), escapeLit(memoryID))
	return etbl.Search(nil).Where(pred).Limit(200).ToList(ctx)
}

func escapeLit(s string) string { return strings.ReplaceAll(s, "'", "''") }
