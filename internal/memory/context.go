package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// contextHintBuckets maps a free-text hint to one of the four context
// values GetSnapshot/SearchMemories consume.
var contextHintBuckets = map[string][]string{
	"development": {"code", "coding", "bug", "debug", "repo", "deploy", "pull request", "commit", "terminal", "ide"},
	"business":    {"client", "invoice", "meeting", "revenue", "deal", "proposal", "contract", "stakeholder"},
	"personal":    {"family", "friend", "birthday", "hobby", "vacation", "health", "weekend"},
}

// ResolveContext maps a free-text hint to a context bucket, defaulting to
// "default" when nothing matches.
func ResolveContext(hint string) string {
	lower := strings.ToLower(hint)
	for bucket, keywords := range contextHintBuckets {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return bucket
			}
		}
	}
	return "default"
}

type sectionSpec struct {
	category string
	header   string
	limit    int
}

// sectionOrders rotates the section order by resolved context, e.g. a
// development context surfaces projects/skills before relationships/
// personal preferences.
var sectionOrders = map[string][]sectionSpec{
	"development": {
		{"skills", "Skills", 5},
		{"projects", "Projects", 10},
		{"preferences", "Preferences", 5},
		{"identity", "Identity", 3},
		{"relationships", "Relationships", 5},
	},
	"business": {
		{"relationships", "Relationships", 5},
		{"projects", "Projects", 10},
		{"identity", "Identity", 3},
		{"preferences", "Preferences", 5},
		{"skills", "Skills", 5},
	},
	"personal": {
		{"relationships", "Relationships", 5},
		{"preferences", "Preferences", 5},
		{"identity", "Identity", 3},
		{"skills", "Skills", 5},
		{"projects", "Projects", 10},
	},
	"default": {
		{"identity", "Identity", 3},
		{"preferences", "Preferences", 5},
		{"projects", "Projects", 10},
		{"relationships", "Relationships", 5},
		{"skills", "Skills", 5},
	},
}

// truncationPriority is the order sections are shrunk in when the snapshot
// exceeds tokenBudget: skills first, then relationships, then preferences,
// then projects, then recent/working memories; identity is never
// truncated.
var truncationPriority = []string{"skills", "relationships", "preferences", "projects", "recent"}

const tokenBudget = 800

// estimateTokens approximates token count as content length / 4, a common
// rough heuristic and sufficient for budget enforcement without a real
// tokenizer dependency.
func estimateTokens(s string) int { return len(s)/4 + 1 }

// GetSnapshot assembles the rotating-section context bundle: per-category
// sections in context-dependent order, plus a separate
// working-memory section for anything referenced in the last 72 hours,
// trimmed to fit an 800-token budget.
func (c *Core) GetSnapshot(ctx context.Context, contextHint string) (Snapshot, error) {
	tbl, err := c.store.Table("memories")
	if err != nil {
		return Snapshot{}, err
	}
	resolved := ResolveContext(contextHint)
	if _, ok := sectionOrders[resolved]; !ok {
		resolved = "default"
	}
	now := c.now()

	var sections []SnapshotSection
	total := 0
	for _, spec := range sectionOrders[resolved] {
		pred := fmt.Sprintf("status = 'active' AND category = '%s'", escapeLit(spec.category))
		rows, err := tbl.Search(nil).Where(pred).Limit(spec.limit).ToList(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("memory: snapshot section %s: %w", spec.category, err)
		}
		sort.Slice(rows, func(i, j int) bool {
			return num(rows[i]["importance_score"]) > num(rows[j]["importance_score"])
		})
		var mems []Memory
		for _, r := range rows {
			m := rowToMemory(r)
			mems = append(mems, m)
			total += estimateTokens(m.Content)
		}
		sections = append(sections, SnapshotSection{Header: spec.header, Category: spec.category, Memories: mems})
	}

	workingCutoff := now.Add(-72 * time.Hour)
	workingPred := fmt.Sprintf("status = 'active' AND level = 'working' AND last_referenced_at >= '%s'",
		escapeLit(workingCutoff.Format(time.RFC3339)))
	workingRows, err := tbl.Search(nil).Where(workingPred).Limit(50).ToList(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("memory: snapshot working section: %w", err)
	}
	var working []Memory
	for _, r := range workingRows {
		m := rowToMemory(r)
		working = append(working, m)
		total += estimateTokens(m.Content)
	}

	total = trimToBudget(sections, working, total)

	return Snapshot{Context: resolved, Sections: sections, Working: working, Tokens: total}, nil
}

// trimToBudget's identity section is deliberately absent from
// truncationPriority: it is the one category that must never shrink.

// trimToBudget shrinks sections (by the fixed truncationPriority order,
// working memory last; identity is never shrunk) until the estimated token total fits
// tokenBudget, mutating sections/working in place and returning the new
// total.
func trimToBudget(sections []SnapshotSection, working []Memory, total int) int {
	byCategory := make(map[string]*SnapshotSection, len(sections))
	for i := range sections {
		byCategory[sections[i].Category] = &sections[i]
	}
	for _, cat := range truncationPriority {
		if total <= tokenBudget {
			break
		}
		if cat == "recent" {
			for len(working) > 0 && total > tokenBudget {
				last := working[len(working)-1]
				total -= estimateTokens(last.Content)
				working = working[:len(working)-1]
			}
			continue
		}
		sec, ok := byCategory[cat]
		if !ok {
			continue
		}
		for len(sec.Memories) > 0 && total > tokenBudget {
			last := sec.Memories[len(sec.Memories)-1]
			total -= estimateTokens(last.Content)
			sec.Memories = sec.Memories[:len(sec.Memories)-1]
			sec.Truncated = true
		}
	}
	return total
}
