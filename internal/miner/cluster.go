package miner

import (
	"regexp"
	"strings"
)

// rawCandidate is one piece of evidence before it has been deduped,
// clustered, and staged into the candidate store — the Go analogue of the
// plain dict candidates conversation_mining.py threads through
// _consolidate_candidates and _merge_cluster_candidates.
type rawCandidate struct {
	Content                string
	Category               string
	Level                  string
	Confidence             float64
	ConversationID          string
	ConversationTitle       string
	SourceMessageID        string
	SourceMessageTimestamp string
	SourceExcerpt          string
	Method                 string
}

var topicStopwords = map[string]bool{
	"the": true, "this": true, "that": true, "these": true, "those": true,
	"with": true, "from": true, "into": true, "about": true, "your": true,
	"their": true, "will": true, "would": true, "should": true, "could": true,
	"using": true, "used": true, "uses": true, "user": true, "users": true,
	"application": true, "applications": true, "system": true, "modern": true,
	"mobile": true, "first": true, "called": true, "utilize": true, "utilizes": true,
	"project": true, "projects": true,
}

var topicTokenRE = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9_\-]{2,}`)
var namedTokenRE = regexp.MustCompile(`\b[A-Z][A-Za-z0-9_\-]{2,}\b`)

// extractTopicTokens mirrors _extract_topic_tokens.
func extractTopicTokens(text string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range topicTokenRE.FindAllString(strings.ToLower(text), -1) {
		if len(tok) < 4 || topicStopwords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}

// extractNamedTokens mirrors _extract_named_tokens: capitalized "branded
// entity" tokens (HomeBoard, Notion, Stripe...), lowercased for comparison.
func extractNamedTokens(text string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range namedTokenRE.FindAllString(text, -1) {
		lowered := strings.ToLower(tok)
		if topicStopwords[lowered] {
			continue
		}
		out[lowered] = true
	}
	return out
}

var projectFollowupPrefixes = []string{
	"the application ", "this application ", "the app ", "this app ",
	"the project ", "this project ", "the product ", "it will ", "it is ", "it should ",
}

// looksLikeProjectFollowup mirrors _looks_like_project_followup.
func looksLikeProjectFollowup(text string) bool {
	value := strings.ToLower(strings.TrimSpace(text))
	if value == "" {
		return false
	}
	for _, prefix := range projectFollowupPrefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

// candidateCluster accumulates related raw candidates within one
// (conversation, level) group, matching the dict cluster shape built
// inline in _consolidate_candidates.
type candidateCluster struct {
	members          []rawCandidate
	topicTokens      map[string]bool
	namedTokens      map[string]bool
	categories       map[string]bool
	sourceMessageIDs map[string]bool
}

func unionInto(dst map[string]bool, src map[string]bool) {
	for k := range src {
		dst[k] = true
	}
}

func intersects(a, b map[string]bool) bool {
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	for k := range small {
		if big[k] {
			return true
		}
	}
	return false
}

func intersectCount(a, b map[string]bool) int {
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	n := 0
	for k := range small {
		if big[k] {
			n++
		}
	}
	return n
}

// candidateRelatedToCluster mirrors _candidate_related_to_cluster's rule
// order: shared source message, shared named token, >=2 shared topic
// tokens, Jaccard>=0.45 on topic tokens, or a projects-category follow-up.
func candidateRelatedToCluster(c rawCandidate, cl *candidateCluster) bool {
	if c.SourceMessageID != "" && cl.sourceMessageIDs[c.SourceMessageID] {
		return true
	}
	named := extractNamedTokens(c.Content)
	if len(named) > 0 && intersects(named, cl.namedTokens) {
		return true
	}
	topic := extractTopicTokens(c.Content)
	shared := intersectCount(topic, cl.topicTokens)
	if shared >= 2 {
		return true
	}
	if len(topic) > 0 && len(cl.topicTokens) > 0 {
		unionSize := len(topic)
		for k := range cl.topicTokens {
			if !topic[k] {
				unionSize++
			}
		}
		if float64(shared)/float64(max(1, unionSize)) >= 0.45 {
			return true
		}
	}
	category := normalizeCategory(c.Category)
	if category == "projects" && cl.categories[category] && len(cl.namedTokens) > 0 && looksLikeProjectFollowup(c.Content) {
		return true
	}
	return false
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// mergeClusterCandidates mirrors _merge_cluster_candidates: joins member
// contents with "; ", capped at maxChars and 4 members' worth of content,
// keeps the max confidence and the category with the most confidence mass,
// and tags the method with ":condensed".
func mergeClusterCandidates(members []rawCandidate, maxChars int) rawCandidate {
	if len(members) <= 1 {
		return members[0]
	}
	base := members[0]
	baseText := strings.TrimRight(strings.TrimSpace(base.Content), " .;")
	if baseText == "" {
		return base
	}

	seen := map[string]bool{normalizeForDedupe(baseText): true}
	parts := []string{baseText}
	for _, m := range members[1:] {
		extra := strings.TrimRight(strings.TrimSpace(m.Content), " .;")
		if extra == "" {
			continue
		}
		key := normalizeForDedupe(extra)
		if key == "" || seen[key] {
			continue
		}
		trial := strings.Join(append(append([]string{}, parts...), extra), "; ") + "."
		if len(trial) > maxChars {
			break
		}
		seen[key] = true
		parts = append(parts, extra)
	}

	if len(parts) <= 1 {
		return base
	}

	categoryScores := map[string]float64{}
	maxConfidence := 0.0
	for _, m := range members {
		cat := normalizeCategory(m.Category)
		categoryScores[cat] += normalizeConfidence(m.Confidence)
		if c := normalizeConfidence(m.Confidence); c > maxConfidence {
			maxConfidence = c
		}
	}
	mergedCategory := base.Category
	bestScore := -1.0
	for cat, score := range categoryScores {
		if score > bestScore {
			bestScore = score
			mergedCategory = cat
		}
	}

	merged := base
	merged.Content = strings.Join(parts, "; ") + "."
	merged.Confidence = maxConfidence
	merged.Category = mergedCategory
	if merged.Method == "" {
		merged.Method = "heuristic"
	}
	merged.Method += ":condensed"
	return merged
}

// consolidateCandidates mirrors _consolidate_candidates: groups candidates
// by (conversation_id, level), clusters related candidates within each
// group (capped at maxClusterSize members), merges each cluster, and
// returns results in first-seen order.
func consolidateCandidates(candidates []rawCandidate, maxChars, maxClusterSize int) []rawCandidate {
	if len(candidates) <= 1 {
		return candidates
	}

	type groupKey struct{ convID, level string }
	groups := map[groupKey][]int{}
	var order []groupKey
	for i, c := range candidates {
		key := groupKey{c.ConversationID, normalizeLevel(c.Level)}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	type indexed struct {
		idx    int
		merged rawCandidate
	}
	var outWithIndex []indexed

	for _, key := range order {
		var clusters []*candidateCluster
		var firstIdx []int
		for _, idx := range groups[key] {
			c := candidates[idx]
			placed := false
			for ci, cl := range clusters {
				if len(cl.members) >= maxClusterSize {
					continue
				}
				if candidateRelatedToCluster(c, cl) {
					cl.members = append(cl.members, c)
					unionInto(cl.topicTokens, extractTopicTokens(c.Content))
					unionInto(cl.namedTokens, extractNamedTokens(c.Content))
					cl.categories[normalizeCategory(c.Category)] = true
					if c.SourceMessageID != "" {
						cl.sourceMessageIDs[c.SourceMessageID] = true
					}
					placed = true
					_ = ci
					break
				}
			}
			if !placed {
				cl := &candidateCluster{
					members:          []rawCandidate{c},
					topicTokens:      extractTopicTokens(c.Content),
					namedTokens:      extractNamedTokens(c.Content),
					categories:       map[string]bool{normalizeCategory(c.Category): true},
					sourceMessageIDs: map[string]bool{},
				}
				if c.SourceMessageID != "" {
					cl.sourceMessageIDs[c.SourceMessageID] = true
				}
				clusters = append(clusters, cl)
				firstIdx = append(firstIdx, idx)
			}
		}
		for ci, cl := range clusters {
			outWithIndex = append(outWithIndex, indexed{idx: firstIdx[ci], merged: mergeClusterCandidates(cl.members, maxChars)})
		}
	}

	// Stable-sort by original first-seen index, matching the Python's
	// final out_with_index.sort(key=lambda item: item[0]).
	for i := 1; i < len(outWithIndex); i++ {
		for j := i; j > 0 && outWithIndex[j-1].idx > outWithIndex[j].idx; j-- {
			outWithIndex[j-1], outWithIndex[j] = outWithIndex[j], outWithIndex[j-1]
		}
	}
	out := make([]rawCandidate, len(outWithIndex))
	for i, e := range outWithIndex {
		out[i] = e.merged
	}
	return out
}
