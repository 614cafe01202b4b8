// Package conflict decides whether a candidate memory's content
// contradicts an existing memory's content, using keyword overlap as a
// relevance gate and negation/polarity as the contradiction signal — not a
// semantic-similarity check, which internal/memory's CreateMemory already
// runs separately before calling into this package.
package conflict

import (
	"regexp"
	"strings"

	"github.com/orsinium-labs/stopwords"
)

// MinOverlapRatio is the minimum stopword-filtered keyword overlap, relative
// to the shorter of the two texts' keyword sets, required before two
// memories are even considered as a possible contradiction.
const MinOverlapRatio = 0.30

var negationWords = map[string]bool{
	"not": true, "never": true, "no": true, "n't": true, "without": true,
	"dislike": true, "dislikes": true, "stopped": true, "quit": true,
	"doesn't": true, "don't": true, "didn't": true, "won't": true,
	"can't": true, "cannot": true, "isn't": true, "wasn't": true,
	"no longer": true, "used to": true,
}

var positivePreferenceVerbs = map[string]bool{
	"like": true, "likes": true, "love": true, "loves": true,
	"prefer": true, "prefers": true, "enjoy": true, "enjoys": true,
	"want": true, "wants": true, "is": true, "are": true, "works": true,
	"lives": true, "uses": true,
}

var negativePreferenceVerbs = map[string]bool{
	"dislike": true, "dislikes": true, "hate": true, "hates": true,
	"avoid": true, "avoids": true, "quit": true, "stopped": true,
	"refuses": true,
}

var wordRE = regexp.MustCompile(`[a-z0-9']+`)

// normalize lowercases and pads content with surrounding spaces so whole-
// word phrase matches (e.g. "no longer") can use simple strings.Contains
// without matching inside a larger word.
func normalize(text string) string {
	return " " + strings.ToLower(strings.TrimSpace(text)) + " "
}

func tokenize(text string) []string {
	return wordRE.FindAllString(strings.ToLower(text), -1)
}

// keywordSet returns the distinct, stopword-filtered tokens of text.
func keywordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenize(text) {
		if len(tok) < 2 {
			continue
		}
		if stopwords.English.IsStopword(tok) {
			continue
		}
		set[tok] = true
	}
	return set
}

// overlapRatio computes |A∩B| / min(|A|,|B|) over the two keyword sets, 0 if
// either is empty.
func overlapRatio(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var shared int
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for k := range small {
		if big[k] {
			shared++
		}
	}
	denom := len(small)
	return float64(shared) / float64(denom)
}

// hasNegation reports whether normalized text contains a negation marker,
// either as a padded whole word/phrase (" not ", " no longer ") or as a
// contraction substring ("doesn't", "can't") that padding alone wouldn't
// catch since the apostrophe breaks word-boundary padding.
func hasNegation(normalized string) bool {
	for w := range negationWords {
		if strings.HasSuffix(w, "n't") {
			if strings.Contains(normalized, w) {
				return true
			}
			continue
		}
		if strings.Contains(normalized, " "+w+" ") {
			return true
		}
	}
	return false
}

// polarity returns the sign of (positive-verb count - negative-verb count -
// [negation present]), one of -1, 0, +1.
func polarity(normalized string) int {
	var pos, neg int
	for _, tok := range tokenize(normalized) {
		if positivePreferenceVerbs[tok] {
			pos++
		}
		if negativePreferenceVerbs[tok] {
			neg++
		}
	}
	score := pos - neg
	if hasNegation(normalized) {
		score--
	}
	switch {
	case score > 0:
		return 1
	case score < 0:
		return -1
	default:
		return 0
	}
}

// Result is the outcome of IsContradiction.
type Result struct {
	Contradiction bool
	OverlapRatio  float64
}

// IsContradiction reports whether candidate contradicts existing. It first
// rejects identical content (not a contradiction, a duplicate — callers
// handle dedup separately), then requires keyword overlap above
// MinOverlapRatio as a topical-relevance gate, then flags a contradiction
// when the two texts' negation presence differs or their polarities have
// opposite, non-zero sign.
func IsContradiction(existing, candidate string) Result {
	existingNorm := normalize(existing)
	candidateNorm := normalize(candidate)
	if strings.TrimSpace(existingNorm) == strings.TrimSpace(candidateNorm) {
		return Result{Contradiction: false, OverlapRatio: 1}
	}

	overlap := overlapRatio(keywordSet(existing), keywordSet(candidate))
	if overlap < MinOverlapRatio {
		return Result{Contradiction: false, OverlapRatio: overlap}
	}

	negExisting := hasNegation(existingNorm)
	negCandidate := hasNegation(candidateNorm)
	if negExisting != negCandidate {
		return Result{Contradiction: true, OverlapRatio: overlap}
	}

	polExisting := polarity(existingNorm)
	polCandidate := polarity(candidateNorm)
	if polExisting*polCandidate < 0 {
		return Result{Contradiction: true, OverlapRatio: overlap}
	}
	return Result{Contradiction: false, OverlapRatio: overlap}
}
