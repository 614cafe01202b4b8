package llmprovider

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/coregx/ahocorasick"
)

// heuristicCandidate mirrors the {content, category, level, confidence,
// source_message_id} JSON shape an LLM provider is asked for, so the
// miner's downstream parsing path is identical regardless of provider.
type heuristicCandidate struct {
	Content         string  `json:"content"`
	Category        string  `json:"category"`
	Level           string  `json:"level"`
	Confidence      float64 `json:"confidence"`
	SourceMessageID string  `json:"source_message_id"`
}

// heuristicResponse mirrors the prompt's requested response envelope
// ({"memories": [...]}), so the miner parses one JSON shape regardless of
// whether the provider behind it is a real LLM or this offline fallback.
type heuristicResponse struct {
	Memories []heuristicCandidate `json:"memories"`
}

// marker pairs a surface marker phrase (English + French) with the
// category/level it seeds and a base confidence.
type marker struct {
	text       string
	category   string
	level      string
	confidence float64
}

var heuristicMarkers = []marker{
	{"my name is", "identity", "semantic", 0.7},
	{"je m'appelle", "identity", "semantic", 0.7},
	{"i prefer", "preferences", "semantic", 0.6},
	{"je prefere", "preferences", "semantic", 0.6},
	{"i'm working on", "projects", "episodic", 0.6},
	{"je travaille sur", "projects", "episodic", 0.6},
	{"i use", "preferences", "semantic", 0.55},
	{"j'utilise", "preferences", "semantic", 0.55},
	{"my stack", "projects", "semantic", 0.6},
	{"ma stack", "projects", "semantic", 0.6},
}

var (
	promptPayloadRE = regexp.MustCompile(`(?s)Conversation data:\s*(\{.*\})\s*$`)
	sentenceSplitRE = regexp.MustCompile(`(?s)[.!?\n]+`)
)

// heuristicDictionary is built once: the AC automaton doing O(n) marker
// scanning instead of len(heuristicMarkers) sequential strings.Contains
// calls.
var heuristicDictionary = buildHeuristicDictionary()

type compiledDict struct {
	ac       *ahocorasick.Automaton
	patterns []marker
}

func buildHeuristicDictionary() *compiledDict {
	patterns := make([]string, len(heuristicMarkers))
	for i, m := range heuristicMarkers {
		patterns[i] = m.text
	}
	ac, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return &compiledDict{}
	}
	return &compiledDict{ac: ac, patterns: heuristicMarkers}
}

// heuristicProvider performs marker-based candidate extraction with no
// network calls. It always preflights clean.
type heuristicProvider struct{}

// NewHeuristic constructs the heuristic fallback provider.
func NewHeuristic() Provider { return &heuristicProvider{} }

func (p *heuristicProvider) ID() string { return "heuristic" }

func (p *heuristicProvider) Preflight(_ context.Context) error { return nil }

// Chat parses the ExtractionPayload embedded in prompt (the same payload
// internal/miner builds for every provider, per llmprovider.ExtractionPayload)
// and scans each user message for surface markers, one candidate per
// matched sentence, matching conversation_mining.py's per-message heuristic
// scan rather than treating the whole transcript as one blob.
func (p *heuristicProvider) Chat(_ context.Context, prompt string) (string, error) {
	var payload ExtractionPayload
	if m := promptPayloadRE.FindStringSubmatch(prompt); m != nil {
		_ = json.Unmarshal([]byte(m[1]), &payload)
	}
	if len(payload.Messages) == 0 {
		// Fall back to treating the whole prompt as a single anonymous
		// user message, so the provider is still usable outside the
		// miner's standard prompt template (e.g. ad hoc Preflight calls).
		payload.Messages = []PromptMessage{{Role: "user", Content: prompt}}
	}

	candidates := make([]heuristicCandidate, 0)
	seen := map[string]bool{}
	for _, msg := range payload.Messages {
		if !strings.EqualFold(msg.Role, "user") {
			continue
		}
		candidates = append(candidates, scanMessage(msg, seen)...)
	}

	out, err := json.Marshal(heuristicResponse{Memories: candidates})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// scanMessage runs the Aho-Corasick marker scan over a single message's
// content and returns one candidate per distinct matched sentence.
func scanMessage(msg PromptMessage, seen map[string]bool) []heuristicCandidate {
	lower := strings.ToLower(msg.Content)
	var matches []ahocorasick.Match
	if heuristicDictionary.ac != nil {
		matches = heuristicDictionary.ac.FindAllOverlapping([]byte(lower))
	}
	if len(matches) == 0 {
		return nil
	}

	sentences := sentenceSplitRE.Split(msg.Content, -1)
	out := make([]heuristicCandidate, 0, len(matches))
	for _, m := range matches {
		if m.PatternID < 0 || int(m.PatternID) >= len(heuristicMarkers) {
			continue
		}
		mk := heuristicMarkers[m.PatternID]
		sentence := strings.TrimSpace(sentenceContaining(sentences, msg.Content, int(m.Start)))
		if sentence == "" || seen[sentence] {
			continue
		}
		seen[sentence] = true
		out = append(out, heuristicCandidate{
			Content:         sentence,
			Category:        mk.category,
			Level:           mk.level,
			Confidence:      mk.confidence,
			SourceMessageID: msg.ID,
		})
	}
	return out
}

// sentenceContaining finds the sentence (from sentences, re-located in the
// original content) whose span covers byteOffset. It falls back to the
// first non-empty sentence.
func sentenceContaining(sentences []string, content string, byteOffset int) string {
	pos := 0
	for _, s := range sentences {
		idx := strings.Index(content[pos:], s)
		if idx < 0 {
			continue
		}
		start := pos + idx
		end := start + len(s)
		if byteOffset >= start && byteOffset < end {
			return s
		}
		pos = end
	}
	for _, s := range sentences {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return content
}
