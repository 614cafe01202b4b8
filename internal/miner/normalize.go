package miner

import (
	"regexp"
	"strings"
)

// These patterns mirror conversation_mining.py's module-level regexes
// (_FIRST_PERSON_PATTERN through _WEAK_QUALIFIER_PATTERN): they decide
// whether extracted text reads like a durable, user-anchored memory or a
// transient/generic/encyclopedia-style sentence that should be rejected.
// firstPersonRE and userAnchorRE also match French forms; the other
// patterns are English-only.
var (
	firstPersonRE        = regexp.MustCompile(`(?i)\b(i|i'm|i've|i'd|my|mine|me|je|j'|moi|mon|ma|mes|nous|notre|nos)\b`)
	// RE2 has no negative lookahead for the trailing "user/" exclusion the
	// original applies here; brokenUserAnchorRE (checked first by callers)
	// covers that exclusion instead.
	userAnchorRE = regexp.MustCompile(`(?i)\b(the user|user's|l'utilisateur|utilisateur|lutilisateur)\b`)
	brokenUserAnchorRE   = regexp.MustCompile(`(?i)\b(?:the\s+)?user\s*/`)
	genericFactRE        = regexp.MustCompile(`(?i)\b(is\s+(a|an|the)\s+(?:[a-z0-9][a-z0-9_\-]*\s+){0,4}(open|standard|protocol|framework|library|language|concept|method|tool|model)\b|refers to\b|means\b|defined as\b)`)
	definitionStyleRE    = regexp.MustCompile(`(?i)\b(?:the user)\b[^.!?\n]{0,80}\b(?:is)\s+(?:a|an|the)\s+[^.!?\n]{0,80}\b(language|protocol|framework|library|standard|concept|method|tool|model|stack)\b|\b(?:the user)\b[^.!?\n]{0,80}\b(?:means|refers to|defined as)\b`)
	durableMemoryRE      = regexp.MustCompile(`(?i)\b(prefers|likes|loves|hates|always|never|uses|works on|working on|building|goal|plans|name is|is from|lives in|role|job|team|relationship|project|stack)\b`)
	questionStyleRE      = regexp.MustCompile(`(?i)\b(asks?|asked|wants to know|is asking|question)\b`)
	timeWindowRE         = regexp.MustCompile(`(?i)\b\d{1,2}(:|h)\d{2}\s*(-|–|to)\s*\d{1,2}(:|h)\d{2}\b`)
	timeHintRE           = regexp.MustCompile(`(?i)\b(today|tomorrow|tonight|this morning|this afternoon|this evening)\b`)
	reasonClauseRE       = regexp.MustCompile(`(?i)\b(?:because|since|due to)\b\s+([^.!?\n]{8,220})`)
	needClauseRE         = regexp.MustCompile(`(?i)\b(?:i need to|i have to|i must)\b\s+([^.!?\n]{8,220})`)
	vagueCapabilityRE    = regexp.MustCompile(`(?i)^\s*(?:the user)\s+(?:can|could|may|might)\b`)
	weakQualifierRE      = regexp.MustCompile(`(?i)\b(if needed|if necessary|if required|more elaborate|more complex|more advanced|additional requests?)\b`)
	whitespaceRE         = regexp.MustCompile(`\s+`)
	ellipsisOrCutoffTail = regexp.MustCompile(`[\-:;,]$`)
)

// toThirdPerson rewrites first-person English text into third-person
// declarative style, matching _to_third_person. French first-person forms
// are not rewritten.
func toThirdPerson(text string) string {
	value := strings.TrimSpace(text)
	if value == "" {
		return ""
	}
	replacements := []struct {
		pattern *regexp.Regexp
		with    string
	}{
		{regexp.MustCompile(`(?i)\bI am\b`), "The user is"},
		{regexp.MustCompile(`(?i)\bI'm\b`), "The user is"},
		{regexp.MustCompile(`(?i)\bI have\b`), "The user has"},
		{regexp.MustCompile(`(?i)\bI (prefer|like|love|hate|use|work|live|want|need)\b`), "The user ${1}s"},
		{regexp.MustCompile(`\bI\b`), "the user"},
		{regexp.MustCompile(`(?i)\bmy\b`), "the user's"},
		{regexp.MustCompile(`(?i)\bmine\b`), "the user's"},
		{regexp.MustCompile(`(?i)\bme\b`), "the user"},
	}
	for _, r := range replacements {
		value = r.pattern.ReplaceAllString(value, r.with)
	}
	value = whitespaceRE.ReplaceAllString(value, " ")
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	last := value[len(value)-1]
	if last != '.' && last != '!' && last != '?' {
		value += "."
	}
	return strings.ToUpper(value[:1]) + value[1:]
}

func containsFirstPerson(text string) bool { return firstPersonRE.MatchString(text) }

func containsUserAnchor(text string) bool { return userAnchorRE.MatchString(text) }

func looksVagueCapabilityMemory(text string) bool {
	value := strings.TrimSpace(text)
	if value == "" {
		return true
	}
	lowered := strings.ToLower(value)
	return vagueCapabilityRE.MatchString(lowered) && weakQualifierRE.MatchString(lowered)
}

// looksGenericNonMemory rejects user-anchored sentences that still read
// like encyclopedia facts rather than personal memories, matching
// _looks_generic_non_memory's rule order exactly.
func looksGenericNonMemory(text string) bool {
	value := strings.TrimSpace(text)
	if value == "" {
		return true
	}
	lowered := strings.ToLower(value)
	if brokenUserAnchorRE.MatchString(lowered) {
		return true
	}
	if !containsUserAnchor(value) {
		return true
	}
	if questionStyleRE.MatchString(lowered) {
		return true
	}
	if looksVagueCapabilityMemory(lowered) {
		return true
	}
	if definitionStyleRE.MatchString(lowered) && !durableMemoryRE.MatchString(lowered) {
		return true
	}
	if genericFactRE.MatchString(lowered) && !durableMemoryRE.MatchString(lowered) {
		return true
	}
	return false
}

// looksTruncatedMemoryText mirrors _looks_truncated_memory_text: reject
// candidates that look like they were cut off mid-thought.
func looksTruncatedMemoryText(text string) bool {
	value := strings.TrimSpace(text)
	if value == "" {
		return true
	}
	if strings.Contains(value, "...") || strings.Contains(value, "…") {
		return true
	}
	lowered := strings.ToLower(value)
	if ellipsisOrCutoffTail.MatchString(lowered) {
		return true
	}
	parts := strings.Fields(value)
	if len(value) >= 80 && len(parts) > 0 {
		tail := strings.Trim(parts[len(parts)-1], ".,;:!?")
		if len(tail) >= 1 && len(tail) <= 2 {
			return true
		}
	}
	return false
}

func sanitizeContextFragment(text string, maxChars int) string {
	value := strings.Trim(whitespaceRE.ReplaceAllString(text, " "), " .,:;-—")
	if value == "" {
		return ""
	}
	if len(value) > maxChars {
		value = strings.TrimRight(value[:maxChars], " ,;:-")
	}
	return value
}

// extractTimeFragment mirrors _extract_time_fragment.
func extractTimeFragment(sourceText string) string {
	value := strings.TrimSpace(whitespaceRE.ReplaceAllString(sourceText, " "))
	if value == "" {
		return ""
	}
	window := timeWindowRE.FindString(value)
	hint := timeHintRE.FindString(value)
	windowText := sanitizeContextFragment(window, 140)
	hintText := sanitizeContextFragment(hint, 140)
	if hintText != "" && windowText != "" {
		return hintText + " (" + windowText + ")"
	}
	if hintText != "" {
		return hintText
	}
	return windowText
}

// extractReasonFragment mirrors _extract_reason_fragment, without the
// original's delivery fallback clause.
func extractReasonFragment(sourceText string) string {
	value := strings.TrimSpace(whitespaceRE.ReplaceAllString(sourceText, " "))
	if value == "" {
		return ""
	}
	if m := reasonClauseRE.FindStringSubmatch(value); m != nil {
		return sanitizeContextFragment(m[1], 140)
	}
	if m := needClauseRE.FindStringSubmatch(value); m != nil {
		detail := sanitizeContextFragment(m[1], 140)
		if detail != "" {
			return "the user needs to " + detail
		}
	}
	return ""
}

func hasTimeDetail(text string) bool {
	return timeWindowRE.MatchString(text) || timeHintRE.MatchString(text)
}

func hasReasonDetail(text string) bool {
	return regexp.MustCompile(`(?i)\b(because|since|due to|reason:)\b`).MatchString(text)
}

// buildSourceExcerpt mirrors _build_source_excerpt: a short, greeting-
// stripped excerpt of the original user message, for provenance display.
func buildSourceExcerpt(sourceText string, maxChars int) string {
	value := strings.TrimSpace(whitespaceRE.ReplaceAllString(sourceText, " "))
	if value == "" {
		return ""
	}
	value = regexp.MustCompile(`(?i)^(hello|hi)\b[^.!?]{0,80}[.!?]\s*`).ReplaceAllString(value, "")
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) > maxChars {
		value = strings.TrimRight(value[:maxChars], " ,;:-") + "..."
	}
	return value
}

// enrichCandidateWithSourceContext mirrors _enrich_candidate_with_source_context:
// adds a time/reason fragment (or, for very short claims, a compact
// third-person excerpt) pulled from the source message, so weak candidates
// don't end up contextless.
func enrichCandidateWithSourceContext(content, sourceText string) string {
	base := strings.TrimSpace(content)
	source := strings.TrimSpace(sourceText)
	if base == "" || source == "" {
		return base
	}
	if len(base) >= 340 {
		return base
	}
	hasTime := hasTimeDetail(base)
	hasReason := hasReasonDetail(base)
	if hasTime && hasReason {
		return base
	}

	timeFragment := extractTimeFragment(source)
	reasonFragment := extractReasonFragment(source)
	var additions []string
	loweredBase := strings.ToLower(base)

	if timeFragment != "" && !hasTime && !strings.Contains(loweredBase, strings.ToLower(timeFragment)) {
		additions = append(additions, timeFragment)
	}
	if reasonFragment != "" && !hasReason && !strings.Contains(loweredBase, strings.ToLower(reasonFragment)) {
		additions = append(additions, "reason: "+reasonFragment)
	}

	if len(additions) == 0 && len(base) < 96 {
		excerpt := buildSourceExcerpt(source, 90)
		if excerpt != "" {
			excerpt = strings.TrimRight(toThirdPerson(excerpt), ".")
		}
		if excerpt != "" && !containsFirstPerson(excerpt) && !strings.Contains(loweredBase, strings.ToLower(excerpt)) {
			additions = append(additions, excerpt)
		}
	}

	if len(additions) == 0 {
		return base
	}

	enriched := strings.TrimRight(base, " .;") + " (" + strings.Join(additions, "; ") + ")."
	if len(enriched) <= 420 {
		return enriched
	}
	for _, fragment := range additions {
		trial := strings.TrimRight(base, " .;") + " (" + fragment + ")."
		if len(trial) <= 420 {
			return trial
		}
	}
	return base
}

// chunkTextBySentences mirrors _chunk_text_by_sentences: splits long text
// into sentence-aligned pieces no longer than maxChars, never dropping
// content (falls back to hard slicing only when a single sentence itself
// exceeds maxChars).
func chunkTextBySentences(text string, maxChars int) []string {
	value := strings.TrimSpace(whitespaceRE.ReplaceAllString(text, " "))
	if value == "" {
		return nil
	}
	if len(value) <= maxChars {
		return []string{value}
	}
	sentences := splitSentences(value)
	var out []string
	current := ""
	for _, sentence := range sentences {
		candidate := sentence
		if current != "" {
			candidate = current + " " + sentence
		}
		if len(candidate) <= maxChars {
			current = candidate
			continue
		}
		if current != "" {
			out = append(out, strings.TrimSpace(current))
			current = ""
		}
		if len(sentence) <= maxChars {
			current = sentence
			continue
		}
		for start := 0; start < len(sentence); start += maxChars {
			end := start + maxChars
			if end > len(sentence) {
				end = len(sentence)
			}
			if piece := strings.TrimSpace(sentence[start:end]); piece != "" {
				out = append(out, piece)
			}
		}
	}
	if current != "" {
		out = append(out, strings.TrimSpace(current))
	}
	return out
}

var sentenceBoundaryRE = regexp.MustCompile(`(?:[.!?])\s+`)

func splitSentences(value string) []string {
	raw := sentenceBoundaryRE.Split(value, -1)
	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 1 {
		return out
	}
	raw = regexp.MustCompile(`[,;]\s+`).Split(value, -1)
	out = out[:0]
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 1 {
		return out
	}
	return []string{value}
}

// cleanCandidateTexts mirrors _clean_candidate_texts: third-person rewrite,
// then split into at most maxSegments distinct deduplicated chunks.
func cleanCandidateTexts(text string, maxChars, maxSegments int) []string {
	value := strings.TrimSpace(whitespaceRE.ReplaceAllString(text, " "))
	if value == "" {
		return nil
	}
	value = toThirdPerson(value)
	if value == "" {
		return nil
	}

	var segments []string
	for _, block := range regexp.MustCompile(`\s*(?:\n+|;|•|·)\s*`).Split(value, -1) {
		if chunk := strings.TrimSpace(block); chunk != "" {
			segments = append(segments, chunkTextBySentences(chunk, maxChars)...)
		}
	}

	out := make([]string, 0, maxSegments)
	seen := map[string]bool{}
	for _, segment := range segments {
		cleaned := strings.TrimSpace(whitespaceRE.ReplaceAllString(segment, " "))
		if cleaned == "" {
			continue
		}
		last := cleaned[len(cleaned)-1]
		if last != '.' && last != '!' && last != '?' {
			cleaned += "."
		}
		key := strings.ToLower(cleaned)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, cleaned)
		if len(out) >= maxSegments {
			break
		}
	}
	return out
}

// normalizeForDedupe mirrors _normalize_for_dedupe.
func normalizeForDedupe(text string) string {
	return strings.Trim(whitespaceRE.ReplaceAllString(strings.ToLower(text), " "), " .;")
}

var canonicalizeStripRE = regexp.MustCompile(`[^a-z0-9\s_\-]`)

// canonicalizeCandidateText mirrors _canonicalize_candidate_text, feeding
// into the candidate package's CanonicalKey.
func canonicalizeCandidateText(text string) string {
	value := normalizeForDedupe(text)
	value = canonicalizeStripRE.ReplaceAllString(value, " ")
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(value, " "))
}

// normalizeCategory mirrors _normalize_category's alias table.
func normalizeCategory(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "identity", "about_user", "profile":
		return "identity"
	case "preference", "preferences", "working_style":
		return "preferences"
	case "skill", "skills", "tech_stack":
		return "skills"
	case "relationship", "relationships":
		return "relationships"
	case "project", "projects":
		return "projects"
	case "history", "event":
		return "history"
	case "working":
		return "working"
	default:
		return "preferences"
	}
}

// normalizeLevel mirrors _normalize_level's alias table.
func normalizeLevel(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "semantic", "stable", "long_term":
		return "semantic"
	case "episodic":
		return "episodic"
	case "working", "temporary", "short_term":
		return "working"
	default:
		return "semantic"
	}
}

// normalizeConfidence clamps to [0.5, 0.99], matching _normalize_confidence.
// A zero value (JSON field absent or unparseable) defaults to 0.8 first.
func normalizeConfidence(value float64) float64 {
	if value == 0 {
		value = 0.8
	}
	if value < 0.5 {
		return 0.5
	}
	if value > 0.99 {
		return 0.99
	}
	return value
}
