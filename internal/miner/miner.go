// Package miner implements periodic (and on-demand) extraction of
// candidate memories from imported conversations, staged through
// internal/candidate and promoted into internal/memory as pending-review
// suggestions.
package miner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/mnesis/mnesis/internal/candidate"
	"github.com/mnesis/mnesis/internal/llmprovider"
	"github.com/mnesis/mnesis/internal/memory"
	"github.com/mnesis/mnesis/internal/store"
)

const analysisTag = "auto:conversation-analysis"

// RunOptions configures one mining run, mirroring
// mine_memories_from_conversations' keyword arguments.
type RunOptions struct {
	DryRun                     bool
	ForceReanalyze             bool
	IncludeAssistantMessages   bool
	MaxConversations           int
	MaxMessagesPerConversation int
	MaxCandidatesPerConv       int
	MaxNewMemories             int
	MinConfidence              float64
	Concurrency                int
	ConversationIDs            []string
	// Provider selects which llmprovider.Provider id to use ("openai",
	// "anthropic", "ollama", ...); empty, "auto", or "heuristic" all mean
	// "skip straight to the offline heuristic fallback".
	Provider string

	PromotionMinScore         float64
	PromotionMinEvidence      int
	PromotionMinConversations int
	SemanticDedupeThreshold   float64

	// WaitIfBusy controls run_mining_singleflight's behavior when another
	// run is already in flight: true blocks until that run finishes and
	// returns its Report, false returns a "busy" Report immediately.
	WaitIfBusy bool
}

func (o RunOptions) clamp() RunOptions {
	o.MaxConversations = clampInt(o.MaxConversations, 1, 400, 40)
	o.MaxMessagesPerConversation = clampInt(o.MaxMessagesPerConversation, 4, 80, 24)
	o.MaxCandidatesPerConv = clampInt(o.MaxCandidatesPerConv, 1, 20, 6)
	o.MaxNewMemories = clampInt(o.MaxNewMemories, 1, 500, 120)
	o.Concurrency = clampInt(o.Concurrency, 1, 4, 2)
	if o.MinConfidence <= 0 {
		o.MinConfidence = 0.78
	}
	o.MinConfidence = normalizeConfidence(o.MinConfidence)
	if o.PromotionMinScore <= 0 {
		o.PromotionMinScore = candidate.DefaultPromotionMinScore
	}
	if o.PromotionMinScore < 0.55 {
		o.PromotionMinScore = 0.55
	}
	if o.PromotionMinScore > 0.99 {
		o.PromotionMinScore = 0.99
	}
	if o.PromotionMinEvidence <= 0 {
		o.PromotionMinEvidence = 1
	}
	if o.PromotionMinConversations <= 0 {
		o.PromotionMinConversations = 1
	}
	if o.SemanticDedupeThreshold <= 0 {
		o.SemanticDedupeThreshold = 0.92
	}
	return o
}

func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Report is the result of a mining run, a trimmed analogue of
// mine_memories_from_conversations' return dict (the runtime-status/
// progress-callback fields are dropped — they exist in the original to
// drive a UI progress bar, which is out of scope here).
type Report struct {
	Status                string
	Provider              string
	ConversationsScanned  int
	ConversationsSelected int
	CandidatesTotal       int
	CandidateSources      map[string]int
	Created               int
	Merged                int
	ConflictPending       int
	Rejected              int
	LinkedConversations   int
	IndexedConversations  int
	Preview               []CandidatePreview
	Errors                []string
}

// CandidatePreview is a trimmed view of a staged candidate for callers
// that want to show what the miner found (e.g. a dry run).
type CandidatePreview struct {
	Content          string
	Category         string
	Level            string
	Confidence       float64
	ConversationID   string
	SourceMessageID  string
	Method           string
	SuggestionReason string
}

// Miner runs conversation-analysis passes that extract candidate memories.
type Miner struct {
	store      *store.Store
	candidates *candidate.Store
	memories   *memory.Core
	providers  func(id string) (llmprovider.Provider, error)
	log        *slog.Logger
	now        func() time.Time

	sf   singleflight.Group
	busy int32 // set and cleared with atomic CAS/Store in Run, outside sf.Do
}

// New constructs a Miner. providerFactory is normally llmprovider.New;
// passing it in keeps this package from needing network credentials to
// construct a Miner for tests.
func New(st *store.Store, candidates *candidate.Store, memories *memory.Core, providerFactory func(id string) (llmprovider.Provider, error), log *slog.Logger) *Miner {
	if log == nil {
		log = slog.Default()
	}
	if providerFactory == nil {
		providerFactory = func(id string) (llmprovider.Provider, error) {
			return llmprovider.New(llmprovider.Config{ID: id})
		}
	}
	return &Miner{store: st, candidates: candidates, memories: memories, providers: providerFactory, log: log, now: time.Now}
}

/// Run executes a singleflight mining pass: concurrent callers either wait
// for the in-flight run's result (WaitIfBusy) or get back an immediate
// "busy" Report.
func (m *Miner) Run(ctx context.Context, opts RunOptions) (Report, error) {
	if !opts.WaitIfBusy {
		// singleflight.Group already dedupes concurrent identical keys, but
		// distinguishing "busy" from "joined the in-flight call" needs the
		// shared flag this checks.
		if !m.trySetBusy() {
			return Report{Status: "busy"}, nil
		}
		defer m.clearBusy()
	}

	v, err, _ := m.sf.Do("mine", func() (any, error) {
		r, err := m.runOnce(ctx, opts.clamp())
		return r, err
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (m *Miner) trySetBusy() bool {
	return atomic.CompareAndSwapInt32(&m.busy, 0, 1)
}

func (m *Miner) clearBusy() {
	atomic.StoreInt32(&m.busy, 0)
}

func (m *Miner) runOnce(ctx context.Context, opts RunOptions) (Report, error) {
	contexts, scanned, err := m.selectConversations(ctx, opts)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		Status:               "ok",
		ConversationsScanned: scanned,
		ConversationsSelected: len(contexts),
		CandidateSources:      map[string]int{"llm": 0, "heuristic": 0},
	}
	if len(contexts) == 0 {
		return report, nil
	}

	provider, usedLLM := m.resolveProvider(ctx, opts)
	report.Provider = provider.ID()

	raw := m.extractAll(ctx, contexts, provider, usedLLM, opts, &report)

	// Fallback: if the configured LLM produced nothing at all and we
	// weren't already on heuristic, retry once with heuristic forced.
	if usedLLM && len(raw) == 0 {
		heuristic := llmprovider.NewHeuristic()
		raw = m.extractAll(ctx, contexts, heuristic, false, opts, &report)
		report.Provider = heuristic.ID()
	}

	unique := dedupeByContent(raw)
	unique = consolidateCandidates(unique, 420, 4)
	unique = dedupeByContent(unique)
	storeCap := opts.MaxNewMemories * 12
	if storeCap < 400 {
		storeCap = 400
	}
	if storeCap > 4000 {
		storeCap = 4000
	}
	if len(unique) > storeCap {
		unique = unique[:storeCap]
	}
	report.CandidatesTotal = len(unique)

	for i, c := range unique {
		if i >= 40 {
			break
		}
		report.Preview = append(report.Preview, CandidatePreview{
			Content: c.Content, Category: c.Category, Level: c.Level, Confidence: c.Confidence,
			ConversationID: c.ConversationID, SourceMessageID: c.SourceMessageID, Method: c.Method,
			SuggestionReason: buildCandidateReason(c),
		})
	}

	if opts.DryRun {
		return report, nil
	}
	return m.persistAndPromote(ctx, contexts, unique, opts, report)
}

// resolveProvider picks the provider for this run: an explicit non-empty,
// non-"auto", non-"heuristic" id from opts is tried and preflighted; any
// failure (including "auto" with nothing configured) falls back to the
// offline heuristic provider, mirroring _resolve_runtime's "analysis always
// works, degrading to heuristic" guarantee.
func (m *Miner) resolveProvider(ctx context.Context, opts RunOptions) (llmprovider.Provider, bool) {
	id := strings.ToLower(strings.TrimSpace(providerIDFromOptions(opts)))
	if id == "" || id == "auto" || id == "heuristic" {
		return llmprovider.NewHeuristic(), false
	}
	p, err := m.providers(id)
	if err != nil {
		m.log.Warn("miner: unknown provider, falling back to heuristic", "provider", id, "error", err)
		return llmprovider.NewHeuristic(), false
	}
	preCtx, cancel := context.WithTimeout(ctx, llmprovider.ChatTimeout)
	defer cancel()
	if err := p.Preflight(preCtx); err != nil {
		m.log.Warn("miner: provider preflight failed, falling back to heuristic", "provider", id, "error", err)
		return llmprovider.NewHeuristic(), false
	}
	return p, true
}

// providerIDFromOptions returns RunOptions.Provider, the provider id that
// callers fill from internal/config's ConversationAnalysis section or a
// CLI flag.
func providerIDFromOptions(opts RunOptions) string { return opts.Provider }

func (m *Miner) extractAll(ctx context.Context, contexts []conversationContext, provider llmprovider.Provider, countsAsLLM bool, opts RunOptions, report *Report) []rawCandidate {
	sem := semaphore.NewWeighted(int64(opts.Concurrency))
	results := make([][]rawCandidate, len(contexts))
	errs := make([]error, len(contexts))

	done := make(chan int, len(contexts))
	for i, cc := range contexts {
		i, cc := i, cc
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				errs[i] = err
				done <- i
				return
			}
			defer sem.Release(1)
			cands, err := extractWithProvider(ctx, provider, cc, opts.MaxCandidatesPerConv, opts.MinConfidence)
			results[i] = cands
			errs[i] = err
			done <- i
		}()
	}
	for range contexts {
		<-done
	}

	var out []rawCandidate
	sourceKey := "heuristic"
	if countsAsLLM {
		sourceKey = "llm"
	}
	for i, cands := range results {
		if errs[i] != nil {
			report.Errors = append(report.Errors, errs[i].Error())
			continue
		}
		out = append(out, cands...)
		report.CandidateSources[sourceKey] += len(cands)
	}
	return out
}

func dedupeByContent(candidates []rawCandidate) []rawCandidate {
	out := make([]rawCandidate, 0, len(candidates))
	seen := map[string]bool{}
	for _, c := range candidates {
		key := normalizeForDedupe(c.Content)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// buildCandidateReason mirrors _build_candidate_reason.
func buildCandidateReason(c rawCandidate) string {
	method := c.Method
	if method == "" {
		method = "heuristic"
	}
	titlePart := c.ConversationTitle
	if titlePart == "" {
		titlePart = "unknown conversation"
		if len(c.ConversationID) > 0 {
			if len(c.ConversationID) > 20 {
				titlePart = c.ConversationID[:20]
			} else {
				titlePart = c.ConversationID
			}
		}
	}
	messagePart := ""
	if c.SourceMessageID != "" {
		id := c.SourceMessageID
		if len(id) > 16 {
			id = id[:16]
		}
		messagePart = fmt.Sprintf(", message %s", id)
	}
	base := fmt.Sprintf("Auto-suggested from %s via %s (confidence %.2f%s).", titlePart, method, normalizeConfidence(c.Confidence), messagePart)
	if excerpt := buildSourceExcerpt(c.SourceExcerpt, 96); excerpt != "" {
		base += fmt.Sprintf(" Context: %q", excerpt)
	}
	if len(base) > 420 {
		base = base[:420]
	}
	return base
}

// stagedCandidate pairs an upserted candidate.Candidate with the provenance
// (conversation title, excerpt, method) only the raw evidence knows, so the
// promotion stage can still build a reason string and a source excerpt
// without re-querying messages.
type stagedCandidate struct {
	candidate.Candidate
	ConversationTitle string
	SourceExcerpt     string
	Method            string
}

// persistAndPromote stages every consolidated candidate through
// candidate.Store.Upsert, then promotes the highest-scoring pending
// candidates into real (pending_review) memories, up to MaxNewMemories,
// linking and tagging the conversations each promoted memory came from.
func (m *Miner) persistAndPromote(ctx context.Context, contexts []conversationContext, candidates []rawCandidate, opts RunOptions, report Report) (Report, error) {
	titleByConv := map[string]string{}
	for _, cc := range contexts {
		titleByConv[cc.ConversationID] = cc.Title
	}

	staged := make(map[string]stagedCandidate, len(candidates))
	for _, rc := range candidates {
		c, _, err := m.candidates.Upsert(ctx, candidate.Extraction{
			Content: rc.Content, Category: rc.Category, Level: rc.Level, Confidence: rc.Confidence,
			ConversationID: rc.ConversationID, SourceMessageID: rc.SourceMessageID, Method: rc.Method,
		})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("stage %q: %v", truncate(rc.Content, 60), err))
			continue
		}
		staged[c.ID] = stagedCandidate{Candidate: c, ConversationTitle: titleByConv[rc.ConversationID], SourceExcerpt: rc.SourceExcerpt, Method: rc.Method}
	}

	listLimit := opts.MaxNewMemories * 20
	if listLimit < 500 {
		listLimit = 500
	}
	pending, err := m.candidates.ListPending(ctx, listLimit)
	if err != nil {
		return report, fmt.Errorf("miner: list pending candidates: %w", err)
	}

	now := m.now()
	promotable := make([]candidate.Candidate, 0, len(pending))
	for _, c := range pending {
		if candidateIsPromotable(c, now, opts) {
			promotable = append(promotable, c)
		}
	}
	sort.SliceStable(promotable, func(i, j int) bool {
		return promotable[i].PromotionScore > promotable[j].PromotionScore
	})
	if len(promotable) > opts.MaxNewMemories {
		promotable = promotable[:opts.MaxNewMemories]
	}

	linkedConvs := map[string]bool{}
	for _, c := range promotable {
		meta := staged[c.ID]
		reason := buildCandidateReason(rawCandidate{
			Content: c.Content, Category: c.Category, Level: c.Level, Confidence: c.Confidence,
			ConversationID: firstOr(c.ConversationIDs, ""), ConversationTitle: meta.ConversationTitle,
			SourceMessageID: firstOr(c.SourceMessageIDs, ""), SourceExcerpt: meta.SourceExcerpt, Method: meta.Method,
		})

		result, err := m.memories.CreateMemory(ctx, memory.CreateRequest{
			Content: c.Content, Level: c.Level, Category: c.Category,
			ConfidenceScore: c.Confidence, ImportanceScore: c.PromotionScore,
			SourceLLM:            firstOr([]string{meta.Method}, "heuristic"),
			SourceConversationID: firstOr(c.ConversationIDs, ""),
			SourceMessageID:      firstOr(c.SourceMessageIDs, ""),
			SourceExcerpt:        meta.SourceExcerpt,
			ForcedStatus:         "pending_review",
			SuggestionReason:     reason,
		})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("create memory for candidate %s: %v", c.ID, err))
			continue
		}

		switch result.Action {
		case memory.ActionCreated:
			report.Created++
		case memory.ActionMerged:
			report.Merged++
		default:
			report.Rejected++
		}

		outcomeStatus := "promoted"
		if result.Action == memory.ActionMerged {
			outcomeStatus = "merged"
		} else if result.Action == memory.ActionSkipped || result.Action == memory.ActionRejected {
			outcomeStatus = "rejected"
		}
		if err := m.candidates.MarkOutcome(ctx, c.ID, outcomeStatus, result.ID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("mark outcome for candidate %s: %v", c.ID, err))
		}

		if result.Action != memory.ActionSkipped && result.Action != memory.ActionRejected {
			for _, convID := range c.ConversationIDs {
				if convID != "" && !linkedConvs[convID] {
					linkedConvs[convID] = true
				}
				if err := m.linkMemoryToConversation(ctx, convID, result.ID); err != nil {
					report.Errors = append(report.Errors, fmt.Sprintf("link conversation %s: %v", convID, err))
				}
			}
		}
	}
	report.LinkedConversations = len(linkedConvs)

	indexed := 0
	for _, cc := range contexts {
		result := "none"
		if linkedConvs[cc.ConversationID] {
			result = "has_memory"
		}
		if err := m.upsertConversationIndex(ctx, cc, result, report.Provider); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("index conversation %s: %v", cc.ConversationID, err))
			continue
		}
		if err := m.tagConversationAnalyzed(ctx, cc, result, report.Provider); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("tag conversation %s: %v", cc.ConversationID, err))
		}
		indexed++
	}
	report.IndexedConversations = indexed

	return report, nil
}

// candidateIsPromotable mirrors _candidate_is_promotable: a candidate
// promotes if it clears the score/evidence/conversation-count thresholds,
// or unconditionally once its confidence clears the high-confidence fast
// path (a single very-confident extraction shouldn't have to wait for
// corroborating evidence).
func candidateIsPromotable(c candidate.Candidate, now time.Time, opts RunOptions) bool {
	if c.Confidence >= candidate.HighConfidenceFastPath {
		return true
	}
	score := c.PromotionScore
	if score == 0 {
		score = candidate.PromotionScore(c, now)
	}
	return score >= opts.PromotionMinScore &&
		c.EvidenceCount >= opts.PromotionMinEvidence &&
		len(c.ConversationIDs) >= opts.PromotionMinConversations
}

func firstOr(values []string, def string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return def
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// linkMemoryToConversation appends memoryID to the conversation's
// memory_ids JSON array (store.Table.Update has no array-append primitive,
// so this reads-modifies-writes the column like internal/candidate's
// appendUnique pattern does for its own provenance arrays).
func (m *Miner) linkMemoryToConversation(ctx context.Context, conversationID, memoryID string) error {
	if conversationID == "" || memoryID == "" {
		return nil
	}
	tbl, err := m.store.Table("conversations")
	if err != nil {
		return err
	}
	row, err := tbl.Get(ctx, conversationID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	ids := appendUniqueString(row["memory_ids"], memoryID)
	return tbl.Update(ctx, conversationID, store.Row{"memory_ids": ids})
}

// tagConversationAnalyzed appends the auto:conversation-analysis tag family
// (result/provider/message-count) to a mined conversation, mirroring
// _mark_conversations_analyzed's tag set.
func (m *Miner) tagConversationAnalyzed(ctx context.Context, cc conversationContext, result, provider string) error {
	tbl, err := m.store.Table("conversations")
	if err != nil {
		return err
	}
	row, err := tbl.Get(ctx, cc.ConversationID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	tags := toStringSliceAny(row["tags"])
	tags = addTag(tags, analysisTag)
	tags = addTag(tags, fmt.Sprintf("%s:result:%s", analysisTag, result))
	tags = addTag(tags, fmt.Sprintf("%s:provider:%s", analysisTag, orDefault(provider, "heuristic")))
	tags = addTag(tags, fmt.Sprintf("%s:msgcount:%d", analysisTag, cc.MessageCount))
	return tbl.Update(ctx, cc.ConversationID, store.Row{"tags": tags})
}

func addTag(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

// upsertConversationIndex maintains the candidate_index row for a
// conversation. That table has no id column (conversation_id is its
// natural key), so store.Table's id-keyed Get/Update can't target it; this
// deletes any existing row for the conversation and re-inserts, matching
// _upsert_analysis_index's upsert semantics.
func (m *Miner) upsertConversationIndex(ctx context.Context, cc conversationContext, result, provider string) error {
	tbl, err := m.store.Table("candidate_index")
	if err != nil {
		return err
	}
	if err := tbl.Delete(ctx, fmt.Sprintf("conversation_id = '%s'", escapeLit(cc.ConversationID))); err != nil {
		return fmt.Errorf("miner: delete stale index row: %w", err)
	}
	latest := cc.StartedAt
	if len(cc.Messages) > 0 {
		if t, err := time.Parse(time.RFC3339, cc.Messages[len(cc.Messages)-1].Timestamp); err == nil {
			latest = t
		}
	}
	return tbl.Add(ctx, store.Row{
		"conversation_id":    cc.ConversationID,
		"message_count":      cc.MessageCount,
		"conversation_hash":  cc.ConversationHash,
		"latest_message_at":  latest.Format(time.RFC3339),
		"last_result":        result,
		"provider":           orDefault(provider, "heuristic"),
		"signal_score":       cc.SignalScore,
		"last_analyzed_at":   m.now().Format(time.RFC3339),
	})
}

func toStringSliceAny(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func appendUniqueString(existing any, add string) []string {
	out := toStringSliceAny(existing)
	for _, s := range out {
		if s == add {
			return out
		}
	}
	return append(out, add)
}
