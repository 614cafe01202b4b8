package miner

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mnesis/mnesis/internal/store"
)

// conversationMessage is one hydrated message inside a conversationContext.
type conversationMessage struct {
	ID        string
	Role      string
	Content   string
	Timestamp string
}

// conversationContext is the window of a conversation the miner extracts
// candidates from, the Go analogue of _load_conversation_contexts' context
// dicts.
type conversationContext struct {
	ConversationID   string
	Title            string
	SourceLLM        string
	StartedAt        time.Time
	Messages         []conversationMessage
	SignalScore      int
	MessageCount     int
	ConversationHash string
}

var signalPronounRE = regexp.MustCompile(`(?i)\b(i|i'm|my|me)\b`)
var signalPreferenceRE = regexp.MustCompile(`(?i)\b(prefer|like|love|hate|always|never)\b`)
var signalProjectRE = regexp.MustCompile(`(?i)\b(work on|building|project|stack|use)\b`)

// conversationSignalScore mirrors _conversation_signal_score: a cheap
// relevance gate so conversations with no first-person/preference/project
// language are never extracted from.
func conversationSignalScore(messages []conversationMessage) int {
	score := 0
	for _, m := range messages {
		if !strings.EqualFold(m.Role, "user") {
			continue
		}
		text := strings.ToLower(m.Content)
		if len(text) < 24 {
			continue
		}
		if signalPronounRE.MatchString(text) {
			score += 2
		}
		if signalPreferenceRE.MatchString(text) {
			score += 2
		}
		if signalProjectRE.MatchString(text) {
			score += 1
		}
	}
	return score
}

// indexRowIsFresh mirrors _index_row_is_fresh: a conversation can be
// skipped only if its candidate_index row's last_result is has_memory/none,
// its recorded message_count already covers the current count, and (when
// the conversation carries a content hash) the hashes still match.
func indexRowIsFresh(indexRow store.Row, convHash string, messageCount int) bool {
	result := strings.ToLower(strOf(indexRow["last_result"]))
	if result != "has_memory" && result != "none" {
		return false
	}
	indexedCount := int(toFloat(indexRow["message_count"]))
	if indexedCount < messageCount {
		return false
	}
	convHash = strings.ToLower(strings.TrimSpace(convHash))
	indexHash := strings.ToLower(strings.TrimSpace(strOf(indexRow["conversation_hash"])))
	if convHash != "" {
		return indexHash != "" && indexHash == convHash
	}
	return true
}

func strOf(v any) string { s, _ := v.(string); return s }

func toFloat(v any) float64 {
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

func parseTimeOrZero(v any) time.Time {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// selectConversations mirrors _load_conversation_contexts: scans active
// conversations (widest of 240, max-conversations*80, capped at 12000),
// skips ones whose candidate_index row is fresh (unless forceReanalyze),
// hydrates each survivor's messages, scores them, and keeps the top
// maxConversations by (signal_score desc, started_at desc).
func (m *Miner) selectConversations(ctx context.Context, opts RunOptions) ([]conversationContext, int, error) {
	convTbl, err := m.store.Table("conversations")
	if err != nil {
		return nil, 0, err
	}
	msgTbl, err := m.store.Table("messages")
	if err != nil {
		return nil, 0, err
	}
	idxTbl, err := m.store.Table("candidate_index")
	if err != nil {
		return nil, 0, err
	}

	scanLimit := opts.MaxConversations * 80
	if scanLimit < 240 {
		scanLimit = 240
	}
	if scanLimit > 12000 {
		scanLimit = 12000
	}
	rows, err := convTbl.Search(nil).Where("status != 'deleted'").Limit(scanLimit).ToList(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("miner: scan conversations: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool {
		return parseTimeOrZero(rows[i]["started_at"]).After(parseTimeOrZero(rows[j]["started_at"]))
	})

	if len(opts.ConversationIDs) > 0 {
		want := map[string]bool{}
		for _, id := range opts.ConversationIDs {
			want[id] = true
		}
		filtered := rows[:0]
		for _, r := range rows {
			if want[strOf(r["id"])] {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	probeLimit := opts.MaxConversations * 24
	if probeLimit < 180 {
		probeLimit = 180
	}
	if probeLimit > len(rows) {
		probeLimit = len(rows)
	}

	var contexts []conversationContext
	for _, conv := range rows {
		if len(contexts) >= probeLimit*4 {
			// Hard safety valve; probing normally stops well before this.
			break
		}
		convID := strOf(conv["id"])
		if convID == "" {
			continue
		}
		messageCount := int(toFloat(conv["message_count"]))
		if messageCount <= 0 {
			continue
		}
		if !opts.ForceReanalyze {
			idxRows, err := idxTbl.Search(nil).Where(fmt.Sprintf("conversation_id = '%s'", escapeLit(convID))).Limit(1).ToList(ctx)
			if err == nil && len(idxRows) > 0 {
				if indexRowIsFresh(idxRows[0], strOf(conv["raw_file_hash"]), messageCount) {
					continue
				}
			}
		}

		escaped := escapeLit(convID)
		msgLimit := opts.MaxMessagesPerConversation * 4
		msgRows, err := msgTbl.Search(nil).Where(fmt.Sprintf("conversation_id = '%s'", escaped)).Limit(msgLimit).ToList(ctx)
		if err != nil || len(msgRows) == 0 {
			continue
		}
		sort.Slice(msgRows, func(i, j int) bool {
			return parseTimeOrZero(msgRows[i]["timestamp"]).Before(parseTimeOrZero(msgRows[j]["timestamp"]))
		})

		var messages []conversationMessage
		for _, mr := range msgRows {
			role := strings.ToLower(strOf(mr["role"]))
			if role != "user" && role != "assistant" {
				continue
			}
			if !opts.IncludeAssistantMessages && role != "user" {
				continue
			}
			content := strings.TrimSpace(strOf(mr["content"]))
			if len(content) < 12 {
				continue
			}
			content = whitespaceRE.ReplaceAllString(content, " ")
			if len(content) > 720 {
				content = strings.TrimRight(content[:720], " ")
			}
			messages = append(messages, conversationMessage{
				ID: strOf(mr["id"]), Role: role, Content: content, Timestamp: strOf(mr["timestamp"]),
			})
		}
		if len(messages) == 0 {
			continue
		}

		score := conversationSignalScore(messages)
		if score <= 0 {
			continue
		}
		if len(messages) > opts.MaxMessagesPerConversation {
			messages = messages[len(messages)-opts.MaxMessagesPerConversation:]
		}

		contexts = append(contexts, conversationContext{
			ConversationID:   convID,
			Title:            orDefault(strOf(conv["title"]), "Untitled"),
			SourceLLM:        orDefault(strOf(conv["source_llm"]), "unknown"),
			StartedAt:        parseTimeOrZero(conv["started_at"]),
			Messages:         messages,
			SignalScore:      score,
			MessageCount:     maxInt(messageCount, len(messages)),
			ConversationHash: strOf(conv["raw_file_hash"]),
		})
		if len(contexts) >= probeLimit {
			break
		}
	}

	sort.SliceStable(contexts, func(i, j int) bool {
		if contexts[i].SignalScore != contexts[j].SignalScore {
			return contexts[i].SignalScore > contexts[j].SignalScore
		}
		return contexts[i].StartedAt.After(contexts[j].StartedAt)
	})
	if len(contexts) > opts.MaxConversations {
		contexts = contexts[:opts.MaxConversations]
	}
	return contexts, len(rows), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func escapeLit(s string) string { return strings.ReplaceAll(s, "'", "''") }
