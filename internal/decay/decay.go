// Package decay implements the decay classifier and the Ebbinghaus
// retention scoring used to decide when memories go stale. The classifier
// assigns a decay profile to new memories by a top-down, first-match-wins
// rule order; the scorer turns a memory level plus elapsed time into a
// retention value that the scheduler's decay sweep multiplies into
// importance, archiving working memories whose importance falls below 0.05.
package decay

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/en"
)

// Profile is the decay classification assigned to a memory at write time.
type Profile string

const (
	ProfilePermanent  Profile = "permanent"
	ProfileStable     Profile = "stable"
	ProfileSemiStable Profile = "semi-stable"
	ProfileVolatile   Profile = "volatile"
	ProfileEvent      Profile = "event-based"
)

// k values: decay rate per day, keyed by memory level, not profile — the
// profile governs expiry/review scheduling, the level governs the
// retention-curve steepness.
const (
	kSemantic = 0.001
	kEpisodic = 0.05
	kWorking  = 0.3
)

// semanticFloor is the minimum retention semantic memories decay to; episodic and
// working memories decay to zero.
const semanticFloor = 0.1

// Retention computes the Ebbinghaus retention curve exp(-k*days) for the
// given memory level, floored at 0.1 for semantic memories.
func Retention(level string, daysSinceLastReferenced float64) float64 {
	if daysSinceLastReferenced < 0 {
		daysSinceLastReferenced = 0
	}
	k := kEpisodic
	switch level {
	case "semantic":
		k = kSemantic
	case "working":
		k = kWorking
	case "episodic":
		k = kEpisodic
	}
	r := math.Exp(-k * daysSinceLastReferenced)
	if level == "semantic" && r < semanticFloor {
		return semanticFloor
	}
	if level != "semantic" && r < 0 {
		return 0
	}
	return r
}

// ShouldArchiveWorking reports whether a working-memory row whose
// importance has decayed below 0.05 should be archived by the decay sweep.
func ShouldArchiveWorking(level string, importance float64) bool {
	return level == "working" && importance < 0.05
}

var (
	isoDateRE = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	usDateRE  = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	monthDateRE = regexp.MustCompile(`(?i)\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?\b`)
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// permanentHints mark memories about durable facts of self/identity that
// never expire.
var permanentHints = []string{
	"name is", "born", "citizen", "identity", "email", "phone",
}

// volatilityHints mark memories likely to go stale within a day.
var volatilityHints = []string{
	"today", "tomorrow", "asap", "urgent", "for now", "temporary",
	"remind", "todo", "to do", "this afternoon", "this evening", "tonight",
}

// semiStableHints mark memories that change on the order of months.
var semiStableHints = []string{
	"framework", "library", "stack", "tooling", "sdk", "api", "language", "database",
}

var semiStableCategories = map[string]bool{
	"projects": true, "skills": true,
}

// atDefaultTime anchors a date-only parse to 09:00 UTC, the fixed
// time-of-day every event date is stamped with regardless of which branch
// parsed it.
func atDefaultTime(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 9, 0, 0, 0, time.UTC)
}

// ParseEventDate looks for an explicit or fuzzy date reference in content
// and returns it if found. ISO and US-style numeric dates and month-name
// dates are parsed with regexes (precise, no ambiguity); fuzzy phrases like
// "tomorrow" or "next week" are handed to olebedev/when. Month-name dates with
// no explicit year roll forward one year if the resulting date would
// otherwise be in the past relative to now. Every result is anchored to
// 09:00 UTC, independent of whatever time-of-day the underlying parse
// produced.
func ParseEventDate(content string, now time.Time) (time.Time, bool) {
	if m := isoDateRE.FindStringSubmatch(content); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		return atDefaultTime(time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)), true
	}
	if m := usDateRE.FindStringSubmatch(content); m != nil {
		mo, _ := strconv.Atoi(m[1])
		d, _ := strconv.Atoi(m[2])
		y, _ := strconv.Atoi(m[3])
		return atDefaultTime(time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)), true
	}
	if m := monthDateRE.FindStringSubmatch(content); m != nil {
		monKey := strings.ToLower(m[1])[:3]
		mo, ok := months[monKey]
		if ok {
			d, _ := strconv.Atoi(m[2])
			year := now.Year()
			if m[3] != "" {
				year, _ = strconv.Atoi(m[3])
			}
			date := time.Date(year, mo, d, 0, 0, 0, 0, time.UTC)
			if m[3] == "" && date.Before(now) {
				date = date.AddDate(1, 0, 0)
			}
			return atDefaultTime(date), true
		}
	}
	w := when.New(nil)
	w.Add(en.All...)
	r, err := w.Parse(content, now)
	if err == nil && r != nil {
		return atDefaultTime(r.Time), true
	}
	return time.Time{}, false
}

func containsAny(lower string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// Classify implements a top-down rule order: event-date parse, then
// permanent hints, then volatility hints or a working level, then
// semi-stable hints/category, then a default keyed on level. It returns the
// assigned profile and, for ProfileEvent, the parsed event time.
func Classify(ctx context.Context, content, level, category string, now time.Time) (Profile, *time.Time) {
	if t, ok := ParseEventDate(content, now); ok {
		return ProfileEvent, &t
	}
	lower := strings.ToLower(content)
	if containsAny(lower, permanentHints) {
		return ProfilePermanent, nil
	}
	if containsAny(lower, volatilityHints) || level == "working" {
		return ProfileVolatile, nil
	}
	if containsAny(lower, semiStableHints) || semiStableCategories[category] {
		return ProfileSemiStable, nil
	}
	if level == "semantic" {
		return ProfileStable, nil
	}
	return ProfileSemiStable, nil
}

// ExpiresAt derives an expiry/review schedule from a classified profile:
// event memories expire a day after the event, volatile memories expire
// within a day, semi-stable memories get a review window two months out,
// permanent and stable memories get neither.
func ExpiresAt(profile Profile, eventDate *time.Time, now time.Time) (expiresAt, reviewDueAt *time.Time) {
	switch profile {
	case ProfileEvent:
		if eventDate != nil {
			exp := eventDate.Add(24 * time.Hour)
			return &exp, nil
		}
	case ProfileVolatile:
		exp := now.Add(24 * time.Hour)
		return &exp, nil
	case ProfileSemiStable:
		due := now.AddDate(0, 0, 60)
		return nil, &due
	}
	return nil, nil
}
