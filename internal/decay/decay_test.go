package decay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetentionFloorsSemanticMemories(t *testing.T) {
	r := Retention("semantic", 10000)
	require.InDelta(t, 0.1, r, 0.001)
}

func TestRetentionDecaysEpisodicToZero(t *testing.T) {
	r := Retention("episodic", 10000)
	require.Less(t, r, 0.01)
}

func TestRetentionWorkingDecaysFast(t *testing.T) {
	atZero := Retention("working", 0)
	atOneDay := Retention("working", 1)
	require.InDelta(t, 1.0, atZero, 0.001)
	require.Less(t, atOneDay, atZero)
}

func TestShouldArchiveWorking(t *testing.T) {
	require.True(t, ShouldArchiveWorking("working", 0.01))
	require.False(t, ShouldArchiveWorking("working", 0.5))
	require.False(t, ShouldArchiveWorking("semantic", 0.01))
}

func TestClassifyIdentity(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	p, ev := Classify(context.Background(), "My name is Dana and I was born in Portland", "semantic", "identity", now)
	require.Equal(t, ProfilePermanent, p)
	require.Nil(t, ev)
}

func TestClassifyVolatile(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	p, _ := Classify(context.Background(), "Need to fix this flaky test ASAP", "episodic", "projects", now)
	require.Equal(t, ProfileVolatile, p)
}

func TestClassifyWorkingLevelForcesVolatile(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	p, _ := Classify(context.Background(), "Discussing the release checklist", "working", "projects", now)
	require.Equal(t, ProfileVolatile, p)
}

func TestClassifySemiStableByCategory(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	p, _ := Classify(context.Background(), "Building a CLI tool for memory management", "semantic", "projects", now)
	require.Equal(t, ProfileSemiStable, p)
}

func TestClassifyDefaultStableForSemantic(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	p, _ := Classify(context.Background(), "Speaks fluent German", "semantic", "preferences", now)
	require.Equal(t, ProfileStable, p)
}

func TestClassifyISODate(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	p, ev := Classify(context.Background(), "Dentist appointment on 2026-08-15", "episodic", "events", now)
	require.Equal(t, ProfileEvent, p)
	require.NotNil(t, ev)
	require.Equal(t, 2026, ev.Year())
	require.Equal(t, time.August, ev.Month())
	require.Equal(t, 15, ev.Day())
}

func TestClassifyMonthNameDateRollsForwardWhenPast(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	p, ev := Classify(context.Background(), "Conference on March 5", "episodic", "events", now)
	require.Equal(t, ProfileEvent, p)
	require.NotNil(t, ev)
	require.Equal(t, 2027, ev.Year())
	require.Equal(t, time.March, ev.Month())
}

func TestExpiresAtForEvent(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	ev := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	exp, due := ExpiresAt(ProfileEvent, &ev, now)
	require.NotNil(t, exp)
	require.Nil(t, due)
	require.Equal(t, 16, exp.Day())
}

func TestExpiresAtForStableIsNil(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	exp, due := ExpiresAt(ProfileStable, nil, now)
	require.Nil(t, exp)
	require.Nil(t, due)
}
