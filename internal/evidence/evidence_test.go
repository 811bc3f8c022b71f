package evidence

import (
	"testing"
	"time"

	"github.com/polyedge/polyedge/internal/polyconst"
)

func tp(d time.Time) *time.Time { return &d }

func TestIsThesisRequiredByTriggerAndCategory(t *testing.T) {
	c := CandidateContext{TriggerReasons: []string{"mid_move"}}
	m := MarketContext{Category: "Geopolitics"}
	if !IsThesisRequired(c, m, 100, nil) {
		t.Fatal("allowlisted category + mid_move trigger should require thesis")
	}
}

func TestIsThesisRequiredBySize(t *testing.T) {
	c := CandidateContext{IntendedOrderSizeUSD: 1}
	m := MarketContext{Category: "other"}
	if !IsThesisRequired(c, m, 100, nil) {
		t.Fatal("1 USD on 100 USD wallet is 1% >= 0.5% threshold")
	}
}

func TestIsThesisRequiredBySubjectiveText(t *testing.T) {
	c := CandidateContext{}
	m := MarketContext{ResolutionSource: "This is a highly disputed and controversial topic"}
	if !IsThesisRequired(c, m, 100, nil) {
		t.Fatal("subjective resolution text should require thesis")
	}
}

func TestIsHighStakesByResolutionProximity(t *testing.T) {
	now := time.Now()
	end := now.Add(3 * time.Hour)
	if !IsHighStakes(CandidateContext{}, MarketContext{EndDateUTC: &end}, 100, 0, now) {
		t.Fatal("3h to resolution should be high stakes")
	}
}

func TestIsTTLValid(t *testing.T) {
	now := time.Now()
	item := Item{PublishedAtUTC: tp(now.Add(-30 * time.Minute))}
	if !IsTTLValid(item, time.Hour, nil, now) {
		t.Fatal("30min old item within 1h TTL should be valid")
	}
	item2 := Item{PublishedAtUTC: tp(now.Add(-2 * time.Hour))}
	if IsTTLValid(item2, time.Hour, nil, now) {
		t.Fatal("2h old item exceeding 1h TTL should be invalid")
	}
	item3 := Item{}
	if IsTTLValid(item3, time.Hour, nil, now) {
		t.Fatal("item with no publish date should never be valid")
	}
}

func TestBuildBundleOrdersByTierThenRecency(t *testing.T) {
	now := time.Now()
	items := []Item{
		{SourceID: "b", ReliabilityTier: 2, PublishedAtUTC: tp(now.Add(-time.Minute)), Text: "t2"},
		{SourceID: "a", ReliabilityTier: 1, PublishedAtUTC: tp(now.Add(-2 * time.Minute)), Text: "t1-old"},
		{SourceID: "c", ReliabilityTier: 1, PublishedAtUTC: tp(now.Add(-time.Minute)), Text: "t1-new"},
	}
	final, hash := BuildBundle(items, nil, now)
	if len(final) != 3 {
		t.Fatalf("expected all 3 valid items, got %d", len(final))
	}
	if final[0].SourceID != "c" || final[1].SourceID != "a" || final[2].SourceID != "b" {
		t.Fatalf("expected order c,a,b (tier asc, newest first), got %s,%s,%s", final[0].SourceID, final[1].SourceID, final[2].SourceID)
	}
	if hash == "" {
		t.Fatal("expected non-empty bundle hash")
	}
}

func TestBuildBundleDeterministicHash(t *testing.T) {
	now := time.Now()
	items := []Item{{SourceID: "a", ReliabilityTier: 1, PublishedAtUTC: tp(now), Text: "x"}}
	_, h1 := BuildBundle(items, nil, now)
	_, h2 := BuildBundle(items, nil, now)
	if h1 != h2 {
		t.Fatal("bundle hash must be deterministic for identical input")
	}
}

func TestDetectConflictRequiresTwoHighTierItems(t *testing.T) {
	items := []Item{{ReliabilityTier: 1, Text: "approved and will pass"}}
	has, _ := DetectConflict(items)
	if has {
		t.Fatal("a single high-tier item cannot conflict with itself")
	}
}

func TestDetectConflictYesVsNo(t *testing.T) {
	items := []Item{
		{ReliabilityTier: 1, Text: "officials say it will be approved"},
		{ReliabilityTier: 2, Text: "sources say the measure was rejected and denied"},
	}
	has, desc := DetectConflict(items)
	if !has {
		t.Fatal("expected conflict between YES and NO signal items")
	}
	if desc == "" {
		t.Fatal("expected non-empty conflict description")
	}
}

func TestResolveConflictTier1Majority(t *testing.T) {
	items := []Item{
		{ReliabilityTier: 1, Text: "will be approved"},
		{ReliabilityTier: 1, Text: "was rejected and denied"},
	}
	proceed, reason := ResolveConflict(items, false)
	if !proceed || reason != nil {
		t.Fatal("2+ tier1 items in conflict should still proceed per majority rule")
	}
}

func TestResolveConflictHighStakesInsufficientTier1(t *testing.T) {
	items := []Item{
		{ReliabilityTier: 1, Text: "will be approved"},
		{ReliabilityTier: 2, Text: "was rejected and denied"},
	}
	proceed, reason := ResolveConflict(items, true)
	if proceed || reason == nil || *reason != polyconst.ReasonEvidenceTier1Insufficient {
		t.Fatal("high-stakes with <2 tier1 items should be EVIDENCE_TIER1_INSUFFICIENT")
	}
}

func TestResolveConflictNoConflict(t *testing.T) {
	items := []Item{{ReliabilityTier: 1, Text: "will be approved"}}
	proceed, reason := ResolveConflict(items, false)
	if !proceed || reason != nil {
		t.Fatal("no conflict detected should always proceed")
	}
}

func TestFetchRateLimiterCap(t *testing.T) {
	l := NewFetchRateLimiter()
	now := time.Now()
	for i := 0; i < polyconst.EvidenceFetchesPerHourMax; i++ {
		if !l.CanFetch(now) {
			t.Fatalf("fetch %d should be allowed under cap", i)
		}
		l.RecordFetch(now)
	}
	if l.CanFetch(now) {
		t.Fatal("fetch beyond hourly cap should be blocked")
	}
}
