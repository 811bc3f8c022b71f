package registry

import "testing"

func TestNormalizeLabelCollapsesAndUppercases(t *testing.T) {
	got := NormalizeLabel("  yes   ")
	if got != "YES" {
		t.Fatalf("expected YES, got %q", got)
	}
}

func TestNormalizeLabelHandlesInternalWhitespace(t *testing.T) {
	got := NormalizeLabel("ye\ts\n\n")
	if got != "YES" {
		t.Fatalf("expected whitespace collapsed and trimmed to YES, got %q", got)
	}
}

func TestIsBinaryEligibleAcceptsYesNo(t *testing.T) {
	outcomes := []gammaOutcome{
		{Value: "Yes", AssetID: "tok-yes"},
		{Value: "No", AssetID: "tok-no"},
	}
	ok, reason := IsBinaryEligible(outcomes)
	if !ok || reason != "" {
		t.Fatalf("expected eligible, got ok=%v reason=%q", ok, reason)
	}
}

func TestIsBinaryEligibleRejectsWrongCount(t *testing.T) {
	outcomes := []gammaOutcome{
		{Value: "Team A"}, {Value: "Team B"}, {Value: "Team C"},
	}
	ok, reason := IsBinaryEligible(outcomes)
	if ok || reason == "" {
		t.Fatal("expected ineligible for a 3-outcome market")
	}
}

func TestIsBinaryEligibleRejectsNonYesNoLabels(t *testing.T) {
	outcomes := []gammaOutcome{
		{Value: "Team A"}, {Value: "Team B"},
	}
	ok, _ := IsBinaryEligible(outcomes)
	if ok {
		t.Fatal("expected ineligible for non YES/NO labels")
	}
}

func TestClassifyCategoryDenylistBeatsAllowlist(t *testing.T) {
	ok, reason := ClassifyCategory("sports")
	if ok || reason == "" {
		t.Fatal("expected sports to be denied")
	}
}

func TestClassifyCategoryAllowlisted(t *testing.T) {
	ok, reason := ClassifyCategory("Economics")
	if !ok || reason != "" {
		t.Fatalf("expected economics allowed, got ok=%v reason=%q", ok, reason)
	}
}

func TestClassifyCategoryUnknownIsDenied(t *testing.T) {
	ok, reason := ClassifyCategory("underwater basket weaving")
	if ok || reason == "" {
		t.Fatal("expected unknown category to be denied by default")
	}
}

func TestComputeCriticalFieldHashIsDeterministic(t *testing.T) {
	h1 := ComputeCriticalFieldHash("t", "d", "r", "e", "y", "n", "c")
	h2 := ComputeCriticalFieldHash("t", "d", "r", "e", "y", "n", "c")
	if h1 != h2 {
		t.Fatal("identical fields must hash identically")
	}
	h3 := ComputeCriticalFieldHash("t2", "d", "r", "e", "y", "n", "c")
	if h1 == h3 {
		t.Fatal("a changed title must change the hash")
	}
}

func TestParseGammaMarketEligible(t *testing.T) {
	raw := GammaMarket{
		ID:               "m1",
		ConditionID:      "cond-1",
		Question:         "Will X happen?",
		Description:      "desc",
		Category:         "economics",
		ResolutionSource: "src",
		EndDate:          "2026-12-31T23:59:59Z",
		Outcomes: []gammaOutcome{
			{Value: "Yes", AssetID: "tok-yes"},
			{Value: "No", AssetID: "tok-no"},
		},
		Volume24hr:    1000,
		LiquidityClob: 5000,
	}
	m := ParseGammaMarket(raw)
	if m == nil {
		t.Fatal("expected a parsed market")
	}
	if !m.IsBinaryEligible {
		t.Fatalf("expected eligible market, reason=%q", m.EligibilityReason)
	}
	if m.YesTokenID != "tok-yes" || m.NoTokenID != "tok-no" {
		t.Fatalf("token ids not extracted correctly: %+v", m)
	}
	if m.CriticalFieldHash == "" {
		t.Fatal("expected a non-empty critical field hash")
	}
}

func TestParseGammaMarketIneligibleCategoryStillParsed(t *testing.T) {
	raw := GammaMarket{
		ID:       "m2",
		Question: "Who wins the Super Bowl?",
		Category: "sports",
		Outcomes: []gammaOutcome{
			{Value: "Team A"}, {Value: "Team B"}, {Value: "Team C"},
		},
	}
	m := ParseGammaMarket(raw)
	if m == nil {
		t.Fatal("expected the market to still be parsed and recorded, just ineligible")
	}
	if m.IsBinaryEligible {
		t.Fatal("expected sports market to be ineligible")
	}
	if m.EligibilityReason == "" {
		t.Fatal("expected an eligibility reason to be recorded")
	}
}

func TestParseGammaMarketMissingIDReturnsNil(t *testing.T) {
	raw := GammaMarket{Outcomes: []gammaOutcome{{Value: "Yes"}, {Value: "No"}}}
	if m := ParseGammaMarket(raw); m != nil {
		t.Fatalf("expected nil for a market with no id, got %+v", m)
	}
}

func TestParseGammaMarketNoOutcomesReturnsNil(t *testing.T) {
	raw := GammaMarket{ID: "m3"}
	if m := ParseGammaMarket(raw); m != nil {
		t.Fatalf("expected nil for a market with no outcomes, got %+v", m)
	}
}
