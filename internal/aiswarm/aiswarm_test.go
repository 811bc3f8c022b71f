package aiswarm

import (
	"testing"
	"time"

	"github.com/polyedge/polyedge/internal/polyconst"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func validRaw(prob float64) map[string]any {
	return map[string]any{
		"market_id":          "m1",
		"prob_yes_raw":       prob,
		"confidence_raw":     0.7,
		"resolution_risk":    0.1,
		"dispute_risk":       0.05,
		"resolution_summary": "x",
		"evidence_summary":   "y",
		"uncertainty_reason": "z",
		"key_drivers":        []any{"a"},
		"disqualifiers":      []any{},
		"recommended_side":   "YES",
		"notes":              "n",
	}
}

func TestValidateResponseAccepted(t *testing.T) {
	resp, errs := ValidateResponse(validRaw(0.6))
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if resp.ProbYesRaw != 0.6 || resp.RecommendedSide != "YES" {
		t.Fatal("response fields not parsed correctly")
	}
}

func TestValidateResponseMissingFields(t *testing.T) {
	_, errs := ValidateResponse(map[string]any{"market_id": "m1"})
	if len(errs) == 0 {
		t.Fatal("expected missing-field errors")
	}
}

func TestValidateResponseOutOfRange(t *testing.T) {
	raw := validRaw(1.5)
	_, errs := ValidateResponse(raw)
	if len(errs) == 0 {
		t.Fatal("expected out-of-range error for prob_yes_raw=1.5")
	}
}

func TestValidateResponseBadSide(t *testing.T) {
	raw := validRaw(0.5)
	raw["recommended_side"] = "MAYBE"
	_, errs := ValidateResponse(raw)
	if len(errs) == 0 {
		t.Fatal("expected invalid recommended_side error")
	}
}

func TestComputePromptHashDeterministic(t *testing.T) {
	h1 := ComputePromptHash("hello world")
	h2 := ComputePromptHash("hello world")
	if h1 != h2 {
		t.Fatal("prompt hash must be deterministic")
	}
	if ComputePromptHash("other") == h1 {
		t.Fatal("different prompts must hash differently")
	}
}

func TestBuildAnalysisPromptIncludesEvidenceAndSchema(t *testing.T) {
	prompt := BuildAnalysisPrompt(
		MarketFacts{Title: "Will X happen?", Category: "Politics"},
		[]EvidenceFacts{{Title: "Article", Text: "some body", ReliabilityTier: 1, SourceID: "src1"}},
		&SnapshotFacts{BestBidYes: 0.4, BestAskYes: 0.45},
	)
	if prompt == "" {
		t.Fatal("expected non-empty prompt")
	}
	if !contains(prompt, SchemaVersion) {
		t.Fatal("prompt must reference schema version")
	}
	if !contains(prompt, "src1") {
		t.Fatal("prompt must include evidence source id")
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func makeResult(prob float64, weight int, ok bool) ModelResult {
	return ModelResult{Weight: weight, ParseOK: ok, Response: Response{ProbYesRaw: prob}}
}

func TestCheckQuorumInsufficientModels(t *testing.T) {
	results := []ModelResult{makeResult(0.5, 2, true), makeResult(0.5, 2, false)}
	met, reason := CheckQuorum(results)
	if met || reason == "" {
		t.Fatal("quorum should fail with only 1 valid model")
	}
}

func TestCheckQuorumInsufficientWeight(t *testing.T) {
	results := []ModelResult{makeResult(0.5, 1, true), makeResult(0.5, 1, true), makeResult(0.5, 1, true)}
	met, _ := CheckQuorum(results)
	if met {
		t.Fatal("quorum should fail when total weight (3) < QuorumMinWeight (4)")
	}
}

func TestCheckQuorumDisagreement(t *testing.T) {
	results := []ModelResult{
		makeResult(0.2, 2, true),
		makeResult(0.9, 2, true),
		makeResult(0.5, 1, true),
	}
	met, reason := CheckQuorum(results)
	if met {
		t.Fatal("wide spread should fail disagreement check")
	}
	if reason == "" {
		t.Fatal("expected disagreement reason")
	}
}

func TestCheckQuorumMet(t *testing.T) {
	results := []ModelResult{
		makeResult(0.55, 2, true),
		makeResult(0.57, 2, true),
		makeResult(0.56, 1, true),
	}
	met, reason := CheckQuorum(results)
	if !met {
		t.Fatalf("expected quorum met, got reason %q", reason)
	}
}

func TestComputeWeightedDisagreementInsufficientData(t *testing.T) {
	if d := ComputeWeightedDisagreement([]ModelResult{makeResult(0.5, 1, true)}); d != 0 {
		t.Fatal("single result should report zero disagreement")
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return db
}

func TestBudgetReserveSettleRelease(t *testing.T) {
	db := openTestDB(t)
	bm, err := NewBudgetManager(db, decimal.NewFromFloat(100.0))
	if err != nil {
		t.Fatalf("new budget manager: %v", err)
	}
	now := time.Now().UTC()

	id, err := bm.Reserve("deepseek/deepseek-v3.2", decimal.NewFromFloat(0.01), "corr-1", now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	ok, err := bm.Settle(id, nil, now)
	if err != nil || !ok {
		t.Fatalf("settle: ok=%v err=%v", ok, err)
	}

	// Idempotent re-settle returns false.
	ok2, _ := bm.Settle(id, nil, now)
	if ok2 {
		t.Fatal("re-settling an already-settled reservation must be a no-op")
	}

	stats := bm.Stats()
	if !stats.SpentUSD.GreaterThan(decimal.Zero) {
		t.Fatal("expected spent_usd to reflect the settled reservation")
	}
}

func TestBudgetDeniesOverDailyCap(t *testing.T) {
	db := openTestDB(t)
	bm, err := NewBudgetManager(db, decimal.NewFromFloat(10.0)) // daily cap = min(2.00, 10*0.005) = 0.05
	if err != nil {
		t.Fatalf("new budget manager: %v", err)
	}
	now := time.Now().UTC()

	_, err = bm.Reserve("deepseek/deepseek-v3.2", decimal.NewFromFloat(1.00), "corr-big", now)
	if err == nil {
		t.Fatal("expected daily cap denial for oversized reservation")
	}
}

func TestBudgetReapExpiredForceSettles(t *testing.T) {
	db := openTestDB(t)
	bm, err := NewBudgetManager(db, decimal.NewFromFloat(100.0))
	if err != nil {
		t.Fatalf("new budget manager: %v", err)
	}
	past := time.Now().UTC().Add(-time.Hour)

	id, err := bm.Reserve("deepseek/deepseek-v3.2", decimal.NewFromFloat(0.01), "corr-old", past)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	count, err := bm.ReapExpired(time.Now().UTC())
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 force-settled reservation, got %d", count)
	}

	ok, _ := bm.Settle(id, nil, time.Now().UTC())
	if ok {
		t.Fatal("force-settled reservation must not be re-settleable")
	}
}

func TestComputeDailyAndWindowCaps(t *testing.T) {
	cap := ComputeDailyCap(decimal.NewFromFloat(100.0)) // 100*0.005 = 0.5, min(2.00, 0.5) = 0.5
	if !cap.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("expected daily cap 0.5, got %v", cap)
	}
	windowCap := ComputeWindowCap(cap)
	if !windowCap.Equal(decimal.NewFromFloat(0.1)) {
		t.Fatalf("expected window cap 0.1, got %v", windowCap)
	}
}

func TestComputeDailyCapHonoursHardUserCap(t *testing.T) {
	cap := ComputeDailyCap(decimal.NewFromFloat(100000.0)) // 100000*0.005 = 500, capped at AICapUSDUser
	if !cap.Equal(decimal.NewFromFloat(polyconst.AICapUSDUser)) {
		t.Fatalf("expected hard user cap %v, got %v", polyconst.AICapUSDUser, cap)
	}
}
