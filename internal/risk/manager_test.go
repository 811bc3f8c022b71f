package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestManager(walletUSD float64) *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(decimal.NewFromFloat(walletUSD), logger)
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestComputeOrderSizeNoPositions(t *testing.T) {
	rm := newTestManager(1000) // max per market = 2% = 20, max exposure = 10% = 100
	size := rm.ComputeOrderSize("m1", nil)
	if !size.Equal(d(20)) {
		t.Fatalf("expected order size 20, got %v", size)
	}
}

func TestComputeOrderSizeConstrainedByVenueBalance(t *testing.T) {
	rm := newTestManager(1000)
	balance := d(5)
	size := rm.ComputeOrderSize("m1", &balance)
	if !size.Equal(d(5)) {
		t.Fatalf("expected venue balance to constrain size to 5, got %v", size)
	}
}

func TestComputeOrderSizeConstrainedByRemainingExposure(t *testing.T) {
	rm := newTestManager(1000)
	rm.AddPosition("other", SideYes, d(90), d(0.5), time.Now())
	// remaining exposure = 100 - 90 = 10, less than max-per-market 20
	size := rm.ComputeOrderSize("m1", nil)
	if !size.Equal(d(10)) {
		t.Fatalf("expected remaining-exposure constrained size 10, got %v", size)
	}
}

func TestCanOpenPositionBlockedByMaxCount(t *testing.T) {
	rm := newTestManager(1000)
	for i := 0; i < 5; i++ {
		rm.AddPosition(string(rune('a'+i)), SideYes, d(1), d(0.5), time.Now())
	}
	ok, reason := rm.CanOpenPosition()
	if ok || reason == "" {
		t.Fatal("expected RISK_LIMIT_HIT once max open positions reached")
	}
}

func TestCanOpenPositionBlockedByExposure(t *testing.T) {
	rm := newTestManager(1000)
	rm.AddPosition("m1", SideYes, d(100), d(0.5), time.Now()) // == 10% max exposure
	ok, reason := rm.CanOpenPosition()
	if ok || reason == "" {
		t.Fatal("expected RISK_LIMIT_HIT once max total exposure reached")
	}
}

func TestCanOpenPositionAllowedUnderLimits(t *testing.T) {
	rm := newTestManager(1000)
	ok, reason := rm.CanOpenPosition()
	if !ok || reason != "" {
		t.Fatalf("expected position to be openable, got ok=%v reason=%q", ok, reason)
	}
}

func TestClosePositionYesProfits(t *testing.T) {
	rm := newTestManager(1000)
	rm.AddPosition("m1", SideYes, d(100), d(0.40), time.Now())
	pnl := rm.ClosePosition("m1", d(0.50))
	// (0.50-0.40)*100/0.40 = 25
	if !pnl.Equal(d(25)) {
		t.Fatalf("expected pnl 25, got %v", pnl)
	}
	stats := rm.Stats()
	if !stats.DailyPnLUSD.Equal(d(25)) {
		t.Fatalf("expected daily pnl to accumulate to 25, got %v", stats.DailyPnLUSD)
	}
}

func TestClosePositionNoLoses(t *testing.T) {
	rm := newTestManager(1000)
	rm.AddPosition("m1", SideNo, d(100), d(0.60), time.Now())
	pnl := rm.ClosePosition("m1", d(0.70))
	// NO side: (entry-exit)*notional/entry = (0.60-0.70)*100/0.60 = -16.67
	if pnl.GreaterThan(decimal.Zero) {
		t.Fatalf("expected a loss on NO position as exit price rose, got %v", pnl)
	}
}

func TestClosePositionUnknownMarketIsNoop(t *testing.T) {
	rm := newTestManager(1000)
	pnl := rm.ClosePosition("ghost", d(0.5))
	if !pnl.IsZero() {
		t.Fatalf("expected zero pnl for unknown market, got %v", pnl)
	}
}

func TestConservativeMTM(t *testing.T) {
	rm := newTestManager(1000)
	rm.AddPosition("m1", SideYes, d(100), d(0.50), time.Now())
	mtm := rm.ConservativeMTM("m1", d(0.40))
	// 0.40*100/0.50 = 80
	if !mtm.Equal(d(80)) {
		t.Fatalf("expected mtm 80, got %v", mtm)
	}
}

func TestAddTWAPSampleRejectsWideSpread(t *testing.T) {
	rm := newTestManager(1000)
	now := time.Now()
	rm.AddTWAPSample("m1", d(0.5), 0.20, 100, now)
	if rm.RiskMTM("m1") != nil {
		t.Fatal("wide-spread sample must be rejected, no mark should form")
	}
}

func TestAddTWAPSampleRejectsThinDepth(t *testing.T) {
	rm := newTestManager(1000)
	now := time.Now()
	rm.AddTWAPSample("m1", d(0.5), 0.02, 10, now)
	if rm.RiskMTM("m1") != nil {
		t.Fatal("thin-depth sample must be rejected, no mark should form")
	}
}

func TestRiskMTMRequiresMinimumSamplesAndSpan(t *testing.T) {
	rm := newTestManager(1000)
	now := time.Now()
	rm.AddTWAPSample("m1", d(0.50), 0.02, 100, now)
	rm.AddTWAPSample("m1", d(0.51), 0.02, 100, now.Add(10*time.Second))
	if rm.RiskMTM("m1") != nil {
		t.Fatal("only 2 samples should not yet produce a mark")
	}

	rm.AddTWAPSample("m1", d(0.52), 0.02, 100, now.Add(20*time.Second))
	if rm.RiskMTM("m1") != nil {
		t.Fatal("3 samples spanning only 20s should not yet satisfy the 60s span requirement")
	}

	rm.AddTWAPSample("m1", d(0.53), 0.02, 100, now.Add(90*time.Second))
	mark := rm.RiskMTM("m1")
	if mark == nil {
		t.Fatal("4 samples spanning 90s should produce a mark")
	}
}

func TestRiskMTMRejectsOutliersAtTenSamples(t *testing.T) {
	rm := newTestManager(1000)
	now := time.Now()
	for i := 0; i < 9; i++ {
		rm.AddTWAPSample("m1", d(0.50), 0.02, 100, now.Add(time.Duration(i*10)*time.Second))
	}
	// Tenth sample is a wild spike well outside 2 sigma of a near-zero-variance cluster.
	rm.AddTWAPSample("m1", d(0.99), 0.02, 100, now.Add(90*time.Second))

	mark := rm.RiskMTM("m1")
	if mark == nil {
		t.Fatal("expected a mark once outlier rejection kicks in")
	}
	got, _ := mark.Float64()
	if got > 0.60 {
		t.Fatalf("expected the 0.99 outlier to be rejected, median landed at %v", got)
	}
}

func TestCheckDailyStopTriggersHalt(t *testing.T) {
	rm := newTestManager(1000) // threshold = -3% = -30
	rm.AddPosition("m1", SideYes, d(100), d(0.50), time.Now())
	rm.ClosePosition("m1", d(0.15)) // big loss, exceeds -30 threshold

	if !rm.CheckDailyStop() {
		t.Fatal("expected daily stop to trigger on a large loss")
	}

	select {
	case sig := <-rm.HaltCh():
		if sig.Reason == "" {
			t.Fatal("expected a non-empty halt reason")
		}
	default:
		t.Fatal("expected a HaltSignal on the halt channel")
	}
}

func TestCheckDailyStopNotTriggeredUnderThreshold(t *testing.T) {
	rm := newTestManager(1000)
	rm.AddPosition("m1", SideYes, d(100), d(0.50), time.Now())
	rm.ClosePosition("m1", d(0.48)) // small loss, well within threshold

	if rm.CheckDailyStop() {
		t.Fatal("small loss should not trigger daily stop")
	}
}

func TestWalletStaleness(t *testing.T) {
	rm := newTestManager(1000)
	now := time.Now()
	if rm.IsWalletStale(now) {
		t.Fatal("freshly constructed manager should not report stale wallet")
	}
	if !rm.IsWalletStale(now.Add(2 * time.Hour)) {
		t.Fatal("expected wallet to be stale after 2 hours")
	}

	rm.UpdateWallet(d(2000), now.Add(2*time.Hour))
	if rm.IsWalletStale(now.Add(2 * time.Hour)) {
		t.Fatal("updating the wallet should clear staleness")
	}
}

func TestResetDailyClearsPnL(t *testing.T) {
	rm := newTestManager(1000)
	rm.AddPosition("m1", SideYes, d(100), d(0.50), time.Now())
	rm.ClosePosition("m1", d(0.60))
	if rm.Stats().DailyPnLUSD.IsZero() {
		t.Fatal("expected nonzero daily pnl before reset")
	}

	rm.ResetDaily()
	if !rm.Stats().DailyPnLUSD.IsZero() {
		t.Fatal("expected daily pnl to reset to zero")
	}
}
