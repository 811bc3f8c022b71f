package observability

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/polyedge/polyedge/internal/polyconst"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLogEventTalliesCanonicalNoTradeReasons(t *testing.T) {
	el := NewEventLog(testLogger())
	el.LogEvent("DECISION", "m1", "c1", polyconst.ReasonEVTooLow, nil)
	el.LogEvent("DECISION", "m1", "c2", polyconst.ReasonEVTooLow, nil)
	el.LogEvent("DECISION", "m2", "c3", polyconst.ReasonRiskLimitHit, nil)

	stats := el.NoTradeStats()
	if stats[polyconst.ReasonEVTooLow] != 2 {
		t.Fatalf("expected EV_TOO_LOW counted twice, got %d", stats[polyconst.ReasonEVTooLow])
	}
	if stats[polyconst.ReasonRiskLimitHit] != 1 {
		t.Fatalf("expected RISK_LIMIT_HIT counted once, got %d", stats[polyconst.ReasonRiskLimitHit])
	}
}

func TestLogEventIgnoresNonCanonicalReasonInTally(t *testing.T) {
	el := NewEventLog(testLogger())
	el.LogEvent("DECISION", "m1", "c1", polyconst.NoTradeReason("NOT_A_REAL_REASON"), nil)

	stats := el.NoTradeStats()
	if len(stats) != 0 {
		t.Fatalf("expected no canonical reasons tallied, got %+v", stats)
	}
}

func TestLogEventWithoutReasonCodeNotTallied(t *testing.T) {
	el := NewEventLog(testLogger())
	el.LogEvent("STATE_CHANGED", "", "", "", map[string]any{"state": "PAPER_TRADING"})

	stats := el.Stats()
	if stats.TotalEvents != 1 {
		t.Fatalf("expected 1 total event, got %d", stats.TotalEvents)
	}
	if stats.UniqueReasons != 0 {
		t.Fatalf("expected 0 unique reasons for a non-decision event, got %d", stats.UniqueReasons)
	}
}

func TestRecentEventsCapsAtOneHundred(t *testing.T) {
	el := NewEventLog(testLogger())
	for i := 0; i < 150; i++ {
		el.LogEvent("DECISION", "m1", "", polyconst.ReasonEVTooLow, nil)
	}
	recent := el.RecentEvents()
	if len(recent) != recentEventBuffer {
		t.Fatalf("expected exactly %d recent events, got %d", recentEventBuffer, len(recent))
	}
}

func TestStatsReflectsTotalAndBreakdown(t *testing.T) {
	el := NewEventLog(testLogger())
	el.LogEvent("DECISION", "m1", "", polyconst.ReasonEVTooLow, nil)
	el.LogEvent("DECISION", "m2", "", polyconst.ReasonLockLost, nil)

	stats := el.Stats()
	if stats.TotalEvents != 2 {
		t.Fatalf("expected 2 total events, got %d", stats.TotalEvents)
	}
	if stats.UniqueReasons != 2 {
		t.Fatalf("expected 2 unique reasons, got %d", stats.UniqueReasons)
	}
}

func TestAlerterSuppressesWithinDedupWindow(t *testing.T) {
	a := &Alerter{logger: testLogger(), lastSent: make(map[string]time.Time)}
	now := time.Now()

	if a.shouldSuppress("daily-stop-loss", now) {
		t.Fatal("first alert with a given dedup key must never be suppressed")
	}
	if !a.shouldSuppress("daily-stop-loss", now.Add(time.Minute)) {
		t.Fatal("a repeat within the dedup window must be suppressed")
	}
	if a.shouldSuppress("daily-stop-loss", now.Add(10*time.Minute)) {
		t.Fatal("a repeat after the dedup window elapses must not be suppressed")
	}
}

func TestAlerterEmptyDedupKeyNeverSuppresses(t *testing.T) {
	a := &Alerter{logger: testLogger(), lastSent: make(map[string]time.Time)}
	now := time.Now()
	if a.shouldSuppress("", now) || a.shouldSuppress("", now) {
		t.Fatal("an empty dedup key must never suppress")
	}
}

func TestNoopAlerterNeverErrors(t *testing.T) {
	n := NewNoopAlerter(testLogger())
	if err := n.SendAlert(context.Background(), SeverityFatal, "engine crashed", "fatal-1", time.Now()); err != nil {
		t.Fatalf("expected no error from the noop alerter, got %v", err)
	}
}

func TestAlertSenderInterfaceSatisfiedByNoopAlerter(t *testing.T) {
	var _ AlertSender = NewNoopAlerter(testLogger())
}
