package execution

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyedge/polyedge/internal/decisionengine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestPaperSubmitIsIdempotent(t *testing.T) {
	p := NewPaperEngine(testLogger())
	now := time.Now()
	o1 := p.Submit("abc123", "m1", decisionengine.SideYes, dec(0.50), dec(10), 5, now)
	o2 := p.Submit("abc123", "m1", decisionengine.SideYes, dec(0.60), dec(20), 5, now)
	if !o1.LimitPrice.Equal(o2.LimitPrice) {
		t.Fatal("resubmitting the same decision id must return the original order unchanged")
	}
}

func TestPaperFillRequiresThroughAndSustain(t *testing.T) {
	p := NewPaperEngine(testLogger())
	now := time.Now()
	p.Submit("o1", "m1", decisionengine.SideYes, dec(0.50), dec(10), 5, now)

	// Ask at 0.49: only 0.01 through, meets the 1-tick threshold but
	// hasn't sustained yet.
	filled := p.CheckFills("m1", dec(0.49), dec(0.50), now)
	if len(filled) != 0 {
		t.Fatal("must not fill on the first through tick")
	}

	// 2 seconds later, still through but not yet 3s sustained.
	filled = p.CheckFills("m1", dec(0.49), dec(0.50), now.Add(2*time.Second))
	if len(filled) != 0 {
		t.Fatal("must not fill before the 3-second sustain window elapses")
	}

	// 3+ seconds later, should fill at the limit price (not the through price).
	filled = p.CheckFills("m1", dec(0.49), dec(0.50), now.Add(3100*time.Millisecond))
	if len(filled) != 1 {
		t.Fatalf("expected exactly 1 fill after sustain window, got %d", len(filled))
	}
	if !filled[0].FillPrice.Equal(dec(0.50)) {
		t.Fatalf("fill price must be the limit (0.50), not the through price, got %v", filled[0].FillPrice)
	}
}

func TestPaperFillResetsIfMarketRetraces(t *testing.T) {
	p := NewPaperEngine(testLogger())
	now := time.Now()
	p.Submit("o1", "m1", decisionengine.SideYes, dec(0.50), dec(10), 5, now)

	p.CheckFills("m1", dec(0.49), dec(0.50), now) // starts trading through
	// Market retraces back above the limit before the sustain window elapses.
	p.CheckFills("m1", dec(0.55), dec(0.50), now.Add(1*time.Second))
	filled := p.CheckFills("m1", dec(0.49), dec(0.50), now.Add(5*time.Second))
	if len(filled) != 0 {
		t.Fatal("a retrace should reset the through-timer, requiring a fresh 3s sustain")
	}
}

func TestPaperFillNoOrderOutsideTickThreshold(t *testing.T) {
	p := NewPaperEngine(testLogger())
	now := time.Now()
	p.Submit("o1", "m1", decisionengine.SideYes, dec(0.50), dec(10), 5, now)

	// Ask only 0.005 below limit: below the 1-tick ($0.01) threshold.
	filled := p.CheckFills("m1", dec(0.495), dec(0.50), now.Add(10*time.Second))
	if len(filled) != 0 {
		t.Fatal("sub-tick through must never fill")
	}
}

func TestPaperCancelOpenOrder(t *testing.T) {
	p := NewPaperEngine(testLogger())
	now := time.Now()
	p.Submit("o1", "m1", decisionengine.SideYes, dec(0.50), dec(10), 5, now)
	if err := p.Cancel("o1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	order, ok := p.Get("o1")
	if !ok || order.Status != StatusCancelled {
		t.Fatalf("expected order to be cancelled, got %+v", order)
	}
}

func TestPaperCancelUnknownOrder(t *testing.T) {
	p := NewPaperEngine(testLogger())
	if err := p.Cancel("ghost"); err != ErrUnknownOrder {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestPaperFeeAppliesFloorAndDoubling(t *testing.T) {
	p := NewPaperEngine(testLogger())
	now := time.Now()
	// feeRateBps (5) is below the platform floor (10), so the floor wins.
	p.Submit("o1", "m1", decisionengine.SideYes, dec(0.50), dec(100), 5, now)
	filled := p.CheckFills("m1", dec(0.49), dec(0.50), now)
	filled = p.CheckFills("m1", dec(0.49), dec(0.50), now.Add(3100*time.Millisecond))
	if len(filled) != 1 {
		t.Fatalf("expected a fill, got %d", len(filled))
	}
	// 100 * (10/10000) * 2 = 0.2
	if !filled[0].FeesUSD.Equal(dec(0.2)) {
		t.Fatalf("expected fee 0.2, got %v", filled[0].FeesUSD)
	}
}

func TestPaperFeeUsesMarketRateAboveFloor(t *testing.T) {
	p := NewPaperEngine(testLogger())
	now := time.Now()
	// feeRateBps (50) exceeds the platform floor (10), so the real rate wins.
	p.Submit("o1", "m1", decisionengine.SideYes, dec(0.50), dec(100), 50, now)
	filled := p.CheckFills("m1", dec(0.49), dec(0.50), now)
	filled = p.CheckFills("m1", dec(0.49), dec(0.50), now.Add(3100*time.Millisecond))
	if len(filled) != 1 {
		t.Fatalf("expected a fill, got %d", len(filled))
	}
	// 100 * (50/10000) * 2 = 1.0
	if !filled[0].FeesUSD.Equal(dec(1.0)) {
		t.Fatalf("expected fee 1.0 from the market's real rate, got %v", filled[0].FeesUSD)
	}
}

func TestOrphanAdoptionSurfacesAsPendingUnknown(t *testing.T) {
	l := &LiveEngine{orders: make(map[string]*Order), logger: testLogger()}
	l.AdoptOrphan("o1", "m1", decisionengine.SideYes, dec(0.50), dec(10), time.Now())

	pending := l.PendingUnknown()
	if len(pending) != 1 || pending[0].Status != StatusPendingUnknown {
		t.Fatalf("expected 1 pending-unknown order, got %+v", pending)
	}

	if err := l.ResolvePendingUnknown("o1", StatusFilled, dec(0.50), time.Now()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	order, ok := l.Get("o1")
	if !ok || order.Status != StatusFilled {
		t.Fatalf("expected resolved order to be FILLED, got %+v", order)
	}
	if len(l.PendingUnknown()) != 0 {
		t.Fatal("resolved order must no longer appear as pending-unknown")
	}
}
