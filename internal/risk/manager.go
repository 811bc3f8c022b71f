// Package risk enforces portfolio-level limits on the directional
// positions PolyEdge opens against binary prediction markets (spec
// §16).
//
// Unlike a market maker, which holds two-sided inventory per market,
// PolyEdge holds at most one directional position (YES or NO) per
// market at a time. The manager tracks those positions, sizes new
// orders against wallet-relative caps, marks exposure to market using
// an anti-spoof TWAP, and reports whether the day's realized+MTM PnL
// has breached the daily stop loss.
//
// The manager runs as a standalone goroutine so that TWAP sample
// pruning and wallet-staleness checks happen on a ticker independent
// of engine cadence, following the teacher's risk-loop idiom. Sizing
// and position queries are synchronous, mutex-guarded method calls
// from the engine's decision pipeline.
package risk

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// Side mirrors the directional decision side (decisionengine.SideYes/SideNo).
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Position is one open directional position in a single market.
type Position struct {
	MarketID    string
	Side        Side
	NotionalUSD decimal.Decimal
	EntryPrice  decimal.Decimal
	OpenedAtUTC time.Time
}

// twapSample is one valid mid-price observation used for risk marks.
type twapSample struct {
	mid decimal.Decimal
	ts  time.Time
}

// HaltSignal is emitted when the daily stop loss is breached, telling
// the engine's state machine to transition to HALTED_DAILY.
type HaltSignal struct {
	Reason       string
	DailyPnLUSD  decimal.Decimal
	ThresholdUSD decimal.Decimal
}

const (
	twapSampleRetention  = 300 * time.Second
	twapMinSpan          = 60 * time.Second
	twapMinSamples       = 3
	twapOutlierSamples   = 10
	twapOutlierSigma     = 2.0
	twapMaxSpreadValid   = 0.10
	walletStaleThreshold = time.Hour
)

// Manager enforces per-market and portfolio-wide position limits and
// tracks realized/unrealized PnL for the daily stop loss.
type Manager struct {
	logger *slog.Logger

	mu                  sync.RWMutex
	walletUSD           decimal.Decimal
	walletUpdatedAtUTC  time.Time
	maxPerMarketPct     float64
	maxTotalExposurePct float64
	maxOpenPositions    int
	dailyStopLossPct    float64

	positions    map[string]Position
	dailyPnLUSD  decimal.Decimal
	twapSamples  map[string][]twapSample

	haltCh chan HaltSignal
}

// NewManager constructs a risk Manager seeded with the given wallet
// value and the spec-locked limits from polyconst.
func NewManager(walletUSD decimal.Decimal, logger *slog.Logger) *Manager {
	return &Manager{
		logger:              logger.With("component", "risk"),
		walletUSD:           walletUSD,
		walletUpdatedAtUTC:  time.Now().UTC(),
		maxPerMarketPct:     polyconst.MaxPerMarketPct,
		maxTotalExposurePct: polyconst.MaxTotalExposurePct,
		maxOpenPositions:    polyconst.MaxOpenPositions,
		dailyStopLossPct:    polyconst.DailyStopLossPct,
		positions:           make(map[string]Position),
		dailyPnLUSD:         decimal.Zero,
		twapSamples:         make(map[string][]twapSample),
		haltCh:              make(chan HaltSignal, 4),
	}
}

// Run prunes stale TWAP samples on a ticker. It does not evaluate the
// daily stop on its own — that check is driven by the engine calling
// CheckDailyStop after each fill, since PnL only changes on close.
func (rm *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.pruneExpiredTWAP()
		}
	}
}

// HaltCh returns the channel on which HaltSignal is emitted.
func (rm *Manager) HaltCh() <-chan HaltSignal {
	return rm.haltCh
}

// ComputeOrderSize implements spec §16.1: min(max-per-market headroom,
// remaining exposure capacity, venue balance), floored at 0 and
// rounded to cents. venueBalanceUSD may be nil when unknown.
func (rm *Manager) ComputeOrderSize(marketID string, venueBalanceUSD *decimal.Decimal) decimal.Decimal {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	maxPerMarket := rm.walletUSD.Mul(decimal.NewFromFloat(rm.maxPerMarketPct))
	remaining := rm.remainingExposureCapacityLocked()

	size := maxPerMarket
	if remaining.LessThan(size) {
		size = remaining
	}
	if venueBalanceUSD != nil && venueBalanceUSD.LessThan(size) {
		size = *venueBalanceUSD
	}
	if size.IsNegative() {
		size = decimal.Zero
	}
	return size.Round(2)
}

// CanOpenPosition implements spec §16.1's gate on new entries: max
// open position count and max total exposure.
func (rm *Manager) CanOpenPosition() (bool, string) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if len(rm.positions) >= rm.maxOpenPositions {
		return false, "RISK_LIMIT_HIT: max open positions reached"
	}

	maxExposure := rm.walletUSD.Mul(decimal.NewFromFloat(rm.maxTotalExposurePct))
	if rm.totalExposureLocked().GreaterThanOrEqual(maxExposure) {
		return false, "RISK_LIMIT_HIT: max total exposure reached"
	}

	return true, ""
}

func (rm *Manager) totalExposureLocked() decimal.Decimal {
	total := decimal.Zero
	for _, p := range rm.positions {
		total = total.Add(p.NotionalUSD)
	}
	return total
}

func (rm *Manager) remainingExposureCapacityLocked() decimal.Decimal {
	maxExposure := rm.walletUSD.Mul(decimal.NewFromFloat(rm.maxTotalExposurePct))
	remaining := maxExposure.Sub(rm.totalExposureLocked())
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// AddPosition records a newly opened directional position.
func (rm *Manager) AddPosition(marketID string, side Side, sizeUSD, entryPrice decimal.Decimal, now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.positions[marketID] = Position{
		MarketID:    marketID,
		Side:        side,
		NotionalUSD: sizeUSD,
		EntryPrice:  entryPrice,
		OpenedAtUTC: now,
	}
}

// ClosePosition closes a position at exitPrice and books its PnL into
// the daily running total. Returns the realized PnL; zero if no such
// position was open.
func (rm *Manager) ClosePosition(marketID string, exitPrice decimal.Decimal) decimal.Decimal {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	pos, ok := rm.positions[marketID]
	if !ok {
		return decimal.Zero
	}
	delete(rm.positions, marketID)

	entry := pos.EntryPrice
	if entry.IsZero() {
		entry = decimal.NewFromFloat(0.001)
	}

	var pnl decimal.Decimal
	if pos.Side == SideYes {
		pnl = exitPrice.Sub(pos.EntryPrice).Mul(pos.NotionalUSD).Div(entry)
	} else {
		pnl = pos.EntryPrice.Sub(exitPrice).Mul(pos.NotionalUSD).Div(entry)
	}

	rm.dailyPnLUSD = rm.dailyPnLUSD.Add(pnl)
	return pnl
}

// ConservativeMTM marks an open position at the best bid, the
// conservative side of the book (spec §16.2).
func (rm *Manager) ConservativeMTM(marketID string, bestBid decimal.Decimal) decimal.Decimal {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	pos, ok := rm.positions[marketID]
	if !ok {
		return decimal.Zero
	}
	entry := pos.EntryPrice
	if entry.LessThan(decimal.NewFromFloat(0.001)) {
		entry = decimal.NewFromFloat(0.001)
	}
	return bestBid.Mul(pos.NotionalUSD).Div(entry)
}

// AddTWAPSample ingests one mid-price observation for a market's risk
// mark, rejecting samples from wide-spread or thin-depth books (the
// anti-spoof gate of spec §16.3).
func (rm *Manager) AddTWAPSample(marketID string, mid decimal.Decimal, spread, depthTop float64, now time.Time) {
	if spread > twapMaxSpreadValid || depthTop < polyconst.MinDepthUSDNearTop {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	samples := append(rm.twapSamples[marketID], twapSample{mid: mid, ts: now})
	cutoff := now.Add(-twapSampleRetention)
	kept := samples[:0]
	for _, s := range samples {
		if s.ts.After(cutoff) {
			kept = append(kept, s)
		}
	}
	rm.twapSamples[marketID] = kept
}

// RiskMTM returns the anti-spoof TWAP risk mark for a market, or nil
// if too few valid samples exist yet (spec §16.3): at least 3 samples
// spanning at least 60s, with 2σ outlier rejection once 10+ samples
// are available, marked at the median of what remains.
func (rm *Manager) RiskMTM(marketID string) *decimal.Decimal {
	rm.mu.RLock()
	samples := append([]twapSample(nil), rm.twapSamples[marketID]...)
	rm.mu.RUnlock()

	if len(samples) < twapMinSamples {
		return nil
	}

	minTS, maxTS := samples[0].ts, samples[0].ts
	for _, s := range samples {
		if s.ts.Before(minTS) {
			minTS = s.ts
		}
		if s.ts.After(maxTS) {
			maxTS = s.ts
		}
	}
	if maxTS.Sub(minTS) < twapMinSpan {
		return nil
	}

	mids := make([]float64, len(samples))
	for i, s := range samples {
		mids[i], _ = s.mid.Float64()
	}

	if len(mids) >= twapOutlierSamples {
		mean, stdev := meanStdev(mids)
		if stdev > 0 {
			filtered := mids[:0]
			for _, m := range mids {
				if absF(m-mean) <= twapOutlierSigma*stdev {
					filtered = append(filtered, m)
				}
			}
			mids = filtered
		}
	}
	if len(mids) == 0 {
		return nil
	}

	med := median(mids)
	out := decimal.NewFromFloat(med)
	return &out
}

// CheckDailyStop implements spec §16.5: cumulative daily PnL at or
// below -dailyStopLossPct of wallet triggers a HaltSignal and reports
// true. Call after every position close.
func (rm *Manager) CheckDailyStop() bool {
	rm.mu.Lock()
	threshold := rm.walletUSD.Mul(decimal.NewFromFloat(-rm.dailyStopLossPct))
	hit := rm.dailyPnLUSD.LessThanOrEqual(threshold)
	dailyPnL := rm.dailyPnLUSD
	rm.mu.Unlock()

	if !hit {
		return false
	}

	rm.logger.Error("daily stop loss breached",
		"daily_pnl_usd", dailyPnL.String(),
		"threshold_usd", threshold.String(),
	)
	sig := HaltSignal{Reason: "daily stop loss breached", DailyPnLUSD: dailyPnL, ThresholdUSD: threshold}
	select {
	case rm.haltCh <- sig:
	default:
		select {
		case <-rm.haltCh:
		default:
		}
		rm.haltCh <- sig
	}
	return true
}

// IsWalletStale reports whether wallet_usd_last_good hasn't been
// refreshed within the staleness threshold.
func (rm *Manager) IsWalletStale(now time.Time) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return now.Sub(rm.walletUpdatedAtUTC) > walletStaleThreshold
}

// UpdateWallet refreshes wallet_usd_last_good and its timestamp.
func (rm *Manager) UpdateWallet(walletUSD decimal.Decimal, now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.walletUSD = walletUSD
	rm.walletUpdatedAtUTC = now
}

// ResetDaily clears the daily PnL accumulator; called at UTC midnight
// rollover by the engine's scheduling loop.
func (rm *Manager) ResetDaily() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.dailyPnLUSD = decimal.Zero
}

// Stats is a snapshot of current risk state for observability.
type Stats struct {
	WalletUSD          decimal.Decimal
	OpenPositions      int
	TotalExposureUSD   decimal.Decimal
	DailyPnLUSD        decimal.Decimal
	DailyStopThreshold decimal.Decimal
}

// Stats returns the current risk snapshot.
func (rm *Manager) Stats() Stats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return Stats{
		WalletUSD:          rm.walletUSD,
		OpenPositions:      len(rm.positions),
		TotalExposureUSD:   rm.totalExposureLocked(),
		DailyPnLUSD:        rm.dailyPnLUSD,
		DailyStopThreshold: rm.walletUSD.Mul(decimal.NewFromFloat(-rm.dailyStopLossPct)),
	}
}

func (rm *Manager) pruneExpiredTWAP() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	cutoff := time.Now().Add(-twapSampleRetention)
	for marketID, samples := range rm.twapSamples {
		kept := samples[:0]
		for _, s := range samples {
			if s.ts.After(cutoff) {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(rm.twapSamples, marketID)
		} else {
			rm.twapSamples[marketID] = kept
		}
	}
}

func meanStdev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	if len(xs) < 2 {
		return mean, 0
	}
	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	variance /= float64(len(xs) - 1)
	return mean, math.Sqrt(variance)
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func absF(x float64) float64 {
	return math.Abs(x)
}
