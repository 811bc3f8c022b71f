// Package filters implements the 10 ordered coarse deterministic
// filters that fast-reject a candidate before evidence gathering and
// AI analysis are ever invoked (spec §9.3).
package filters

import (
	"time"

	"github.com/polyedge/polyedge/internal/candidates"
	"github.com/polyedge/polyedge/internal/polyconst"
	"github.com/polyedge/polyedge/internal/snapshot"
)

// MarketInfo is the subset of registry/market data the filters need.
type MarketInfo struct {
	IsBinaryEligible bool
	EndDateUTC       *time.Time
	Volume24hUSD     float64
	LiquidityUSD     float64
}

func ref(r polyconst.NoTradeReason) *polyconst.NoTradeReason { return &r }

// CandidateAge rejects a candidate older than CandidateMaxAgeSec.
func CandidateAge(c *candidates.Candidate, now time.Time) *polyconst.NoTradeReason {
	if c.CreatedAtUTC.IsZero() {
		return ref(polyconst.ReasonCandidateExpired)
	}
	if now.Sub(c.CreatedAtUTC).Seconds() > polyconst.CandidateMaxAgeSec {
		return ref(polyconst.ReasonCandidateExpired)
	}
	return nil
}

// MarketEligible rejects a market that failed binary-YES/NO or
// category-allowlist eligibility at registry sync time.
func MarketEligible(m MarketInfo) *polyconst.NoTradeReason {
	if !m.IsBinaryEligible {
		return ref(polyconst.ReasonMarketNotEligible)
	}
	return nil
}

// TimeToResolution rejects a market resolving too soon or too far out.
func TimeToResolution(m MarketInfo, now time.Time) *polyconst.NoTradeReason {
	if m.EndDateUTC == nil {
		return ref(polyconst.ReasonTimeToResolutionOutOfRange)
	}
	remaining := m.EndDateUTC.Sub(now).Seconds()
	if remaining < polyconst.TimeToResolutionMinSec || remaining > polyconst.TimeToResolutionMaxSec {
		return ref(polyconst.ReasonTimeToResolutionOutOfRange)
	}
	return nil
}

// Volume rejects insufficient 24h volume.
func Volume(m MarketInfo) *polyconst.NoTradeReason {
	if m.Volume24hUSD < polyconst.MinVolume24hUSD {
		return ref(polyconst.ReasonVolumeTooLow)
	}
	return nil
}

// Liquidity rejects insufficient resting liquidity.
func Liquidity(m MarketInfo) *polyconst.NoTradeReason {
	if m.LiquidityUSD < polyconst.MinLiquidityUSD {
		return ref(polyconst.ReasonLiquidityTooLow)
	}
	return nil
}

// InvalidBook rejects a structurally broken snapshot.
func InvalidBook(snap *snapshot.Snapshot) *polyconst.NoTradeReason {
	if snap == nil || snap.InvalidBookAnomaly {
		return ref(polyconst.ReasonSnapshotInvalidBook)
	}
	return nil
}

// AskSumAnomaly rejects a snapshot whose complementary asks don't sum
// near 1.0.
func AskSumAnomaly(snap *snapshot.Snapshot) *polyconst.NoTradeReason {
	if snap == nil || snap.AskSumAnomaly {
		return ref(polyconst.ReasonSnapshotAskSumAnomaly)
	}
	return nil
}

// Spread rejects a book with a too-wide bid/ask spread on either side.
func Spread(snap *snapshot.Snapshot) *polyconst.NoTradeReason {
	if snap == nil {
		return nil
	}
	if snap.BestBidYes != nil && snap.BestAskYes != nil {
		if *snap.BestAskYes-*snap.BestBidYes > polyconst.MaxSpreadAbs {
			return ref(polyconst.ReasonSpreadTooWide)
		}
	}
	if snap.BestBidNo != nil && snap.BestAskNo != nil {
		if *snap.BestAskNo-*snap.BestBidNo > polyconst.MaxSpreadAbs {
			return ref(polyconst.ReasonSpreadTooWide)
		}
	}
	return nil
}

func sumTopLevels(levels []snapshot.PriceLevel, n int) float64 {
	var sum float64
	if len(levels) < n {
		n = len(levels)
	}
	for _, l := range levels[:n] {
		sum += l.Size
	}
	return sum
}

// Depth rejects a book with too little resting size near the top on
// either side.
func Depth(snap *snapshot.Snapshot) *polyconst.NoTradeReason {
	if snap == nil {
		return ref(polyconst.ReasonDepthTooThin)
	}
	yesDepth := sumTopLevels(snap.DepthYes, polyconst.BookLevelsRequired)
	noDepth := sumTopLevels(snap.DepthNo, polyconst.BookLevelsRequired)
	if yesDepth < polyconst.MinDepthUSDNearTop || noDepth < polyconst.MinDepthUSDNearTop {
		return ref(polyconst.ReasonDepthTooThin)
	}
	return nil
}

// WSHealth rejects when the shared WS-health decision predicate fails.
func WSHealth(marketID string, snap *snapshot.Snapshot, ws snapshot.WSState, nowUnixMs int64) *polyconst.NoTradeReason {
	ok, _ := snapshot.HealthyDecision(marketID, snap, ws, nowUnixMs)
	if !ok {
		return ref(polyconst.ReasonWSUnhealthyDecision)
	}
	return nil
}

// Input bundles everything RunAll needs to evaluate one candidate.
type Input struct {
	Candidate *candidates.Candidate
	Market    MarketInfo
	Snapshot  *snapshot.Snapshot
	WS        *snapshot.WSState // nil skips the WS-health filter, e.g. in backtests
	Now       time.Time
	NowUnixMs int64
}

// RunAll runs every filter in the exact spec §9.3 order, short-circuiting
// on the first failure. Returns (passed, failingReason).
func RunAll(in Input) (bool, *polyconst.NoTradeReason) {
	checks := []func() *polyconst.NoTradeReason{
		func() *polyconst.NoTradeReason { return CandidateAge(in.Candidate, in.Now) },
		func() *polyconst.NoTradeReason { return MarketEligible(in.Market) },
		func() *polyconst.NoTradeReason { return TimeToResolution(in.Market, in.Now) },
		func() *polyconst.NoTradeReason { return Volume(in.Market) },
		func() *polyconst.NoTradeReason { return Liquidity(in.Market) },
		func() *polyconst.NoTradeReason { return InvalidBook(in.Snapshot) },
		func() *polyconst.NoTradeReason { return AskSumAnomaly(in.Snapshot) },
		func() *polyconst.NoTradeReason { return Spread(in.Snapshot) },
		func() *polyconst.NoTradeReason { return Depth(in.Snapshot) },
		func() *polyconst.NoTradeReason {
			if in.WS == nil {
				return nil
			}
			return WSHealth(in.Candidate.MarketID, in.Snapshot, *in.WS, in.NowUnixMs)
		},
	}
	for _, check := range checks {
		if reason := check(); reason != nil {
			return false, reason
		}
	}
	return true, nil
}
