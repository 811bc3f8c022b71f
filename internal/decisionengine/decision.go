// Package decisionengine computes the expected-value friction model
// and produces deterministic, hash-identified trade decisions
// (spec §15).
package decisionengine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// Side is the recommended trade side, or NO_TRADE.
type Side string

const (
	SideYes     Side = "YES"
	SideNo      Side = "NO"
	SideNoTrade Side = "NO_TRADE"
)

// PriceLevel mirrors a depth level (price, size) for the top-3-level sum.
type PriceLevel struct {
	Price float64
	Size  float64
}

// MarketSnapshot is the subset of book state the friction model reads.
type MarketSnapshot struct {
	BestBidYes, BestAskYes float64
	BestBidNo, BestAskNo   float64
	DepthYes, DepthNo      []PriceLevel
}

// Gates records every individual friction component for observability.
type Gates struct {
	SpreadCostYes, SpreadCostNo   float64
	FeeCost                       float64
	SlippageYes, SlippageNo       float64
	DisputeBuffer                 float64
	LatencyPenalty                float64
	TimeValuePenalty              float64
}

// Decision is the fully-computed, canonically-hashed trade decision.
type Decision struct {
	DecisionIDHex  string
	MarketID       string
	CandidateID    string
	Side           Side
	SizeUSD        float64
	EntryPrice     float64
	PMarket        float64
	PEff           float64
	RequiredEdge   float64
	EV             float64
	EVYes, EVNo    float64
	ReasonCode     *polyconst.NoTradeReason
	Gates          Gates
	ClientOrderID  string
	IsPaper        bool
}

// CompueSpreadCost (maker-first) is 0.5 * max(0, ask-bid).
func ComputeSpreadCost(bid, ask float64) float64 {
	return 0.5 * math.Max(0, ask-bid)
}

// ComputeFeeCost returns the per-$1-payout fee cost. Paper trading
// inflates the real fee rate by PaperFeeMultiplier against a minimum
// floor, so simulated fills never look cheaper than live ones would.
func ComputeFeeCost(feeRateBps float64, isPaper bool) float64 {
	if isPaper {
		effective := math.Max(feeRateBps, polyconst.PaperMinFeeBps)
		return (effective / 10000.0) * polyconst.PaperFeeMultiplier
	}
	return feeRateBps / 10000.0
}

// ComputeSlippageBuffer scales with order size relative to top-of-book
// depth, floored at 0.5%.
func ComputeSlippageBuffer(orderSizeUSD, depthUSDTopLevels float64) float64 {
	denom := math.Max(depthUSDTopLevels, 1)
	return math.Max(0.005, orderSizeUSD/denom*0.02)
}

// ComputeDisputeBuffer scales with dispute risk, amplified 1.5x when
// Tier-1 evidence itself conflicted.
func ComputeDisputeBuffer(disputeRisk float64, evidenceConflictTier1 bool) float64 {
	buf := 0.01 + 0.02*disputeRisk
	if evidenceConflictTier1 {
		buf *= 1.5
	}
	return buf
}

// ComputeLatencyPenalty charges for decision-to-execution delay beyond
// a 2s grace period.
func ComputeLatencyPenalty(decisionToExecSec float64) float64 {
	return math.Max(0, decisionToExecSec-2) * 0.001
}

// ComputeTimeValuePenalty charges for capital tied up until resolution,
// capped at 2%.
func ComputeTimeValuePenalty(timeToResolutionDays float64) float64 {
	return math.Min(0.02, timeToResolutionDays*0.0002)
}

// ComputeRequiredEdge sums every friction component into the minimum
// edge a trade must clear.
func ComputeRequiredEdge(spreadCost, feeCost, slippageBuffer, disputeBuffer, latencyPenalty, timeValuePenalty float64) float64 {
	return spreadCost + feeCost + slippageBuffer + disputeBuffer + latencyPenalty + timeValuePenalty
}

// ComputeEV implements spec §15.4: EV_yes = p_eff - entry_price -
// required_edge; EV_no mirrors it against (1 - p_eff).
func ComputeEV(pEff, entryPrice, requiredEdge float64, side Side) float64 {
	if side == SideYes {
		return pEff*1.0 - entryPrice - requiredEdge
	}
	return (1.0-pEff)*1.0 - entryPrice - requiredEdge
}

func depthSumTop3(levels []PriceLevel) float64 {
	sum := 0.0
	for i, l := range levels {
		if i >= 3 {
			break
		}
		sum += l.Size
	}
	return sum
}

func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
func round2(v float64) float64 { return math.Round(v*1e2) / 1e2 }

// MakeDecision runs the full friction model against a market snapshot
// and produces a deterministic decision, including a canonical
// SHA-256 decision ID used as the client order ID for idempotent
// submission.
func MakeDecision(
	marketID, candidateID string,
	pEff float64,
	snapshot MarketSnapshot,
	orderSizeUSD float64,
	disputeRisk float64,
	evidenceConflictTier1 bool,
	decisionToExecSec float64,
	timeToResolutionDays float64,
	feeRateBps float64,
	isPaper bool,
) Decision {
	depthYes := depthSumTop3(snapshot.DepthYes)
	depthNo := depthSumTop3(snapshot.DepthNo)

	spreadYes := ComputeSpreadCost(snapshot.BestBidYes, snapshot.BestAskYes)
	spreadNo := ComputeSpreadCost(snapshot.BestBidNo, snapshot.BestAskNo)
	fee := ComputeFeeCost(feeRateBps, isPaper)
	slippageYes := ComputeSlippageBuffer(orderSizeUSD, depthYes)
	slippageNo := ComputeSlippageBuffer(orderSizeUSD, depthNo)
	dispute := ComputeDisputeBuffer(disputeRisk, evidenceConflictTier1)
	latency := ComputeLatencyPenalty(decisionToExecSec)
	timeVal := ComputeTimeValuePenalty(timeToResolutionDays)

	edgeYes := ComputeRequiredEdge(spreadYes, fee, slippageYes, dispute, latency, timeVal)
	edgeNo := ComputeRequiredEdge(spreadNo, fee, slippageNo, dispute, latency, timeVal)

	evYes := ComputeEV(pEff, snapshot.BestAskYes, edgeYes, SideYes)
	evNo := ComputeEV(pEff, snapshot.BestAskNo, edgeNo, SideNo)

	var side Side
	var ev, entryPrice, requiredEdge float64
	var reasonCode *polyconst.NoTradeReason

	switch {
	case evYes >= polyconst.EVMin && evYes >= evNo:
		side, ev, entryPrice, requiredEdge = SideYes, evYes, snapshot.BestAskYes, edgeYes
	case evNo >= polyconst.EVMin:
		side, ev, entryPrice, requiredEdge = SideNo, evNo, snapshot.BestAskNo, edgeNo
	default:
		side = SideNoTrade
		ev = math.Max(evYes, evNo)
		requiredEdge = math.Max(edgeYes, edgeNo)
		r := polyconst.ReasonEVTooLow
		reasonCode = &r
	}

	canonical := canonicalJSON(map[string]any{
		"market_id":      marketID,
		"candidate_id":   candidateID,
		"side":           string(side),
		"p_eff":          round6(pEff),
		"entry_price":    round6(entryPrice),
		"ev":             round6(ev),
		"required_edge":  round6(requiredEdge),
		"order_size_usd": round2(orderSizeUSD),
	})
	sum := sha256.Sum256([]byte(canonical))
	decisionID := hex.EncodeToString(sum[:])

	return Decision{
		DecisionIDHex: decisionID,
		MarketID:      marketID,
		CandidateID:   candidateID,
		Side:          side,
		SizeUSD:       orderSizeUSD,
		EntryPrice:    round6(entryPrice),
		PMarket:       round6(snapshot.BestAskYes),
		PEff:          round6(pEff),
		RequiredEdge:  round6(requiredEdge),
		EV:            round6(ev),
		EVYes:         round6(evYes),
		EVNo:          round6(evNo),
		ReasonCode:    reasonCode,
		Gates: Gates{
			SpreadCostYes:     round6(spreadYes),
			SpreadCostNo:      round6(spreadNo),
			FeeCost:           round6(fee),
			SlippageYes:       round6(slippageYes),
			SlippageNo:        round6(slippageNo),
			DisputeBuffer:     round6(dispute),
			LatencyPenalty:    round6(latency),
			TimeValuePenalty:  round6(timeVal),
		},
		ClientOrderID: decisionID,
		IsPaper:       isPaper,
	}
}

// canonicalJSON renders a sorted-key, compact JSON object matching the
// wire format every hash in this codebase is computed over.
func canonicalJSON(obj map[string]any) string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := make(map[string]any, len(obj))
	for _, k := range keys {
		m[k] = obj[k]
	}
	// encoding/json sorts map keys automatically; compact separators
	// match Python's json.dumps(sort_keys=True, separators=(",", ":")).
	buf, _ := json.Marshal(m)
	return string(buf)
}
