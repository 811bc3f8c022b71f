package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyedge/polyedge/internal/aiswarm"
	"github.com/polyedge/polyedge/internal/calibration"
	"github.com/polyedge/polyedge/internal/candidates"
	"github.com/polyedge/polyedge/internal/decisionengine"
	"github.com/polyedge/polyedge/internal/evidence"
	"github.com/polyedge/polyedge/internal/filters"
	"github.com/polyedge/polyedge/internal/polyconst"
	"github.com/polyedge/polyedge/internal/registry"
	"github.com/polyedge/polyedge/internal/risk"
	"github.com/polyedge/polyedge/internal/snapshot"
	"github.com/polyedge/polyedge/internal/wal"
)

// dropCandidate logs a NO_TRADE event and marks the candidate DROPPED,
// the common exit path for every pipeline stage after the coarse
// filters (spec §9.3 onward, where a reject still needs a reason code
// for the observability tally, unlike a plain filter miss).
func (e *Engine) dropCandidate(cand *candidates.Candidate, reason polyconst.NoTradeReason, now time.Time) {
	cand.SetStatus(candidates.StatusDropped, &reason, nil, now)
	e.events.LogEvent("candidate_dropped", cand.MarketID, cand.CandidateID, reason, nil)
}

// processCandidate runs one trigger-backed candidate through the full
// filter -> evidence -> injection -> AI swarm -> calibration ->
// decision -> risk -> lock -> execution pipeline (spec §9-§18).
func (e *Engine) processCandidate(ctx context.Context, mkt *registry.Market, cand *candidates.Candidate, snap *snapshot.Snapshot, now time.Time) {
	ws := e.ws.state()
	passed, reason := filters.RunAll(filters.Input{
		Candidate: cand,
		Market: filters.MarketInfo{
			IsBinaryEligible: mkt.IsBinaryEligible,
			EndDateUTC:       mkt.EndDateUTC,
			Volume24hUSD:     mkt.Volume24hUSD,
			LiquidityUSD:     mkt.LiquidityUSD,
		},
		Snapshot:  snap,
		WS:        &ws,
		Now:       now,
		NowUnixMs: now.UnixMilli(),
	})
	if !passed {
		cand.SetStatus(candidates.StatusFiltered, reason, nil, now)
		e.events.LogEvent("candidate_filtered", mkt.MarketID, cand.CandidateID, *reason, nil)
		return
	}

	walletUSD, _ := e.riskMgr.Stats().WalletUSD.Float64()
	estimatedSizeUSD := e.riskMgr.ComputeOrderSize(mkt.MarketID, nil)

	triggerStrs := make([]string, len(cand.TriggerReasons))
	for i, t := range cand.TriggerReasons {
		triggerStrs[i] = string(t)
	}
	candCtx := evidence.CandidateContext{TriggerReasons: triggerStrs, IntendedOrderSizeUSD: mustFloat(estimatedSizeUSD)}
	mktCtx := evidence.MarketContext{Category: mkt.Category, ResolutionSource: mkt.ResolutionSource, EndDateUTC: mkt.EndDateUTC}

	thesisRequired := evidence.IsThesisRequired(candCtx, mktCtx, walletUSD, evidence.DefaultSubjectiveTerms)

	var items []evidence.Item
	if thesisRequired {
		sourceTTLs := make(map[string]time.Duration, len(e.evidenceSources))
		for _, src := range e.evidenceSources {
			if len(items) >= evidence.MaxEvidenceItems {
				break
			}
			sourceTTLs[src.SourceID] = src.TTL
			item, err := e.evidenceFetcher.Fetch(src, now)
			if err != nil {
				e.logger.Warn("evidence fetch failed", "source", src.SourceID, "error", err)
				continue
			}
			if item != nil {
				items = append(items, *item)
			}
		}
		items, _ = evidence.BuildBundle(items, sourceTTLs, now)
	}

	// High-stakes gating (spec §10.4) needs a dispute-risk estimate,
	// but dispute risk itself is an AI swarm output that hasn't run
	// yet at this point in the pipeline. Using 0 here is the
	// conservative (lower) bound for the predicate: it can only ever
	// make IsHighStakes return false when a nonzero reading would have
	// flipped it true, which only tightens (never loosens) the
	// downstream injection and conflict-resolution gates.
	highStakes := evidence.IsHighStakes(candCtx, mktCtx, walletUSD, 0, now)

	tier1Count := 0
	for _, it := range items {
		if it.ReliabilityTier == 1 {
			tier1Count++
		}
	}

	if len(items) > 0 {
		if proceed, conflictReason := evidence.ResolveConflict(items, highStakes); !proceed {
			e.dropCandidate(cand, *conflictReason, now)
			return
		}
	}

	texts := []string{mkt.Title, mkt.Description, mkt.ResolutionSource}
	for _, it := range items {
		texts = append(texts, it.Title, it.Text)
	}
	if ok, reason, matches := e.injection.Check(texts, highStakes, tier1Count); !ok {
		e.logger.Warn("injection check blocked candidate", "market", mkt.MarketID, "matches", len(matches))
		e.dropCandidate(cand, *reason, now)
		return
	}

	cand.SetStatus(candidates.StatusEvidenceDone, nil, nil, now)

	pMarket := 0.0
	if snap.BestAskYes != nil {
		pMarket = *snap.BestAskYes
	}
	pAICal := pMarket
	disputeRisk := 0.0
	disagreement := 0.0
	evidenceConflictTier1 := false

	if e.swarm.IsEnabled() {
		evFacts := make([]aiswarm.EvidenceFacts, len(items))
		for i, it := range items {
			evFacts[i] = aiswarm.EvidenceFacts{Title: it.Title, Text: it.Text, ReliabilityTier: it.ReliabilityTier, SourceID: it.SourceID}
		}
		var endDate string
		if mkt.EndDateUTC != nil {
			endDate = mkt.EndDateUTC.UTC().Format(time.RFC3339)
		}
		prompt := aiswarm.BuildAnalysisPrompt(
			aiswarm.MarketFacts{Title: mkt.Title, Description: mkt.Description, Category: mkt.Category, ResolutionSource: mkt.ResolutionSource, EndDateUTC: endDate},
			evFacts,
			&aiswarm.SnapshotFacts{BestBidYes: deref(snap.BestBidYes), BestAskYes: deref(snap.BestAskYes), BestBidNo: deref(snap.BestBidNo), BestAskNo: deref(snap.BestAskNo)},
		)

		reservationIDs := e.reserveSwarmBudget(cand.CandidateID, now)
		if reservationIDs != nil {
			result, err := e.swarm.Analyze(ctx, mkt.MarketID, cand.CandidateID, prompt)
			e.settleSwarmBudget(reservationIDs, now)
			if err != nil {
				e.logger.Warn("ai swarm analyze failed", "market", mkt.MarketID, "error", err)
			} else if result.QuorumMet && result.HasAggregate {
				pAICal = result.AggregatedProbYes
				disagreement = result.Disagreement
				for _, mr := range result.ModelResults {
					if mr.ParseOK {
						disputeRisk = maxFloat(disputeRisk, mr.Response.DisputeRisk)
					}
				}
				_, conflictDetail := evidence.DetectConflict(items)
				evidenceConflictTier1 = conflictDetail != ""
			} else if !result.QuorumMet {
				e.dropCandidate(cand, polyconst.ReasonAIQuorumFailed, now)
				return
			}
		}
	}

	cand.SetStatus(candidates.StatusAIDone, nil, nil, now)

	evidenceTierMix := &calibration.EvidenceTierMix{Tier1Count: tier1Count}
	wAI := calibration.ComputeWAI(int(e.nResolved.Load()), nil, nil, disagreement, disputeRisk, evidenceTierMix)
	pEff, outlierReason := calibration.ComputePEff(pMarket, pAICal, wAI, disputeRisk)
	if outlierReason != nil {
		e.dropCandidate(cand, *outlierReason, now)
		return
	}

	timeToResUTC := 0.0
	if mkt.EndDateUTC != nil {
		timeToResUTC = mkt.EndDateUTC.Sub(now).Hours() / 24
	}

	isPaper := e.currentBotState() != polyconst.StateLiveTrading
	orderSizeUSD, _ := estimatedSizeUSD.Float64()

	decision := decisionengine.MakeDecision(
		mkt.MarketID, cand.CandidateID, pEff,
		decisionengine.MarketSnapshot{
			BestBidYes: deref(snap.BestBidYes), BestAskYes: deref(snap.BestAskYes),
			BestBidNo: deref(snap.BestBidNo), BestAskNo: deref(snap.BestAskNo),
			DepthYes: toDecisionLevels(snap.DepthYes), DepthNo: toDecisionLevels(snap.DepthNo),
		},
		orderSizeUSD, disputeRisk, evidenceConflictTier1,
		time.Since(cand.CreatedAtUTC).Seconds(), timeToResUTC,
		float64(polyconst.DefaultFeeRateBps), isPaper,
	)

	decisionID := decision.DecisionIDHex
	cand.SetStatus(candidates.StatusDecided, decision.ReasonCode, &decisionID, now)

	if decision.Side == decisionengine.SideNoTrade {
		e.events.LogEvent("decision_no_trade", mkt.MarketID, cand.CandidateID, *decision.ReasonCode, map[string]any{"ev_yes": decision.EVYes, "ev_no": decision.EVNo})
		return
	}

	if canOpen, reason := e.riskMgr.CanOpenPosition(); !canOpen {
		r := polyconst.ReasonRiskLimitHit
		e.dropCandidate(cand, r, now)
		e.logger.Info("risk manager refused new position", "market", mkt.MarketID, "reason", reason)
		return
	}

	acquired, version := e.locks.Acquire(mkt.MarketID, e.workerID, now)
	if !acquired {
		e.dropCandidate(cand, polyconst.ReasonLockLost, now)
		return
	}
	defer e.locks.Release(mkt.MarketID, e.workerID)

	if valid, reason := e.locks.ValidateForSubmit(mkt.MarketID, e.workerID, version, now); !valid {
		e.logger.Warn("lock invalid at submit time", "market", mkt.MarketID, "reason", reason)
		return
	}

	e.submitDecision(ctx, mkt, decision, now)
	cand.SetStatus(candidates.StatusExecuted, nil, &decisionID, now)
}

// submitDecision records the order intent to the WAL before placing
// the order (spec §18.3: intent-before-action, so a crash mid-submit
// always has a durable trail to reconcile against), then dispatches
// to paper or live execution depending on the current bot state.
func (e *Engine) submitDecision(ctx context.Context, mkt *registry.Market, decision decisionengine.Decision, now time.Time) {
	sizeUSD := decimal.NewFromFloat(decision.SizeUSD)
	limitPrice := decimal.NewFromFloat(decision.EntryPrice)

	if _, err := e.walWriter.Write(wal.RecordOrderIntent, map[string]any{
		"decision_id": decision.DecisionIDHex,
		"market_id":   mkt.MarketID,
		"side":        string(decision.Side),
		"size_usd":    decision.SizeUSD,
		"entry_price": decision.EntryPrice,
		"is_paper":    decision.IsPaper,
	}, now); err != nil {
		e.logger.Error("wal write failed, aborting submission", "market", mkt.MarketID, "error", err)
		return
	}

	if decision.IsPaper {
		e.paperEx.Submit(decision.DecisionIDHex, mkt.MarketID, decision.Side, limitPrice, sizeUSD, polyconst.DefaultFeeRateBps, now)
	} else {
		tokenID := mkt.YesTokenID
		if decision.Side == decisionengine.SideNo {
			tokenID = mkt.NoTokenID
		}
		sizeTokens := sizeUSD.Div(limitPrice)
		tickSize := e.tickSizeFor(ctx, tokenID)
		if _, err := e.liveEx.Submit(ctx, decision.DecisionIDHex, mkt.MarketID, tokenID, decision.Side, limitPrice, sizeTokens, tickSize, polyconst.DefaultFeeRateBps); err != nil {
			e.logger.Error("live order submission failed", "market", mkt.MarketID, "error", err)
			return
		}
	}

	e.riskMgr.AddPosition(mkt.MarketID, risk.Side(decision.Side), sizeUSD, limitPrice, now)
	e.events.LogEvent("order_submitted", mkt.MarketID, decision.CandidateID, "", map[string]any{
		"decision_id": decision.DecisionIDHex, "side": string(decision.Side), "size_usd": decision.SizeUSD, "is_paper": decision.IsPaper,
	})
}

// reserveSwarmBudget reserves budget for every model in the fixed
// swarm before dispatch; any single denial aborts the whole round
// (released reservations are idempotent and cost nothing once
// rolled back).
func (e *Engine) reserveSwarmBudget(correlationID string, now time.Time) []string {
	ids := make([]string, 0, len(polyconst.SwarmModels))
	for _, m := range polyconst.SwarmModels {
		worstCase := e.modelPricing.worstCaseUSD(m.Key)
		id, err := e.budget.Reserve(m.Key, worstCase, correlationID, now)
		if err != nil {
			e.logger.Warn("ai budget denied", "model", m.Key, "error", err)
			for _, prior := range ids {
				_, _ = e.budget.Release(prior)
			}
			return nil
		}
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) settleSwarmBudget(reservationIDs []string, now time.Time) {
	for _, id := range reservationIDs {
		if _, err := e.budget.Settle(id, nil, now); err != nil {
			e.logger.Warn("ai budget settle failed", "reservation", id, "error", err)
		}
	}
}

func toDecisionLevels(levels []snapshot.PriceLevel) []decisionengine.PriceLevel {
	out := make([]decisionengine.PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = decisionengine.PriceLevel{Price: l.Price, Size: l.Size}
	}
	return out
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
