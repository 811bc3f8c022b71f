package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyedge/polyedge/internal/candidates"
	"github.com/polyedge/polyedge/internal/polyconst"
	"github.com/polyedge/polyedge/internal/registry"
	"github.com/polyedge/polyedge/internal/watchlist"
)

// refreshRegistryAndWatchlist re-syncs the market catalog from Gamma
// and re-scores the watchlist against it (spec §6.2, §7.2), the slower
// of the two loops the engine drives.
func (e *Engine) refreshRegistryAndWatchlist(ctx context.Context) {
	raw, err := e.registry.FetchMarkets(ctx, e.cfg.Scanner.GammaPageSize, 0, true)
	if err != nil {
		e.logger.Warn("gamma fetch failed", "error", err)
		return
	}

	stats := e.registry.Sync(ctx, raw)
	e.logger.Info("registry sync", "inserted", stats.Inserted, "updated", stats.Updated, "frozen", stats.Frozen, "skipped", stats.Skipped)

	var eligible []registry.Market
	if err := e.db.Where("is_binary_eligible = ? AND frozen = ?", true, false).Find(&eligible).Error; err != nil {
		e.logger.Warn("list eligible markets failed", "error", err)
		return
	}
	if len(eligible) > polyconst.WatchlistMax {
		e.logger.Debug("eligible market count exceeds watchlist cap, scoring will trim", "count", len(eligible), "cap", polyconst.WatchlistMax)
	}

	inputs := make([]watchlist.ScoreInput, 0, len(eligible))
	for _, m := range eligible {
		inputs = append(inputs, watchlist.ScoreInput{
			MarketID:     m.MarketID,
			EndDateUTC:   m.EndDateUTC,
			Volume24hUSD: m.Volume24hUSD,
			LiquidityUSD: m.LiquidityUSD,
		})
	}

	now := time.Now()
	refreshStats, err := e.watchlist.Refresh(ctx, inputs, now)
	if err != nil {
		e.logger.Warn("watchlist refresh failed", "error", err)
		return
	}
	e.logger.Info("watchlist refreshed", "added", refreshStats.Added, "removed", refreshStats.Removed, "probation", refreshStats.Probation, "quarantine", refreshStats.Quarantine)
}

// fastLoopTick re-evaluates every watchlisted market against a fresh
// REST snapshot (spec §9's trigger-detection tick).
func (e *Engine) fastLoopTick(ctx context.Context) {
	entries, err := e.watchlist.GetWatchlist(ctx)
	if err != nil {
		e.logger.Warn("get watchlist failed", "error", err)
		return
	}

	tokenIDs := make([]string, 0, len(entries)*2)
	for _, entry := range entries {
		mkt, ok := e.registry.GetEligibleMarket(ctx, entry.MarketID)
		if !ok {
			continue
		}
		tokenIDs = append(tokenIDs, mkt.YesTokenID, mkt.NoTokenID)
	}
	e.ws.ensureSubscribed(ctx, tokenIDs)

	now := time.Now()
	for _, entry := range entries {
		e.processMarketTick(ctx, entry.MarketID, now)
	}
}

func (e *Engine) processMarketTick(ctx context.Context, marketID string, now time.Time) {
	mkt, ok := e.registry.GetEligibleMarket(ctx, marketID)
	if !ok {
		return
	}

	if quarantined, err := e.watchlist.CheckQuarantine(ctx, marketID, false, now); err != nil {
		e.logger.Warn("quarantine check failed", "market", marketID, "error", err)
		return
	} else if quarantined {
		return
	}

	snap, err := e.buildSnapshot(ctx, marketID, mkt.YesTokenID, mkt.NoTokenID, now)
	if err != nil {
		e.logger.Warn("build snapshot failed", "market", marketID, "error", err)
		return
	}

	e.prevSnapshotsMu.Lock()
	prev := e.prevSnapshots[marketID]
	e.prevSnapshots[marketID] = snap
	e.prevSnapshotsMu.Unlock()

	if e.currentBotState() != polyconst.StateLiveTrading && snap.BestAskYes != nil && snap.BestAskNo != nil {
		filled := e.paperEx.CheckFills(marketID, decimal.NewFromFloat(*snap.BestAskYes), decimal.NewFromFloat(*snap.BestAskNo), now)
		for _, order := range filled {
			e.events.LogEvent("paper_order_filled", marketID, "", "", map[string]any{
				"order_id": order.ID, "fees_usd": order.FeesUSD.String(),
			})
		}
	}

	triggers := candidates.DetectTriggers(snap, prev, candidates.MarketMeta{EndDateUTC: mkt.EndDateUTC}, now)
	if len(triggers) == 0 {
		return
	}

	persisted := make([]candidates.TriggerType, 0, len(triggers))
	for _, t := range triggers {
		if e.triggers.RecordTrigger(marketID, t, snap.SnapshotID, now) {
			persisted = append(persisted, t)
		}
	}
	if len(persisted) == 0 {
		return
	}

	if !e.rateLimiter.CanEnqueue(marketID, now) {
		e.logger.Debug("candidate rate-limited", "market", marketID)
		return
	}
	e.rateLimiter.RecordEnqueue(marketID, now)
	for _, t := range persisted {
		e.triggers.ClearTrigger(marketID, t)
	}

	cand := candidates.New(marketID, snap.SnapshotID, persisted, now)
	e.processCandidate(ctx, mkt, cand, snap, now)
}
