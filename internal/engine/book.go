package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/polyedge/polyedge/internal/snapshot"
	"github.com/polyedge/polyedge/pkg/types"
)

// parseLevels converts the CLOB API's string-encoded price levels into
// the float64 levels the rest of the pipeline operates on.
func parseLevels(levels []types.PriceLevel) []snapshot.PriceLevel {
	out := make([]snapshot.PriceLevel, 0, len(levels))
	for _, l := range levels {
		price, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(l.Size, 64)
		if err != nil {
			continue
		}
		out = append(out, snapshot.PriceLevel{Price: price, Size: size})
	}
	return out
}

// sortDepth orders bids descending and asks ascending by price, the
// invariant snapshot.DetectInvalidBookAnomaly and the top-3 depth sums
// assume; the CLOB API's own ordering is trusted for almost all
// responses, but a defensive sort costs little against a few levels.
func sortBidsDesc(levels []snapshot.PriceLevel) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
}

func sortAsksAsc(levels []snapshot.PriceLevel) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
}

func bestPrice(levels []snapshot.PriceLevel) *float64 {
	if len(levels) == 0 {
		return nil
	}
	p := levels[0].Price
	return &p
}

// buildSnapshot fetches both token books over REST and assembles an
// immutable snapshot.Snapshot. The WS feed (see ws.go) drives
// connectivity/freshness tracking only; full book state is rebuilt
// from REST every fast-loop tick, following the teacher's
// initial-snapshot-then-WS-deltas split but without mirroring deltas
// locally, since PolyEdge's directional model re-evaluates the whole
// book on every tick rather than maintaining maker quotes against it.
func (e *Engine) buildSnapshot(ctx context.Context, marketID, yesTokenID, noTokenID string, now time.Time) (*snapshot.Snapshot, error) {
	yesResp, err := e.client.GetOrderBook(ctx, yesTokenID)
	if err != nil {
		return nil, fmt.Errorf("fetch yes book: %w", err)
	}
	noResp, err := e.client.GetOrderBook(ctx, noTokenID)
	if err != nil {
		return nil, fmt.Errorf("fetch no book: %w", err)
	}

	yesBids, yesAsks := parseLevels(yesResp.Bids), parseLevels(yesResp.Asks)
	noBids, noAsks := parseLevels(noResp.Bids), parseLevels(noResp.Asks)
	sortBidsDesc(yesBids)
	sortAsksAsc(yesAsks)
	sortBidsDesc(noBids)
	sortAsksAsc(noAsks)

	data := snapshot.BookData{
		BestBidYes:          bestPrice(yesBids),
		BestAskYes:          bestPrice(yesAsks),
		BestBidNo:           bestPrice(noBids),
		BestAskNo:           bestPrice(noAsks),
		DepthYes:            yesAsks,
		DepthNo:             noAsks,
		SnapshotWSEpoch:     e.ws.currentEpoch(),
		WSLastMessageUnixMs: e.ws.lastMessageUnixMs(),
	}

	return snapshot.Create(marketID, data, "REST", now.UnixMilli()), nil
}
