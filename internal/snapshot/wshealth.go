package snapshot

import (
	"fmt"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// WSState is the global connection-level WS tracking state (spec §7).
// MarketLastWSUpdateUnixMs/OrderbookLastChangeUnixMs live per-market on
// the Snapshot itself rather than here, since the health predicate
// needs the values as they were AT snapshot time, not as they are now.
type WSState struct {
	Connected          bool
	LastMessageUnixMs  int64
	CurrentEpoch       int64
}

// healthy runs the 8-point freshness predicate shared by the decision
// and execution variants, parameterized by the maximum allowed age (in
// seconds) of the per-market WS update fields.
func healthy(marketID string, snap *Snapshot, ws WSState, maxAgeSec int, nowUnixMs int64) (bool, []string) {
	var reasons []string
	maxAgeMs := int64(maxAgeSec) * 1000

	if !ws.Connected {
		reasons = append(reasons, "ws_connected is false")
	}

	if nowUnixMs-ws.LastMessageUnixMs > polyconst.WSHeartbeatSec*1000 {
		reasons = append(reasons, fmt.Sprintf("ws_last_message stale: %dms > %dms",
			nowUnixMs-ws.LastMessageUnixMs, int64(polyconst.WSHeartbeatSec)*1000))
	}

	if snap.Source != "WS" {
		reasons = append(reasons, fmt.Sprintf("snapshot_source is %q, not WS", snap.Source))
	}

	if snap.WSEpoch != ws.CurrentEpoch {
		reasons = append(reasons, fmt.Sprintf("epoch mismatch: snapshot=%d, current=%d", snap.WSEpoch, ws.CurrentEpoch))
	}

	if snap.MarketID != marketID {
		reasons = append(reasons, fmt.Sprintf("market_id mismatch: snapshot=%s, expected=%s", snap.MarketID, marketID))
	}

	if snap.MarketLastWSUpdateUnixMs == nil || *snap.MarketLastWSUpdateUnixMs <= 0 {
		reasons = append(reasons, "market_last_ws_update_unix_ms is null or <= 0")
	} else {
		age := nowUnixMs - *snap.MarketLastWSUpdateUnixMs
		if age > maxAgeMs {
			reasons = append(reasons, fmt.Sprintf("market_last_ws_update stale: %dms > %dms", age, maxAgeMs))
		}
	}

	if snap.OrderbookLastChangeUnixMs == nil || *snap.OrderbookLastChangeUnixMs <= 0 {
		reasons = append(reasons, "orderbook_last_change_unix_ms is null or <= 0")
	} else {
		age := nowUnixMs - *snap.OrderbookLastChangeUnixMs
		if age > maxAgeMs {
			reasons = append(reasons, fmt.Sprintf("orderbook_last_change stale: %dms > %dms", age, maxAgeMs))
		}
	}

	if snap.WSLastMessageUnixMs < snap.SnapshotAtMs {
		reasons = append(reasons, fmt.Sprintf("ws_last_message_unix_ms (%d) < snapshot_at_unix_ms (%d)", snap.WSLastMessageUnixMs, snap.SnapshotAtMs))
	}

	return len(reasons) == 0, reasons
}

// HealthyDecision is the WS_HEALTHY_DECISION predicate (6s budget).
func HealthyDecision(marketID string, snap *Snapshot, ws WSState, nowUnixMs int64) (bool, []string) {
	return healthy(marketID, snap, ws, polyconst.MaxMarketSnapshotAgeDecisionSec, nowUnixMs)
}

// HealthyExec is the WS_HEALTHY_EXEC predicate (3s budget, stricter —
// used immediately before order submission).
func HealthyExec(marketID string, snap *Snapshot, ws WSState, nowUnixMs int64) (bool, []string) {
	return healthy(marketID, snap, ws, polyconst.MaxMarketSnapshotAgeExecSec, nowUnixMs)
}
