// Package snapshot builds immutable order-book snapshots from the WS
// feed, hashes them canonically, and implements the shared WS-health
// freshness predicate used by both decision and execution gating.
package snapshot

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// PriceLevel is a single [price, size] depth level.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookData is the minimal WS-derived book state a Snapshot is built
// from — the Go analogue of Python's process_book_message() output.
type BookData struct {
	BestBidYes *float64
	BestAskYes *float64
	BestBidNo  *float64
	BestAskNo  *float64
	DepthYes   []PriceLevel
	DepthNo    []PriceLevel

	SnapshotWSEpoch            int64
	WSLastMessageUnixMs        int64
	MarketLastWSUpdateUnixMs   *int64
	OrderbookLastChangeUnixMs  *int64
}

// Snapshot is an immutable order-book snapshot (spec §7.2). Once
// constructed, none of its fields are ever mutated — a new candidate
// decision always builds a fresh Snapshot rather than updating one.
type Snapshot struct {
	SnapshotID    string
	MarketID      string
	SnapshotAtMs  int64
	Source        string // "WS" or "REST"
	WSEpoch       int64

	WSLastMessageUnixMs       int64
	MarketLastWSUpdateUnixMs  *int64
	OrderbookLastChangeUnixMs *int64

	BestBidYes *float64
	BestAskYes *float64
	BestBidNo  *float64
	BestAskNo  *float64
	DepthYes   []PriceLevel
	DepthNo    []PriceLevel

	OrderbookHash       [32]byte
	AskSumAnomaly       bool
	InvalidBookAnomaly  bool
}

func fmtPrice(v *float64) *string {
	if v == nil {
		return nil
	}
	s := fmt.Sprintf("%.6f", *v)
	return &s
}

func fmtLevels(levels []PriceLevel) [][2]string {
	out := make([][2]string, len(levels))
	for i, l := range levels {
		out[i] = [2]string{fmt.Sprintf("%.6f", l.Price), fmt.Sprintf("%.2f", l.Size)}
	}
	return out
}

// CanonicalOrderbookJSON builds deterministic, sorted-key, ASCII-only
// JSON for hashing: prices fixed to 6dp, sizes to 2dp, keys sorted.
func CanonicalOrderbookJSON(bestBidYes, bestAskYes, bestBidNo, bestAskNo *float64, depthYes, depthNo []PriceLevel) string {
	obj := map[string]any{
		"best_ask_no":  fmtPrice(bestAskNo),
		"best_ask_yes": fmtPrice(bestAskYes),
		"best_bid_no":  fmtPrice(bestBidNo),
		"best_bid_yes": fmtPrice(bestBidYes),
		"depth_no":     fmtLevels(depthNo),
		"depth_yes":    fmtLevels(depthYes),
	}
	return marshalSortedCompact(obj)
}

// marshalSortedCompact JSON-encodes obj with lexicographically sorted
// top-level keys and no separators whitespace, matching Python's
// json.dumps(obj, sort_keys=True, separators=(",", ":")).
func marshalSortedCompact(obj map[string]any) string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b []byte
	b = append(b, '{')
	for i, k := range keys {
		if i > 0 {
			b = append(b, ',')
		}
		kb, _ := json.Marshal(k)
		b = append(b, kb...)
		b = append(b, ':')
		vb, _ := json.Marshal(obj[k])
		b = append(b, vb...)
	}
	b = append(b, '}')
	return string(b)
}

// ComputeOrderbookHash is the SHA-256 digest of the canonical JSON.
func ComputeOrderbookHash(canonicalJSON string) [32]byte {
	return sha256.Sum256([]byte(canonicalJSON))
}

// DetectAskSumAnomaly flags a binary-consistency violation: the two
// complementary best asks should sum to roughly 1.0 (spec §7.2); a
// missing ask on either side is itself treated as anomalous.
func DetectAskSumAnomaly(bestAskYes, bestAskNo *float64) bool {
	if bestAskYes == nil || bestAskNo == nil {
		return true
	}
	sum := *bestAskYes + *bestAskNo
	return sum < polyconst.AskSumLow || sum > polyconst.AskSumHigh
}

// DetectInvalidBookAnomaly flags a structurally broken book: any
// missing best bid/ask, any price outside (0,1), or a crossed book
// (bid > ask) on either side.
func DetectInvalidBookAnomaly(bestBidYes, bestAskYes, bestBidNo, bestAskNo *float64) bool {
	prices := []*float64{bestBidYes, bestAskYes, bestBidNo, bestAskNo}
	for _, p := range prices {
		if p == nil {
			return true
		}
	}
	for _, p := range prices {
		if *p <= 0 || *p >= 1 {
			return true
		}
	}
	if *bestBidYes > *bestAskYes {
		return true
	}
	if *bestBidNo > *bestAskNo {
		return true
	}
	return false
}

// Create builds an immutable Snapshot from WS (or REST) book data.
// nowUnixMs is the snapshot's own timestamp; passed in rather than
// read from the clock so callers (and tests) control it precisely.
func Create(marketID string, data BookData, source string, nowUnixMs int64) *Snapshot {
	canonical := CanonicalOrderbookJSON(data.BestBidYes, data.BestAskYes, data.BestBidNo, data.BestAskNo, data.DepthYes, data.DepthNo)
	hash := ComputeOrderbookHash(canonical)

	return &Snapshot{
		SnapshotID:                uuid.NewString(),
		MarketID:                  marketID,
		SnapshotAtMs:              nowUnixMs,
		Source:                    source,
		WSEpoch:                   data.SnapshotWSEpoch,
		WSLastMessageUnixMs:       data.WSLastMessageUnixMs,
		MarketLastWSUpdateUnixMs:  data.MarketLastWSUpdateUnixMs,
		OrderbookLastChangeUnixMs: data.OrderbookLastChangeUnixMs,
		BestBidYes:                data.BestBidYes,
		BestAskYes:                data.BestAskYes,
		BestBidNo:                 data.BestBidNo,
		BestAskNo:                 data.BestAskNo,
		DepthYes:                  data.DepthYes,
		DepthNo:                   data.DepthNo,
		OrderbookHash:             hash,
		AskSumAnomaly:             DetectAskSumAnomaly(data.BestAskYes, data.BestAskNo),
		InvalidBookAnomaly:        DetectInvalidBookAnomaly(data.BestBidYes, data.BestAskYes, data.BestBidNo, data.BestAskNo),
	}
}
