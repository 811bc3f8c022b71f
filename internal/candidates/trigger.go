// Package candidates implements the fast-loop trigger detector and the
// anti-spoof candidate queue that feeds the coarse filter pipeline.
package candidates

import (
	"sync"
	"time"

	"github.com/polyedge/polyedge/internal/polyconst"
	"github.com/polyedge/polyedge/internal/snapshot"
)

// TriggerType names one of the four fixed trigger kinds (spec §9.1).
type TriggerType string

const (
	TriggerSpreadChange         TriggerType = "spread_change"
	TriggerDepthDrop            TriggerType = "depth_drop"
	TriggerMidMove              TriggerType = "mid_move"
	TriggerApproachingResolution TriggerType = "approaching_resolution"
)

// Status is a candidate's lifecycle position (spec §9.2).
type Status string

const (
	StatusNew          Status = "NEW"
	StatusFiltered     Status = "FILTERED"
	StatusEvidenceDone Status = "EVIDENCE_DONE"
	StatusAIDone       Status = "AI_DONE"
	StatusDecided      Status = "DECIDED"
	StatusExecuted     Status = "EXECUTED"
	StatusDropped      Status = "DROPPED"
)

type triggerKey struct {
	marketID string
	trigger  TriggerType
}

type triggerEntry struct {
	firstSeen       time.Time
	count           int
	lastSnapshotID  string
}

// TriggerState tracks, per market and trigger type, how many
// consecutive distinct-snapshot occurrences a trigger has had and for
// how long — spoof resistance per spec §9.1: a trigger must persist
// for TriggerPersistUpdates updates across at least TriggerPersistMinSec
// before it's allowed to produce a candidate.
type TriggerState struct {
	mu    sync.Mutex
	state map[triggerKey]*triggerEntry
}

// NewTriggerState constructs an empty tracker.
func NewTriggerState() *TriggerState {
	return &TriggerState{state: make(map[triggerKey]*triggerEntry)}
}

// RecordTrigger records one occurrence of trigger for market, tagged
// with the snapshot it was observed on (so the same snapshot is never
// double-counted). Returns true once the persistence threshold is met.
func (t *TriggerState) RecordTrigger(marketID string, trigger TriggerType, snapshotID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := triggerKey{marketID, trigger}
	entry, ok := t.state[key]
	if !ok {
		t.state[key] = &triggerEntry{firstSeen: now, count: 1, lastSnapshotID: snapshotID}
		return false
	}

	if entry.lastSnapshotID == snapshotID {
		return false
	}

	entry.count++
	entry.lastSnapshotID = snapshotID

	elapsed := now.Sub(entry.firstSeen)
	return entry.count >= polyconst.TriggerPersistUpdates && elapsed >= polyconst.TriggerPersistMinSec*time.Second
}

// ClearTrigger drops persistence state for one market/trigger pair,
// called once a candidate has been enqueued from it or it stops firing.
func (t *TriggerState) ClearTrigger(marketID string, trigger TriggerType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, triggerKey{marketID, trigger})
}

// ClearMarket drops all trigger state for a market, e.g. on quarantine.
func (t *TriggerState) ClearMarket(marketID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.state {
		if k.marketID == marketID {
			delete(t.state, k)
		}
	}
}

// MarketMeta is the subset of registry data trigger detection needs.
type MarketMeta struct {
	EndDateUTC *time.Time
}

// DetectTriggers inspects the latest snapshot against the previous one
// (and market metadata) and returns every trigger type that fires.
// prev may be nil on a market's first observed snapshot.
func DetectTriggers(snap, prev *snapshot.Snapshot, meta MarketMeta, now time.Time) []TriggerType {
	var triggers []TriggerType
	if snap == nil {
		return triggers
	}

	if snap.BestBidYes != nil && snap.BestAskYes != nil {
		spread := *snap.BestAskYes - *snap.BestBidYes
		if prev != nil && prev.BestBidYes != nil && prev.BestAskYes != nil {
			prevSpread := *prev.BestAskYes - *prev.BestBidYes
			if abs(spread-prevSpread) > 0.005 {
				triggers = append(triggers, TriggerSpreadChange)
			}
		}
	}

	if prev != nil {
		current := sumTop3(snap.DepthYes)
		previous := sumTop3(prev.DepthYes)
		if previous > 0 && current < previous*0.7 {
			triggers = append(triggers, TriggerDepthDrop)
		}
	}

	if snap.BestBidYes != nil && snap.BestAskYes != nil {
		mid := (*snap.BestBidYes + *snap.BestAskYes) / 2.0
		if prev != nil && prev.BestBidYes != nil && prev.BestAskYes != nil {
			prevMid := (*prev.BestBidYes + *prev.BestAskYes) / 2.0
			if abs(mid-prevMid) > 0.01 {
				triggers = append(triggers, TriggerMidMove)
			}
		}
	}

	if meta.EndDateUTC != nil {
		remaining := meta.EndDateUTC.Sub(now).Seconds()
		if remaining >= polyconst.TimeToResolutionMinSec && remaining <= 24*3600 {
			triggers = append(triggers, TriggerApproachingResolution)
		}
	}

	return triggers
}

func sumTop3(levels []snapshot.PriceLevel) float64 {
	var sum float64
	n := len(levels)
	if n > 3 {
		n = 3
	}
	for _, l := range levels[:n] {
		sum += l.Size
	}
	return sum
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
