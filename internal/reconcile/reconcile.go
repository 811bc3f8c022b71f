// Package reconcile implements REST-authority reconciliation between
// local and remote (exchange-reported) positions (spec §4.13/§19).
// The exchange's own account state is always trusted over local
// bookkeeping; this package classifies the drift and decides whether
// new live submissions may proceed.
package reconcile

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// Level is a mismatch's severity, relative to wallet size.
type Level int

const (
	Level1 Level = 1 // minor: <0.1% of wallet
	Level2 Level = 2 // moderate: <0.5% of wallet
	Level3 Level = 3 // critical: >=0.5% of wallet, or missing on either side
)

const (
	level1ThresholdPct = 0.001
	level2ThresholdPct = 0.005

	level1DriftGuardMax = 3
)

// Mismatch is one local-vs-remote discrepancy found during reconciliation.
type Mismatch struct {
	Field       string
	LocalValue  decimal.Decimal
	RemoteValue decimal.Decimal
	DeltaAbs    decimal.Decimal
	Level       Level
	TsUTC       time.Time
}

// ClassifyMismatch maps an absolute USD delta to a severity level
// relative to wallet size (spec §19.2).
func ClassifyMismatch(deltaAbs, walletUSD decimal.Decimal) Level {
	if !walletUSD.IsPositive() {
		return Level3
	}
	ratio := deltaAbs.Div(walletUSD)
	switch {
	case ratio.LessThan(decimal.NewFromFloat(level1ThresholdPct)):
		return Level1
	case ratio.LessThan(decimal.NewFromFloat(level2ThresholdPct)):
		return Level2
	default:
		return Level3
	}
}

// Engine tracks accumulated mismatches across reconciliation passes
// and evaluates the RECONCILE_GREEN predicate that gates new live
// order submission.
type Engine struct {
	mu sync.Mutex

	walletUSD             decimal.Decimal
	mismatches            []Mismatch
	lastReconcileAtUTC    time.Time
	cumulativeLevel1Count int
}

// NewEngine constructs a reconciliation Engine for the given wallet size.
func NewEngine(walletUSD decimal.Decimal) *Engine {
	return &Engine{walletUSD: walletUSD}
}

// UpdateWallet refreshes the wallet reference used for severity classification.
func (e *Engine) UpdateWallet(walletUSD decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.walletUSD = walletUSD
}

// ReconcilePositions compares local and remote per-market notional
// exposure and records any mismatch exceeding MinReconcileThresholdUSD.
// A position present on only one side is always Level3.
func (e *Engine) ReconcilePositions(local, remote map[string]decimal.Decimal, now time.Time) []Mismatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastReconcileAtUTC = now

	markets := make(map[string]bool)
	for mid := range local {
		markets[mid] = true
	}
	for mid := range remote {
		markets[mid] = true
	}

	var found []Mismatch
	for mid := range markets {
		l, hasLocal := local[mid]
		r, hasRemote := remote[mid]
		field := fmt.Sprintf("position_%s", mid)

		switch {
		case hasLocal && !hasRemote:
			found = append(found, Mismatch{Field: field, LocalValue: l, RemoteValue: decimal.Zero, DeltaAbs: l.Abs(), Level: Level3, TsUTC: now})
		case hasRemote && !hasLocal:
			found = append(found, Mismatch{Field: field, LocalValue: decimal.Zero, RemoteValue: r, DeltaAbs: r.Abs(), Level: Level3, TsUTC: now})
		case hasLocal && hasRemote:
			delta := l.Sub(r).Abs()
			if delta.GreaterThan(decimal.NewFromFloat(polyconst.MinReconcileThresholdUSD)) {
				level := ClassifyMismatch(delta, e.walletUSD)
				found = append(found, Mismatch{Field: field, LocalValue: l, RemoteValue: r, DeltaAbs: delta, Level: level, TsUTC: now})
			}
		}
	}

	e.mismatches = append(e.mismatches, found...)
	for _, m := range found {
		if m.Level == Level1 {
			e.cumulativeLevel1Count++
		}
	}
	return found
}

// PositionSetsMatch reports whether the local and remote position
// market-ID sets are identical — a RECONCILE_GREEN gate distinct from
// (and stricter than) the absence of Level-3 mismatches, since a
// zero-notional phantom position on either side would otherwise pass
// silently.
func PositionSetsMatch(local, remote map[string]decimal.Decimal) bool {
	if len(local) != len(remote) {
		return false
	}
	for mid := range local {
		if _, ok := remote[mid]; !ok {
			return false
		}
	}
	return true
}

// ReconcileGreen evaluates the 6-condition RECONCILE_GREEN predicate
// (spec §19.5/§4.13). positionSetsMatch and pendingUnknownOrders are
// supplied by the caller since they depend on state this package does
// not own (local order bookkeeping). All 6 conditions must pass.
func (e *Engine) ReconcileGreen(now time.Time, positionSetsMatch bool, pendingUnknownOrders int) (bool, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var reasons []string
	heartbeat := time.Duration(polyconst.ReconcileHeartbeatSec) * time.Second

	level3Count := 0
	level2RecentCount := 0
	recentCutoff := now.Add(-heartbeat)
	for _, m := range e.mismatches {
		if m.Level == Level3 {
			level3Count++
		}
		if m.Level == Level2 && m.TsUTC.After(recentCutoff) {
			level2RecentCount++
		}
	}

	if level3Count > 0 {
		reasons = append(reasons, fmt.Sprintf("%d level-3 mismatches active", level3Count))
	}
	if level2RecentCount > 0 {
		reasons = append(reasons, fmt.Sprintf("%d level-2 mismatches in the last %s", level2RecentCount, heartbeat))
	}
	if e.lastReconcileAtUTC.IsZero() {
		reasons = append(reasons, "no reconciliation has run yet")
	} else if now.Sub(e.lastReconcileAtUTC) > heartbeat {
		reasons = append(reasons, fmt.Sprintf("last reconcile %s ago exceeds heartbeat", now.Sub(e.lastReconcileAtUTC)))
	}
	if e.cumulativeLevel1Count > level1DriftGuardMax {
		reasons = append(reasons, fmt.Sprintf("cumulative level-1 count %d exceeds %d", e.cumulativeLevel1Count, level1DriftGuardMax))
	}
	if !positionSetsMatch {
		reasons = append(reasons, "local and remote position sets differ")
	}
	if pendingUnknownOrders > 0 {
		reasons = append(reasons, fmt.Sprintf("%d orders pending reconciliation", pendingUnknownOrders))
	}

	return len(reasons) == 0, reasons
}

// ClearMismatches drops all recorded mismatches and resets the
// cumulative Level-1 drift guard, typically called once all
// outstanding mismatches have been resolved by a corrective action.
func (e *Engine) ClearMismatches() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mismatches = nil
	e.cumulativeLevel1Count = 0
}

// Stats is a snapshot of reconciliation state for observability.
type Stats struct {
	TotalMismatches    int
	Level3Count        int
	Level2Count        int
	Level1Count        int
	CumulativeLevel1   int
	LastReconcileAtUTC time.Time
}

// Stats returns the current reconciliation snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		TotalMismatches:    len(e.mismatches),
		CumulativeLevel1:   e.cumulativeLevel1Count,
		LastReconcileAtUTC: e.lastReconcileAtUTC,
	}
	for _, m := range e.mismatches {
		switch m.Level {
		case Level3:
			s.Level3Count++
		case Level2:
			s.Level2Count++
		case Level1:
			s.Level1Count++
		}
	}
	return s
}
