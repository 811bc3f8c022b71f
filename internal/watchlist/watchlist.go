// Package watchlist maintains the bounded, scored set of markets
// PolyEdge is actively monitoring (spec §8): top-N selection by
// priority score, probation for markets with repeated anomalies, and
// quarantine for markets that trigger often but never trade.
package watchlist

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// ScoreInput is the subset of a market's state used to compute its
// watchlist priority score.
type ScoreInput struct {
	MarketID               string
	EndDateUTC             *time.Time
	Volume24hUSD           float64
	LiquidityUSD           float64
	Spread                 *float64
	OrderbookLastChangeUTC *time.Time
}

// ScoreMarket computes a market's watchlist priority score (spec
// §8.1): higher is better. Components: resolution proximity (0-40),
// volume (0-20 or -5), liquidity (0-20 or -5), spread tightness
// (0-10), recent orderbook activity (0-10).
func ScoreMarket(m ScoreInput, now time.Time) float64 {
	var score float64

	if m.EndDateUTC != nil {
		remaining := m.EndDateUTC.Sub(now).Seconds()
		if remaining >= polyconst.TimeToResolutionMinSec && remaining <= polyconst.TimeToResolutionMaxSec {
			fractionRemaining := remaining / polyconst.TimeToResolutionMaxSec
			score += 40.0 * (1.0 - fractionRemaining)
		} else {
			score -= 10.0
		}
	}

	if m.Volume24hUSD >= polyconst.MinVolume24hUSD {
		score += math.Min(20.0, math.Log10(math.Max(m.Volume24hUSD, 1))*4.0)
	} else {
		score -= 5.0
	}

	if m.LiquidityUSD >= polyconst.MinLiquidityUSD {
		score += math.Min(20.0, math.Log10(math.Max(m.LiquidityUSD, 1))*4.0)
	} else {
		score -= 5.0
	}

	if m.Spread != nil && *m.Spread <= polyconst.MaxSpreadAbs {
		score += 10.0 * (1.0 - *m.Spread/polyconst.MaxSpreadAbs)
	}

	if m.OrderbookLastChangeUTC != nil {
		age := now.Sub(*m.OrderbookLastChangeUTC)
		switch {
		case age < 60*time.Second:
			score += 10.0
		case age < 5*time.Minute:
			score += 5.0
		case age < 15*time.Minute:
			score += 2.0
		}
	}

	return math.Round(score*10000) / 10000
}

// WatchlistEntry is one market on the active watchlist.
type WatchlistEntry struct {
	MarketID      string `gorm:"primaryKey"`
	Score         float64
	AddedAtUTC    time.Time
	LastScoredUTC time.Time
}

func (WatchlistEntry) TableName() string { return "watchlist" }

// ProbationEntry is a market temporarily excluded from the watchlist
// after anomalies, with an accumulating anomaly count.
type ProbationEntry struct {
	MarketID          string `gorm:"primaryKey"`
	Reason            string
	AnomalyCount      int
	ProbationUntilUTC time.Time
	AddedAtUTC        time.Time
}

func (ProbationEntry) TableName() string { return "probation" }

// QuarantineEntry tracks hourly trigger/no-trade counts per market,
// escalating to a full quarantine once the noisy-market threshold trips.
type QuarantineEntry struct {
	MarketID           string `gorm:"primaryKey"`
	TriggerCountHour   int
	NoTradeCountHour   int
	QuarantineUntilUTC time.Time
	AddedAtUTC         time.Time
}

func (QuarantineEntry) TableName() string { return "quarantine" }

// RefreshStats summarizes one watchlist rebuild.
type RefreshStats struct {
	Added      int
	Removed    int
	Probation  int
	Quarantine int
}

// CleanupStats summarizes an expired-entry sweep.
type CleanupStats struct {
	ProbationExpired  int
	QuarantineExpired int
}

// Manager owns the watchlist, probation, and quarantine tables.
type Manager struct {
	mu     sync.Mutex
	db     *gorm.DB
	logger *slog.Logger
}

// New constructs a Manager, migrating its tables.
func New(db *gorm.DB, logger *slog.Logger) (*Manager, error) {
	if err := db.AutoMigrate(&WatchlistEntry{}, &ProbationEntry{}, &QuarantineEntry{}); err != nil {
		return nil, fmt.Errorf("migrate watchlist tables: %w", err)
	}
	return &Manager{db: db, logger: logger.With("component", "watchlist")}, nil
}

// Refresh rebuilds the watchlist from eligibleMarkets, excluding any
// market currently on probation or quarantine, keeping only the top
// WatchlistMax by score (spec §8.1).
func (m *Manager) Refresh(ctx context.Context, eligibleMarkets []ScoreInput, now time.Time) (RefreshStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var probationRows []ProbationEntry
	if err := m.db.WithContext(ctx).Where("probation_until_utc > ?", now).Find(&probationRows).Error; err != nil {
		return RefreshStats{}, fmt.Errorf("load probation: %w", err)
	}
	var quarantineRows []QuarantineEntry
	if err := m.db.WithContext(ctx).Where("quarantine_until_utc > ?", now).Find(&quarantineRows).Error; err != nil {
		return RefreshStats{}, fmt.Errorf("load quarantine: %w", err)
	}

	excluded := make(map[string]bool, len(probationRows)+len(quarantineRows))
	for _, p := range probationRows {
		excluded[p.MarketID] = true
	}
	for _, q := range quarantineRows {
		excluded[q.MarketID] = true
	}

	type scored struct {
		id    string
		score float64
	}
	var candidates []scored
	for _, mkt := range eligibleMarkets {
		if excluded[mkt.MarketID] {
			continue
		}
		candidates = append(candidates, scored{id: mkt.MarketID, score: ScoreMarket(mkt, now)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if len(candidates) > polyconst.WatchlistMax {
		candidates = candidates[:polyconst.WatchlistMax]
	}

	if err := m.db.WithContext(ctx).Where("1 = 1").Delete(&WatchlistEntry{}).Error; err != nil {
		return RefreshStats{}, fmt.Errorf("clear watchlist: %w", err)
	}

	for _, c := range candidates {
		entry := WatchlistEntry{MarketID: c.id, Score: c.score, AddedAtUTC: now, LastScoredUTC: now}
		if err := m.db.WithContext(ctx).Create(&entry).Error; err != nil {
			return RefreshStats{}, fmt.Errorf("insert watchlist entry %s: %w", c.id, err)
		}
	}

	stats := RefreshStats{
		Added:      len(candidates),
		Removed:    maxInt(0, len(eligibleMarkets)-len(candidates)-len(excluded)),
		Probation:  len(probationRows),
		Quarantine: len(quarantineRows),
	}
	m.logger.Info("watchlist refreshed", "added", stats.Added, "probation", stats.Probation, "quarantine", stats.Quarantine)
	return stats, nil
}

// AddToProbation places marketID on probation for durationHours,
// bumping its anomaly count if already present. Refuses once the
// probation list is at capacity (spec §8.2).
func (m *Manager) AddToProbation(ctx context.Context, marketID, reason string, durationHours int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	if err := m.db.WithContext(ctx).Model(&ProbationEntry{}).Where("probation_until_utc > ?", now).Count(&count).Error; err != nil {
		return fmt.Errorf("count probation: %w", err)
	}
	if count >= polyconst.ProbationMax {
		m.logger.Warn("probation list full, cannot add market", "market_id", marketID, "count", count, "max", polyconst.ProbationMax)
		return nil
	}

	until := now.Add(time.Duration(durationHours) * time.Hour)
	var existing ProbationEntry
	err := m.db.WithContext(ctx).Where("market_id = ?", marketID).First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		entry := ProbationEntry{MarketID: marketID, Reason: reason, AnomalyCount: 1, ProbationUntilUTC: until, AddedAtUTC: now}
		if err := m.db.WithContext(ctx).Create(&entry).Error; err != nil {
			return fmt.Errorf("insert probation: %w", err)
		}
	case err == nil:
		err := m.db.WithContext(ctx).Model(&ProbationEntry{}).Where("market_id = ?", marketID).
			Updates(map[string]any{"reason": reason, "anomaly_count": existing.AnomalyCount + 1, "probation_until_utc": until}).Error
		if err != nil {
			return fmt.Errorf("update probation: %w", err)
		}
	default:
		return fmt.Errorf("lookup probation: %w", err)
	}

	m.logger.Info("market placed on probation", "market_id", marketID, "until", until, "reason", reason)
	return nil
}

// CheckQuarantine records a trigger for marketID within the current
// hour bucket and reports whether it is (or now becomes) quarantined.
// A market quarantines once its hourly trigger count exceeds
// QuarantineTriggerThreshold AND every one of those triggers yielded
// no trade (spec §8.2).
func (m *Manager) CheckQuarantine(ctx context.Context, marketID string, noTrade bool, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active QuarantineEntry
	err := m.db.WithContext(ctx).Where("market_id = ? AND quarantine_until_utc > ?", marketID, now).First(&active).Error
	if err == nil {
		return true, nil
	}
	if err != gorm.ErrRecordNotFound {
		return false, fmt.Errorf("check active quarantine: %w", err)
	}

	var existing QuarantineEntry
	err = m.db.WithContext(ctx).Where("market_id = ?", marketID).First(&existing).Error

	triggerCount := 1
	noTradeCount := 0
	if noTrade {
		noTradeCount = 1
	}
	if err == nil {
		triggerCount = existing.TriggerCountHour + 1
		noTradeCount = existing.NoTradeCountHour
		if noTrade {
			noTradeCount++
		}
	} else if err != gorm.ErrRecordNotFound {
		return false, fmt.Errorf("lookup quarantine: %w", err)
	}

	shouldQuarantine := triggerCount > polyconst.QuarantineTriggerThreshold && noTradeCount >= triggerCount

	quarantineUntil := now
	if shouldQuarantine {
		quarantineUntil = now.Add(polyconst.QuarantineDuration)
	}

	entry := QuarantineEntry{
		MarketID:           marketID,
		TriggerCountHour:   triggerCount,
		NoTradeCountHour:   noTradeCount,
		QuarantineUntilUTC: quarantineUntil,
		AddedAtUTC:         now,
	}
	if err := m.db.WithContext(ctx).Save(&entry).Error; err != nil {
		return false, fmt.Errorf("save quarantine state: %w", err)
	}

	if shouldQuarantine {
		m.logger.Warn("market quarantined", "market_id", marketID, "duration", polyconst.QuarantineDuration,
			"triggers", triggerCount, "no_trades", noTradeCount)
	}
	return shouldQuarantine, nil
}

// GetWatchlist returns the current watchlist ordered by score descending.
func (m *Manager) GetWatchlist(ctx context.Context) ([]WatchlistEntry, error) {
	var entries []WatchlistEntry
	err := m.db.WithContext(ctx).Order("score DESC").Find(&entries).Error
	return entries, err
}

// CleanupExpired removes expired probation and quarantine rows.
func (m *Manager) CleanupExpired(ctx context.Context, now time.Time) (CleanupStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats CleanupStats

	probationResult := m.db.WithContext(ctx).Where("probation_until_utc <= ?", now).Delete(&ProbationEntry{})
	if probationResult.Error != nil {
		return stats, fmt.Errorf("cleanup probation: %w", probationResult.Error)
	}
	stats.ProbationExpired = int(probationResult.RowsAffected)

	quarantineResult := m.db.WithContext(ctx).Where("quarantine_until_utc <= ?", now).Delete(&QuarantineEntry{})
	if quarantineResult.Error != nil {
		return stats, fmt.Errorf("cleanup quarantine: %w", quarantineResult.Error)
	}
	stats.QuarantineExpired = int(quarantineResult.RowsAffected)

	if stats.ProbationExpired > 0 || stats.QuarantineExpired > 0 {
		m.logger.Info("expired entries cleaned up", "probation_expired", stats.ProbationExpired, "quarantine_expired", stats.QuarantineExpired)
	}
	return stats, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
