package aiswarm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// Reservation status values (spec §13.2).
const (
	StatusReserved     = "RESERVED"
	StatusSettled      = "SETTLED"
	StatusForceSettled = "FORCE_SETTLED"
	StatusReleased     = "RELEASED"
)

const (
	defaultReservationExpiry   = 120 * time.Second
	reaperGrace                = 5 * time.Second
	forceSettleDegradedMinimum = 3
)

// ErrBudgetDenied is returned by Reserve when any cap would be exceeded.
var ErrBudgetDenied = errors.New("ai budget denied")

// ReservationRecord is the GORM-persisted row backing one budget
// reservation, grounded on the teacher's snapshot-record table idiom
// (internal/db/transaction_recorder.go in the broader example pack).
// Money fields are decimal.Decimal, matching every other ledger in
// this codebase (position sizing, PnL) rather than the float64 used
// in calibration/decisionengine, where repeated addition would drift.
type ReservationRecord struct {
	ID            string              `gorm:"primaryKey;type:uuid"`
	ModelKey      string              `gorm:"not null"`
	ReservedUSD   decimal.Decimal     `gorm:"type:numeric;not null"`
	ActualUSD     decimal.NullDecimal `gorm:"type:numeric"`
	Status        string              `gorm:"not null;index"`
	CorrelationID string              `gorm:"not null;index"`
	TsUTC         time.Time           `gorm:"not null;index"`
	ExpiresAtUTC  time.Time           `gorm:"not null"`
	DayBucket     string              `gorm:"not null;index"` // YYYY-MM-DD UTC
}

func (ReservationRecord) TableName() string { return "ai_budget_reservations" }

// ComputeDailyCap implements spec §3.3:
// min(AICapUSDUser, wallet_usd * AICapPctPerDayDefault).
func ComputeDailyCap(walletUSD decimal.Decimal) decimal.Decimal {
	pct := walletUSD.Mul(decimal.NewFromFloat(polyconst.AICapPctPerDayDefault))
	userCap := decimal.NewFromFloat(polyconst.AICapUSDUser)
	if pct.LessThan(userCap) {
		return pct
	}
	return userCap
}

// ComputeWindowCap returns the rolling-window cap derived from a daily cap.
func ComputeWindowCap(dailyCap decimal.Decimal) decimal.Decimal {
	return dailyCap.Mul(decimal.NewFromFloat(polyconst.AIWindowCapPctOfDaily))
}

// BudgetManager is the single-owner actor that gates every AI swarm
// call against the daily cap, rolling-window cap, and per-day analysis
// count hard cap (spec §13). All mutating calls serialize on an
// in-process mutex, matching the lock/execution actor model; state is
// additionally persisted via GORM so restarts do not lose reservations.
type BudgetManager struct {
	mu sync.Mutex

	db        *gorm.DB
	walletUSD decimal.Decimal
	dailyCap  decimal.Decimal
	windowCap decimal.Decimal

	today               string
	spentUSD            decimal.Decimal
	inFlightUSD         decimal.Decimal
	correlationIDsToday map[string]bool
	forceSettleCountDay int
}

// NewBudgetManager opens (and migrates) the reservation ledger and
// constructs a BudgetManager for the given wallet size.
func NewBudgetManager(db *gorm.DB, walletUSD decimal.Decimal) (*BudgetManager, error) {
	if err := db.AutoMigrate(&ReservationRecord{}); err != nil {
		return nil, fmt.Errorf("migrate ai budget ledger: %w", err)
	}
	dailyCap := ComputeDailyCap(walletUSD)
	return &BudgetManager{
		db:                  db,
		walletUSD:           walletUSD,
		dailyCap:            dailyCap,
		windowCap:           ComputeWindowCap(dailyCap),
		today:               dayBucket(time.Now().UTC()),
		spentUSD:            decimal.Zero,
		inFlightUSD:         decimal.Zero,
		correlationIDsToday: make(map[string]bool),
	}, nil
}

func dayBucket(t time.Time) string { return t.UTC().Format("2006-01-02") }

func (b *BudgetManager) checkDayRollover(now time.Time) {
	today := dayBucket(now)
	if today == b.today {
		return
	}
	b.today = today
	b.spentUSD = decimal.Zero
	b.inFlightUSD = decimal.Zero
	b.correlationIDsToday = make(map[string]bool)
	b.forceSettleCountDay = 0
}

// windowSum sums RESERVED reservations within the trailing AIWindowSec window.
func (b *BudgetManager) windowSum(now time.Time) (decimal.Decimal, error) {
	cutoff := now.Add(-time.Duration(polyconst.AIWindowSec) * time.Second)
	var rows []ReservationRecord
	if err := b.db.Where("status = ? AND ts_utc >= ?", StatusReserved, cutoff).Find(&rows).Error; err != nil {
		return decimal.Zero, fmt.Errorf("sum reservation window: %w", err)
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.ReservedUSD)
	}
	return total, nil
}

// Reserve atomically reserves worst-case USD for one AI call. Returns
// the reservation ID on success, ErrBudgetDenied if any cap would be
// exceeded.
func (b *BudgetManager) Reserve(modelKey string, worstCaseUSD decimal.Decimal, correlationID string, now time.Time) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkDayRollover(now)

	committed := b.spentUSD.Add(b.inFlightUSD).Add(worstCaseUSD)
	if committed.GreaterThan(b.dailyCap) {
		return "", fmt.Errorf("%w: daily cap exceeded (spent=%s in_flight=%s requested=%s cap=%s)",
			ErrBudgetDenied, b.spentUSD, b.inFlightUSD, worstCaseUSD, b.dailyCap)
	}

	windowSum, err := b.windowSum(now)
	if err != nil {
		return "", err
	}
	if windowSum.Add(worstCaseUSD).GreaterThan(b.windowCap) {
		return "", fmt.Errorf("%w: window cap exceeded (window_sum=%s requested=%s cap=%s)",
			ErrBudgetDenied, windowSum, worstCaseUSD, b.windowCap)
	}

	if len(b.correlationIDsToday) >= polyconst.AIAnalysesPerDayHardCap && !b.correlationIDsToday[correlationID] {
		return "", fmt.Errorf("%w: analysis count cap exceeded (%d >= %d)",
			ErrBudgetDenied, len(b.correlationIDsToday), polyconst.AIAnalysesPerDayHardCap)
	}

	id := uuid.NewString()
	record := ReservationRecord{
		ID:            id,
		ModelKey:      modelKey,
		ReservedUSD:   worstCaseUSD,
		Status:        StatusReserved,
		CorrelationID: correlationID,
		TsUTC:         now,
		ExpiresAtUTC:  now.Add(defaultReservationExpiry),
		DayBucket:     b.today,
	}
	if err := b.db.Create(&record).Error; err != nil {
		return "", fmt.Errorf("persist reservation: %w", err)
	}

	b.inFlightUSD = b.inFlightUSD.Add(worstCaseUSD)
	b.correlationIDsToday[correlationID] = true
	return id, nil
}

// Settle idempotently finalizes a reservation at its actual cost
// (compare-and-swap on status). A nil actualUSD settles at the
// reserved amount. Returns false if the reservation is unknown or
// already final.
func (b *BudgetManager) Settle(reservationID string, actualUSD *decimal.Decimal, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkDayRollover(now)

	var record ReservationRecord
	if err := b.db.First(&record, "id = ?", reservationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load reservation: %w", err)
	}
	if record.Status != StatusReserved {
		return false, nil
	}

	cost := record.ReservedUSD
	if actualUSD != nil {
		cost = *actualUSD
	}

	if err := b.db.Model(&record).Updates(map[string]any{
		"status":     StatusSettled,
		"actual_usd": decimal.NewNullDecimal(cost),
	}).Error; err != nil {
		return false, fmt.Errorf("settle reservation: %w", err)
	}

	b.inFlightUSD = b.inFlightUSD.Sub(record.ReservedUSD)
	b.spentUSD = b.spentUSD.Add(cost)
	return true, nil
}

// Release cancels a reservation without charging it.
func (b *BudgetManager) Release(reservationID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var record ReservationRecord
	if err := b.db.First(&record, "id = ? AND status = ?", reservationID, StatusReserved).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load reservation: %w", err)
	}

	if err := b.db.Model(&record).Update("status", StatusReleased).Error; err != nil {
		return false, fmt.Errorf("release reservation: %w", err)
	}
	b.inFlightUSD = b.inFlightUSD.Sub(record.ReservedUSD)
	return true, nil
}

// ReapExpired force-settles RESERVED reservations whose expiry (plus a
// grace period) has passed — the reaper of spec §13.5, run periodically
// by the engine's supervisory loop.
func (b *BudgetManager) ReapExpired(now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkDayRollover(now)

	var expired []ReservationRecord
	cutoff := now.Add(-reaperGrace)
	if err := b.db.Where("status = ? AND expires_at_utc < ?", StatusReserved, cutoff).Find(&expired).Error; err != nil {
		return 0, fmt.Errorf("find expired reservations: %w", err)
	}

	count := 0
	for _, r := range expired {
		if err := b.db.Model(&r).Updates(map[string]any{
			"status":     StatusForceSettled,
			"actual_usd": decimal.NewNullDecimal(r.ReservedUSD),
		}).Error; err != nil {
			return count, fmt.Errorf("force-settle reservation %s: %w", r.ID, err)
		}
		b.inFlightUSD = b.inFlightUSD.Sub(r.ReservedUSD)
		b.spentUSD = b.spentUSD.Add(r.ReservedUSD)
		b.forceSettleCountDay++
		count++
	}
	return count, nil
}

// IsDegraded reports COST_ACCOUNTING_DEGRADED: 3+ force-settles today.
func (b *BudgetManager) IsDegraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forceSettleCountDay >= forceSettleDegradedMinimum
}

// Stats is a snapshot of current budget state for observability.
type Stats struct {
	DailyCap       decimal.Decimal
	WindowCap      decimal.Decimal
	SpentUSD       decimal.Decimal
	InFlightUSD    decimal.Decimal
	RemainingDaily decimal.Decimal
	AnalysesToday  int
	ForceSettles   int
	IsDegraded     bool
}

// Stats returns the current budget snapshot.
func (b *BudgetManager) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		DailyCap:       b.dailyCap,
		WindowCap:      b.windowCap,
		SpentUSD:       b.spentUSD,
		InFlightUSD:    b.inFlightUSD,
		RemainingDaily: b.dailyCap.Sub(b.spentUSD).Sub(b.inFlightUSD),
		AnalysesToday:  len(b.correlationIDsToday),
		ForceSettles:   b.forceSettleCountDay,
		IsDegraded:     b.forceSettleCountDay >= forceSettleDegradedMinimum,
	}
}
