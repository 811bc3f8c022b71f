// Package registry maintains the local catalog of Polymarket markets
// PolyEdge is allowed to trade (spec §6): periodic Gamma API sync,
// outcome-label normalization, binary YES/NO eligibility, category
// allow/deny filtering, and critical-field freeze-on-change detection.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-resty/resty/v2"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// Market is the persisted, normalized view of one Gamma market.
type Market struct {
	MarketID          string `gorm:"primaryKey"`
	ConditionID       string `gorm:"index"`
	EventID           string
	Category          string `gorm:"index"`
	Tags              string // JSON-encoded array
	Title             string
	Description       string
	ResolutionSource  string
	EndDateUTC        *time.Time
	YesTokenID        string
	NoTokenID         string
	Volume24hUSD      float64
	LiquidityUSD      float64
	CriticalFieldHash string
	IsBinaryEligible  bool
	EligibilityReason string
	Frozen            bool
	LastSyncedAtUTC   time.Time
}

func (Market) TableName() string { return "markets" }

// gammaOutcome is one entry in a Gamma market's outcomes/tokens array.
type gammaOutcome struct {
	Value   string `json:"value"`
	Label   string `json:"label"`
	AssetID string `json:"asset_id"`
	TokenID string `json:"token_id"`
}

// GammaMarket is the raw JSON shape returned by the Gamma API.
type GammaMarket struct {
	ID               string         `json:"id"`
	ConditionID      string         `json:"condition_id"`
	EventID          string         `json:"event_id"`
	Question         string         `json:"question"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Category         string         `json:"category"`
	Tags             []string       `json:"tags"`
	ResolutionSource string         `json:"resolutionSource"`
	EndDate          string         `json:"endDate"`
	Outcomes         []gammaOutcome `json:"outcomes"`
	Tokens           []gammaOutcome `json:"tokens"`
	Volume24hr       float64        `json:"volume24hr"`
	LiquidityClob    float64        `json:"liquidityClob"`
	Active           bool           `json:"active"`
	Closed           bool           `json:"closed"`
}

// NormalizeLabel applies NFKC normalization, trims, collapses internal
// whitespace, and uppercases — the canonical outcome-label form used
// for YES/NO detection (spec §6.3).
func NormalizeLabel(label string) string {
	normalized := norm.NFKC.String(label)
	normalized = strings.TrimSpace(normalized)
	normalized = strings.Join(strings.FieldsFunc(normalized, unicode.IsSpace), " ")
	return strings.ToUpper(normalized)
}

// IsBinaryEligible reports whether outcomes map to exactly {YES, NO}
// once normalized, returning a reason string when not.
func IsBinaryEligible(outcomes []gammaOutcome) (bool, string) {
	if len(outcomes) != 2 {
		return false, fmt.Sprintf("NON_BINARY: %d outcomes (need exactly 2)", len(outcomes))
	}

	labels := make(map[string]bool, 2)
	for _, o := range outcomes {
		labels[NormalizeLabel(outcomeLabel(o))] = true
	}
	if !labels["YES"] || !labels["NO"] || len(labels) != 2 {
		return false, fmt.Sprintf("NON_BINARY: labels=%v (need exactly YES and NO)", labelSet(labels))
	}
	return true, ""
}

func outcomeLabel(o gammaOutcome) string {
	if o.Value != "" {
		return o.Value
	}
	return o.Label
}

func outcomeTokenID(o gammaOutcome) string {
	if o.AssetID != "" {
		return o.AssetID
	}
	return o.TokenID
}

func labelSet(labels map[string]bool) []string {
	out := make([]string, 0, len(labels))
	for l := range labels {
		out = append(out, l)
	}
	return out
}

// ClassifyCategory reports whether category is allowed to trade,
// denylist taking precedence over allowlist (spec §6.3).
func ClassifyCategory(category string) (bool, string) {
	lower := strings.ToLower(strings.TrimSpace(category))

	if polyconst.DenylistCategories[lower] {
		return false, fmt.Sprintf("MARKET_NOT_ELIGIBLE: category '%s' is in denylist", category)
	}
	if polyconst.AllowlistCategories[lower] {
		return true, ""
	}
	return false, fmt.Sprintf("MARKET_NOT_ELIGIBLE: category '%s' not in allowlist", category)
}

// ComputeCriticalFieldHash is the SHA-256 over the pipe-joined
// critical fields whose change freezes a market from further trading
// (spec §6.2/§6.4).
func ComputeCriticalFieldHash(title, description, resolutionSource, endDate, yesTokenID, noTokenID, category string) string {
	canonical := strings.Join([]string{title, description, resolutionSource, endDate, yesTokenID, noTokenID, category}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func extractTokenIDs(outcomes []gammaOutcome) (yesID, noID string) {
	for _, o := range outcomes {
		switch NormalizeLabel(outcomeLabel(o)) {
		case "YES":
			yesID = outcomeTokenID(o)
		case "NO":
			noID = outcomeTokenID(o)
		}
	}
	return yesID, noID
}

// ParseGammaMarket converts a raw Gamma payload into the normalized
// Market row. Returns nil if the market is missing an ID or outcomes
// list entirely (not to be confused with ineligibility, which is
// recorded rather than dropped).
func ParseGammaMarket(raw GammaMarket) *Market {
	marketID := raw.ID
	if marketID == "" {
		marketID = raw.ConditionID
	}
	if marketID == "" {
		return nil
	}

	outcomes := raw.Outcomes
	if len(outcomes) == 0 {
		outcomes = raw.Tokens
	}
	if len(outcomes) == 0 {
		return nil
	}

	eligible, reason := IsBinaryEligible(outcomes)
	catAllowed, catReason := ClassifyCategory(raw.Category)
	if !catAllowed {
		eligible = false
		reason = catReason
	}

	yesID, noID := extractTokenIDs(outcomes)

	title := raw.Title
	if title == "" {
		title = raw.Question
	}
	conditionID := raw.ConditionID
	if conditionID == "" {
		conditionID = marketID
	}

	cfh := ComputeCriticalFieldHash(title, raw.Description, raw.ResolutionSource, raw.EndDate, yesID, noID, raw.Category)

	tagsJSON, _ := json.Marshal(raw.Tags)

	var endDate *time.Time
	if raw.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, raw.EndDate); err == nil {
			endDate = &t
		}
	}

	return &Market{
		MarketID:          marketID,
		ConditionID:       conditionID,
		EventID:           raw.EventID,
		Category:          raw.Category,
		Tags:              string(tagsJSON),
		Title:             title,
		Description:       raw.Description,
		ResolutionSource:  raw.ResolutionSource,
		EndDateUTC:        endDate,
		YesTokenID:        yesID,
		NoTokenID:         noID,
		Volume24hUSD:      raw.Volume24hr,
		LiquidityUSD:      raw.LiquidityClob,
		CriticalFieldHash: cfh,
		IsBinaryEligible:  eligible,
		EligibilityReason: reason,
	}
}

// SyncStats summarizes the result of one sync pass.
type SyncStats struct {
	Inserted int
	Updated  int
	Frozen   int
	Skipped  int
}

// Registry fetches markets from the Gamma API and persists the
// normalized, eligibility-classified view to Postgres.
type Registry struct {
	mu         sync.Mutex
	httpClient *resty.Client
	db         *gorm.DB
	logger     *slog.Logger
}

// New constructs a Registry pointed at gammaBaseURL, backed by db.
func New(gammaBaseURL string, db *gorm.DB, logger *slog.Logger) (*Registry, error) {
	if err := db.AutoMigrate(&Market{}); err != nil {
		return nil, fmt.Errorf("migrate markets table: %w", err)
	}

	client := resty.New().
		SetBaseURL(gammaBaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Registry{
		httpClient: client,
		db:         db,
		logger:     logger.With("component", "registry"),
	}, nil
}

// FetchMarkets pages through the Gamma API's /markets endpoint.
func (r *Registry) FetchMarkets(ctx context.Context, limit, offset int, activeOnly bool) ([]GammaMarket, error) {
	req := r.httpClient.R().
		SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetQueryParam("offset", strconv.Itoa(offset))
	if activeOnly {
		req = req.SetQueryParam("active", "true").SetQueryParam("closed", "false")
	}

	var markets []GammaMarket
	resp, err := req.SetResult(&markets).Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch gamma markets: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gamma api error: %s", resp.Status())
	}
	return markets, nil
}

// Sync upserts parsed markets into the registry. A market whose
// critical_field_hash changed since the last sync is frozen rather
// than silently updated (spec §6.4) — the eligibility/economics
// pipeline must never trade a market whose resolution terms moved
// under it.
func (r *Registry) Sync(ctx context.Context, markets []GammaMarket) SyncStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats SyncStats
	now := time.Now().UTC()

	for _, raw := range markets {
		parsed := ParseGammaMarket(raw)
		if parsed == nil {
			stats.Skipped++
			continue
		}

		var existing Market
		err := r.db.WithContext(ctx).Where("market_id = ?", parsed.MarketID).First(&existing).Error
		switch {
		case err == nil:
			if existing.CriticalFieldHash != parsed.CriticalFieldHash {
				r.logger.Warn("market critical fields changed, freezing",
					"market_id", parsed.MarketID,
					"old_hash", existing.CriticalFieldHash, "new_hash", parsed.CriticalFieldHash)
				r.db.WithContext(ctx).Model(&Market{}).Where("market_id = ?", parsed.MarketID).
					Updates(map[string]any{"frozen": true, "last_synced_at_utc": now})
				stats.Frozen++
				continue
			}
			parsed.Frozen = existing.Frozen
			parsed.LastSyncedAtUTC = now
			r.db.WithContext(ctx).Model(&Market{}).Where("market_id = ?", parsed.MarketID).Updates(parsed)
			stats.Updated++
		case err == gorm.ErrRecordNotFound:
			parsed.LastSyncedAtUTC = now
			if err := r.db.WithContext(ctx).Create(parsed).Error; err != nil {
				r.logger.Error("insert market failed", "market_id", parsed.MarketID, "error", err)
				stats.Skipped++
				continue
			}
			stats.Inserted++
		default:
			r.logger.Error("lookup market failed", "market_id", parsed.MarketID, "error", err)
			stats.Skipped++
		}
	}

	r.logger.Info("market sync complete",
		"inserted", stats.Inserted, "updated", stats.Updated, "frozen", stats.Frozen, "skipped", stats.Skipped)
	return stats
}

// Stats is a summary of the current registry contents.
type Stats struct {
	TotalMarkets   int64
	BinaryEligible int64
	Frozen         int64
	ByCategory     map[string]int64
}

// GetStats reports aggregate registry statistics for observability.
func (r *Registry) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	stats.ByCategory = make(map[string]int64)

	if err := r.db.WithContext(ctx).Model(&Market{}).Count(&stats.TotalMarkets).Error; err != nil {
		return stats, err
	}
	if err := r.db.WithContext(ctx).Model(&Market{}).Where("is_binary_eligible = ?", true).Count(&stats.BinaryEligible).Error; err != nil {
		return stats, err
	}
	if err := r.db.WithContext(ctx).Model(&Market{}).Where("frozen = ?", true).Count(&stats.Frozen).Error; err != nil {
		return stats, err
	}

	var rows []struct {
		Category string
		Count    int64
	}
	if err := r.db.WithContext(ctx).Model(&Market{}).Select("category, count(*) as count").Group("category").Find(&rows).Error; err != nil {
		return stats, err
	}
	for _, row := range rows {
		stats.ByCategory[row.Category] = row.Count
	}
	return stats, nil
}

// GetEligibleMarket returns the registry entry for a market if it
// exists, is binary-eligible, and is not frozen.
func (r *Registry) GetEligibleMarket(ctx context.Context, marketID string) (*Market, bool) {
	var m Market
	err := r.db.WithContext(ctx).Where("market_id = ? AND is_binary_eligible = ? AND frozen = ?", marketID, true, false).First(&m).Error
	if err != nil {
		return nil, false
	}
	return &m, true
}
