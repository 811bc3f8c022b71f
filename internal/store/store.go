// Package store provides durable persistence for PolyEdge: a Postgres
// connection opener shared by the registry, watchlist, and AI-budget
// packages (spec §6–§8, §5.4), plus a crash-safe local JSON sidecar
// used purely for fast position recovery on restart, before the first
// REST-authority reconciliation pass re-confirms state against the
// exchange (spec §19).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/polyedge/polyedge/internal/risk"
)

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// OpenPostgres opens a GORM connection to dsn. Callers (registry,
// watchlist, aiswarm) run their own AutoMigrate against the returned
// handle — this package owns connection lifecycle only, not schema.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// positionSnapshot is the on-disk shape of a risk.Position sidecar
// file; money fields are stored as decimal strings to avoid any
// float round-tripping through JSON.
type positionSnapshot struct {
	MarketID    string    `json:"market_id"`
	Side        string    `json:"side"`
	NotionalUSD string    `json:"notional_usd"`
	EntryPrice  string    `json:"entry_price"`
	OpenedAtUTC time.Time `json:"opened_at_utc"`
}

// Snapshots persists risk.Position snapshots to JSON files in a
// designated directory, one file per market, using atomic
// write-then-rename to avoid partial writes on crash.
type Snapshots struct {
	dir string
	mu  sync.Mutex
}

// OpenSnapshots creates a Snapshots store backed by the given directory.
func OpenSnapshots(dir string) (*Snapshots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Snapshots{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Snapshots) Close() error {
	return nil
}

// SavePosition atomically persists pos for marketID.
func (s *Snapshots) SavePosition(marketID string, pos risk.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := positionSnapshot{
		MarketID:    pos.MarketID,
		Side:        string(pos.Side),
		NotionalUSD: pos.NotionalUSD.String(),
		EntryPrice:  pos.EntryPrice.String(),
		OpenedAtUTC: pos.OpenedAtUTC,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	path := filepath.Join(s.dir, "pos_"+marketID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadPosition restores a position snapshot for a market from disk.
// Returns nil, nil if no saved snapshot exists (fresh market). The
// caller must still treat this as provisional until reconciliation
// confirms it against the exchange.
func (s *Snapshots) LoadPosition(marketID string) (*risk.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "pos_"+marketID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read position: %w", err)
	}

	var snap positionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal position: %w", err)
	}

	notional, err := parseDecimal(snap.NotionalUSD)
	if err != nil {
		return nil, fmt.Errorf("parse notional_usd: %w", err)
	}
	entry, err := parseDecimal(snap.EntryPrice)
	if err != nil {
		return nil, fmt.Errorf("parse entry_price: %w", err)
	}

	return &risk.Position{
		MarketID:    snap.MarketID,
		Side:        risk.Side(snap.Side),
		NotionalUSD: notional,
		EntryPrice:  entry,
		OpenedAtUTC: snap.OpenedAtUTC,
	}, nil
}

// ListMarketIDs returns the market IDs with a saved snapshot, used on
// startup to know which positions to attempt to restore.
func (s *Snapshots) ListMarketIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if len(name) > len("pos_")+len(".json") && name[:4] == "pos_" && name[len(name)-5:] == ".json" {
			ids = append(ids, name[4:len(name)-5])
		}
	}
	return ids, nil
}
