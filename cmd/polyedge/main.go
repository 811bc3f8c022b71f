// PolyEdge — an autonomous edge-detection and directional trading
// automator for Polymarket binary prediction markets.
//
// Architecture:
//
//	main.go                 — entry point: runs the startup ladder, then the engine, until SIGINT/SIGTERM
//	internal/startup        — the 11-step pre-flight ladder every boot must clear before trading
//	internal/engine         — orchestrator: fast loop, candidate pipeline, risk, execution, reconciliation
//	internal/registry       — Gamma market catalog sync and binary-eligibility filtering
//	internal/watchlist      — scoring, probation, and quarantine for the markets under active watch
//	internal/candidates     — trigger detection, rate limiting, candidate lifecycle
//	internal/filters        — coarse per-candidate market-quality and book-sanity checks
//	internal/evidence       — thesis-required evidence fetch, conflict detection, reliability tiering
//	internal/injection      — prompt-injection pattern defence over market text and fetched evidence
//	internal/aiswarm        — 4-model OpenRouter swarm dispatch, quorum, and budget reservation
//	internal/calibration    — WAI trust weighting and p_eff blending between market and AI price
//	internal/decisionengine — EV-gated directional decision: YES, NO, or no trade
//	internal/risk           — per-market and global exposure limits, daily stop-loss, halts
//	internal/locks          — per-market distributed submission locks
//	internal/execution      — paper and live order submission and fill simulation
//	internal/wal            — write-ahead log of every order intent and result
//	internal/reconcile      — local-vs-remote position reconciliation and mismatch classification
//	internal/exchange       — Polymarket CLOB REST client, L1/L2 auth, and market WebSocket feed
//
// PolyEdge holds at most one directional position (YES or NO) per
// market at a time; it never quotes both sides of a book.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polyedge/polyedge/internal/aiswarm"
	"github.com/polyedge/polyedge/internal/botstate"
	"github.com/polyedge/polyedge/internal/config"
	"github.com/polyedge/polyedge/internal/engine"
	"github.com/polyedge/polyedge/internal/polyconst"
	"github.com/polyedge/polyedge/internal/registry"
	"github.com/polyedge/polyedge/internal/secrets"
	"github.com/polyedge/polyedge/internal/startup"
	"github.com/polyedge/polyedge/internal/store"
	"github.com/polyedge/polyedge/internal/wal"
	"github.com/polyedge/polyedge/internal/watchlist"
	"github.com/shopspring/decimal"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(newLogHandler(cfg.Logging))

	secretValues, err := secrets.Load(cfg.Secrets.SecretsDir)
	if err != nil {
		logger.Error("secrets validation failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !runStartupLadder(ctx, *cfg, logger) {
		os.Exit(1)
	}

	eng, err := engine.New(*cfg, secretValues, logger)
	if err != nil {
		logger.Error("failed to construct engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("polyedge started", "wallet_usd", cfg.Wallet.StartingBalanceUSD, "dry_run", cfg.DryRun)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping engine")
	eng.Stop()
}

// runStartupLadder builds the startup.Deps the 11-step ladder needs
// from cfg and runs it, logging every blocker and degraded step. A
// blocker always halts before the engine is constructed (spec §5.4);
// a degraded step is logged and startup proceeds.
func runStartupLadder(ctx context.Context, cfg config.Config, logger *slog.Logger) bool {
	deps := startup.Deps{
		ConfigDir:   cfg.ConfigSigning.ConfigDir,
		SecretsDir:  cfg.Secrets.SecretsDir,
		OperatorKey: cfg.ConfigSigning.OperatorKey,
		DatabaseURL: cfg.Store.PostgresDSN,
		Migrate:     migrateFunc(cfg, logger),
		VerifyWAL:   verifyWALFunc(cfg.Store.WALPath),
		LoadBotState: func(now time.Time) (*botstate.State, polyconst.BotState, error) {
			return engine.LoadOrInitBotState(cfg.Store.SnapshotDir, cfg.ConfigSigning.OperatorKey, now)
		},
		ExchangeTime:     nil,
		ReconcileInitial: reconcileInitialFunc(cfg, logger),
	}

	seq := startup.New(deps)
	passed, report := seq.RunAll(ctx, time.Now())

	for _, name := range report.StepsCompleted {
		logger.Info("startup step completed", "step", name)
	}
	for _, degraded := range report.DegradedFlags {
		logger.Warn("startup step degraded", "step", degraded)
	}
	for _, b := range report.Blockers {
		logger.Error("startup step blocked", "step", b.Step, "reason", b.Reason)
	}

	return passed
}

// migrateFunc runs every package's own AutoMigrate against a
// throwaway connection, mirroring what engine.New does again when it
// opens its real connection moments later — AutoMigrate is idempotent,
// so running it twice at boot costs nothing and lets a schema problem
// surface during the startup ladder rather than mid-engine-construction.
func migrateFunc(cfg config.Config, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		db, err := store.OpenPostgres(cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		if _, err := registry.New(cfg.API.GammaBaseURL, db, logger); err != nil {
			return fmt.Errorf("migrate registry: %w", err)
		}
		if _, err := watchlist.New(db, logger); err != nil {
			return fmt.Errorf("migrate watchlist: %w", err)
		}
		walletUSD := decimal.NewFromFloat(cfg.Wallet.StartingBalanceUSD)
		if _, err := aiswarm.NewBudgetManager(db, walletUSD); err != nil {
			return fmt.Errorf("migrate ai budget manager: %w", err)
		}
		return nil
	}
}

func verifyWALFunc(path string) func() error {
	return func() error {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		_, err := wal.ReadAll(path)
		return err
	}
}

// reconcileInitialFunc checks that the local snapshot store opens
// cleanly before the engine's own reconciliation loop takes over.
// There is no position-query endpoint on the exchange client (spec
// gap, noted in internal/engine/engine.go's reconcileOnce), so this
// cannot compare against a remote view yet — it only verifies the
// local store is readable.
func reconcileInitialFunc(cfg config.Config, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		snapshots, err := store.OpenSnapshots(cfg.Store.SnapshotDir)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		defer snapshots.Close()
		ids, err := snapshots.ListMarketIDs()
		if err != nil {
			return fmt.Errorf("list snapshot market ids: %w", err)
		}
		logger.Info("initial reconciliation: local snapshot store ok", "positions", len(ids))
		return nil
	}
}

func newLogHandler(cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
