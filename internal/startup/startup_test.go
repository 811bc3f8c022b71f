package startup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polyedge/polyedge/internal/botstate"
	"github.com/polyedge/polyedge/internal/configsign"
	"github.com/polyedge/polyedge/internal/polyconst"
	"github.com/polyedge/polyedge/internal/secrets"
)

const testOperatorKey = "test-operator-key"

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func fullConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"))
	writeFile(t, filepath.Join(dir, "evidence_sources.json"))
	writeFile(t, filepath.Join(dir, "injection_patterns.json"))
	writeFile(t, filepath.Join(dir, "model_pricing.json"))
	if _, err := configsign.GenerateManifest(dir, testOperatorKey); err != nil {
		t.Fatalf("GenerateManifest: %v", err)
	}
	return dir
}

func fullSecretsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range secrets.Required {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("value-for-"+name), 0o600); err != nil {
			t.Fatalf("write secret %s: %v", name, err)
		}
	}
	return dir
}

func baseDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		ConfigDir:   fullConfigDir(t),
		SecretsDir:  fullSecretsDir(t),
		OperatorKey: testOperatorKey,
		Migrate:     func(ctx context.Context) error { return nil },
		VerifyWAL:   func() error { return nil },
		LoadBotState: func(now time.Time) (*botstate.State, polyconst.BotState, error) {
			return nil, polyconst.StateObserveOnly, nil
		},
		ExchangeTime:     func(ctx context.Context) (time.Time, error) { return time.Now(), nil },
		ReconcileInitial: func(ctx context.Context) error { return nil },
	}
}

func TestRunAllPassesWithEveryDepHealthy(t *testing.T) {
	deps := baseDeps(t)
	now := time.Now()
	deps.ExchangeTime = func(ctx context.Context) (time.Time, error) { return now, nil }

	seq := New(deps)
	passed, report := seq.RunAll(context.Background(), now)
	if !passed {
		t.Fatalf("expected all steps to pass, got blockers: %+v", report.Blockers)
	}
	if len(report.StepsCompleted) != len(stepOrder) {
		t.Fatalf("expected %d steps completed, got %d", len(stepOrder), len(report.StepsCompleted))
	}
	if len(report.DegradedFlags) != 0 {
		t.Fatalf("expected no degraded flags, got %v", report.DegradedFlags)
	}
}

func TestMissingConfigManifestBlocks(t *testing.T) {
	deps := baseDeps(t)
	deps.ConfigDir = t.TempDir() // no manifest.json

	seq := New(deps)
	passed, report := seq.RunAll(context.Background(), time.Now())
	if passed {
		t.Fatal("expected startup to block on missing config manifest")
	}
	if len(report.Blockers) != 1 || report.Blockers[0].Step != StepConfigVerify {
		t.Fatalf("expected single blocker at %s, got %+v", StepConfigVerify, report.Blockers)
	}
	if len(report.StepsCompleted) != 0 {
		t.Fatalf("expected no steps completed after first blocker, got %v", report.StepsCompleted)
	}
}

func TestInsecureSecretFileBlocks(t *testing.T) {
	deps := baseDeps(t)
	if err := os.WriteFile(filepath.Join(deps.SecretsDir, "LOCAL_STATE_SECRET"), []byte("leaked"), 0o644); err != nil {
		t.Fatalf("chmod-world-readable secret: %v", err)
	}

	seq := New(deps)
	passed, report := seq.RunAll(context.Background(), time.Now())
	if passed {
		t.Fatal("expected a world-readable secret file to block startup")
	}
	if report.Blockers[0].Step != StepSecretsVerify {
		t.Fatalf("expected blocker at %s, got %s", StepSecretsVerify, report.Blockers[0].Step)
	}
}

func TestMissingSecretsDirDegradesNotBlocks(t *testing.T) {
	deps := baseDeps(t)
	deps.SecretsDir = ""

	seq := New(deps)
	passed, report := seq.RunAll(context.Background(), time.Now())
	if !passed {
		t.Fatalf("an unconfigured secrets directory should degrade, not block: %+v", report.Blockers)
	}
	found := false
	for _, f := range report.DegradedFlags {
		if f == StepSecretsVerify {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in degraded flags, got %v", StepSecretsVerify, report.DegradedFlags)
	}
}

func TestDBMigrateFailureBlocksAndHaltsLaterSteps(t *testing.T) {
	deps := baseDeps(t)
	migrateCalled := false
	deps.Migrate = func(ctx context.Context) error {
		migrateCalled = true
		return errors.New("schema mismatch")
	}
	reconcileCalled := false
	deps.ReconcileInitial = func(ctx context.Context) error {
		reconcileCalled = true
		return nil
	}

	seq := New(deps)
	passed, report := seq.RunAll(context.Background(), time.Now())
	if passed {
		t.Fatal("expected migration failure to block startup")
	}
	if !migrateCalled {
		t.Fatal("expected migrate to be invoked")
	}
	if reconcileCalled {
		t.Fatal("a step after a blocker must never run")
	}
	if report.Blockers[0].Step != StepDBMigrate {
		t.Fatalf("expected blocker at %s, got %s", StepDBMigrate, report.Blockers[0].Step)
	}
}

func TestCorruptWALBlocksStartup(t *testing.T) {
	deps := baseDeps(t)
	deps.VerifyWAL = func() error { return errors.New("wal: corrupted at line 4") }

	seq := New(deps)
	passed, report := seq.RunAll(context.Background(), time.Now())
	if passed {
		t.Fatal("expected corrupt wal to block startup")
	}
	if report.Blockers[0].Step != StepWALVerify {
		t.Fatalf("expected blocker at %s, got %s", StepWALVerify, report.Blockers[0].Step)
	}
}

func TestRecoveredLiveStateDowngradesWithDegradedFlag(t *testing.T) {
	deps := baseDeps(t)
	deps.LoadBotState = func(now time.Time) (*botstate.State, polyconst.BotState, error) {
		return nil, polyconst.StateLiveTrading, nil
	}

	seq := New(deps)
	passed, report := seq.RunAll(context.Background(), time.Now())
	if !passed {
		t.Fatalf("a recovered LIVE_TRADING state must degrade, not block: %+v", report.Blockers)
	}
	found := false
	for _, f := range report.DegradedFlags {
		if f == StepBotStateLoad {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in degraded flags, got %v", StepBotStateLoad, report.DegradedFlags)
	}
}

func TestBotStateLoadErrorBlocks(t *testing.T) {
	deps := baseDeps(t)
	deps.LoadBotState = func(now time.Time) (*botstate.State, polyconst.BotState, error) {
		return nil, "", errors.New("signature mismatch")
	}

	seq := New(deps)
	passed, report := seq.RunAll(context.Background(), time.Now())
	if passed {
		t.Fatal("expected bot state load error to block startup")
	}
	if report.Blockers[0].Step != StepBotStateLoad {
		t.Fatalf("expected blocker at %s, got %s", StepBotStateLoad, report.Blockers[0].Step)
	}
}

func TestClockSkewWithinToleranceDoesNotDegrade(t *testing.T) {
	deps := baseDeps(t)
	now := time.Now()
	deps.ExchangeTime = func(ctx context.Context) (time.Time, error) { return now.Add(2 * time.Second), nil }

	seq := New(deps)
	passed, report := seq.RunAll(context.Background(), now)
	if !passed {
		t.Fatalf("2s skew is within ClockSkewMaxSec and must not block: %+v", report.Blockers)
	}
}

func TestClockSkewBeyondToleranceBlocks(t *testing.T) {
	deps := baseDeps(t)
	now := time.Now()
	deps.ExchangeTime = func(ctx context.Context) (time.Time, error) {
		return now.Add(time.Duration(polyconst.ClockSkewMaxSec+30) * time.Second), nil
	}

	seq := New(deps)
	passed, report := seq.RunAll(context.Background(), now)
	if passed {
		t.Fatal("expected excessive clock skew to block startup")
	}
	if report.Blockers[0].Step != StepClockDrift {
		t.Fatalf("expected blocker at %s, got %s", StepClockDrift, report.Blockers[0].Step)
	}
}

func TestUnreachableTimeSourceBlocksRatherThanSkipsSkewCheck(t *testing.T) {
	deps := baseDeps(t)
	deps.ExchangeTime = func(ctx context.Context) (time.Time, error) {
		return time.Time{}, errors.New("dial tcp: connection refused")
	}

	seq := New(deps)
	passed, _ := seq.RunAll(context.Background(), time.Now())
	if passed {
		t.Fatal("an unreachable trusted time source must block, not silently skip the skew check")
	}
}

func TestMissingTimeSourceDegradesInsteadOfBlocking(t *testing.T) {
	deps := baseDeps(t)
	deps.ExchangeTime = nil

	seq := New(deps)
	passed, report := seq.RunAll(context.Background(), time.Now())
	if !passed {
		t.Fatalf("a deployment with no configured time source should degrade, not block: %+v", report.Blockers)
	}
	found := false
	for _, f := range report.DegradedFlags {
		if f == StepClockDrift {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in degraded flags, got %v", StepClockDrift, report.DegradedFlags)
	}
}

func TestReconcileFailureDegradesRatherThanBlocks(t *testing.T) {
	deps := baseDeps(t)
	deps.ReconcileInitial = func(ctx context.Context) error { return errors.New("exchange unreachable") }

	seq := New(deps)
	passed, report := seq.RunAll(context.Background(), time.Now())
	if !passed {
		t.Fatalf("reconciliation failure must degrade, not block, startup: %+v", report.Blockers)
	}
	found := false
	for _, f := range report.DegradedFlags {
		if f == StepReconcileInitial {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in degraded flags, got %v", StepReconcileInitial, report.DegradedFlags)
	}
}

func TestForceObserveOnlyAlwaysRunsLast(t *testing.T) {
	deps := baseDeps(t)
	seq := New(deps)
	_, report := seq.RunAll(context.Background(), time.Now())
	if len(report.StepsCompleted) == 0 {
		t.Fatal("expected steps to complete")
	}
	last := report.StepsCompleted[len(report.StepsCompleted)-1]
	if last != StepForceObserveOnly {
		t.Fatalf("expected %s to run last, got %s", StepForceObserveOnly, last)
	}
}
