package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/polyedge/polyedge/internal/botstate"
	"github.com/polyedge/polyedge/internal/polyconst"
)

// botStateFileName is the JSON sidecar botstate.State is persisted to,
// following store.Snapshots' atomic write-then-rename pattern since
// botstate carries no GORM model of its own.
const botStateFileName = "bot_state.json"

func botStatePath(snapshotDir string) string {
	return filepath.Join(snapshotDir, botStateFileName)
}

// onDiskState is the JSON shape of a persisted botstate.State; the
// HMAC signature round-trips as hex so a tampered file is detectable
// on load without needing a binary-safe encoding.
type onDiskState struct {
	State           polyconst.BotState `json:"state"`
	Counter         int64              `json:"counter"`
	TsUTC           time.Time          `json:"ts_utc"`
	ArmedUntilUTC   *time.Time         `json:"armed_until_utc,omitempty"`
	HaltUntilUTC    *time.Time         `json:"halt_until_utc,omitempty"`
	HaltResumeState polyconst.BotState `json:"halt_resume_state,omitempty"`
	SignatureHex    string             `json:"signature_hex"`
}

// SaveBotState atomically persists state to snapshotDir.
func SaveBotState(snapshotDir string, state *botstate.State) error {
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	disk := onDiskState{
		State:           state.State,
		Counter:         state.Counter,
		TsUTC:           state.TsUTC,
		ArmedUntilUTC:   state.ArmedUntilUTC,
		HaltUntilUTC:    state.HaltUntilUTC,
		HaltResumeState: state.HaltResumeState,
		SignatureHex:    fmt.Sprintf("%x", state.Signature),
	}
	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bot state: %w", err)
	}

	path := botStatePath(snapshotDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write bot state tmp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename bot state file: %w", err)
	}
	return nil
}

// loadBotStateFile reads a persisted state from snapshotDir, or
// (nil, nil) if none exists yet — botstate.Initialise treats that as
// a fresh deployment.
func loadBotStateFile(snapshotDir string) (*botstate.State, error) {
	data, err := os.ReadFile(botStatePath(snapshotDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bot state file: %w", err)
	}

	var disk onDiskState
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, fmt.Errorf("unmarshal bot state file: %w", err)
	}

	var sig []byte
	if _, err := fmt.Sscanf(disk.SignatureHex, "%x", &sig); err != nil {
		return nil, fmt.Errorf("decode bot state signature: %w", err)
	}

	return &botstate.State{
		State:           disk.State,
		Counter:         disk.Counter,
		TsUTC:           disk.TsUTC,
		ArmedUntilUTC:   disk.ArmedUntilUTC,
		HaltUntilUTC:    disk.HaltUntilUTC,
		HaltResumeState: disk.HaltResumeState,
		Signature:       sig,
	}, nil
}

// LoadOrInitBotState satisfies startup.Deps.LoadBotState. It loads the
// durable state, verifying its signature, and reports the state as it
// was BEFORE any force-downgrade — startup's degraded-flag check
// (spec §5.4 step 5) needs to see LIVE_ARMED/LIVE_TRADING to flag the
// recovery, even though the in-memory and persisted state is already
// downgraded to OBSERVE_ONLY by the time this returns.
func LoadOrInitBotState(snapshotDir, stateSecret string, now time.Time) (*botstate.State, polyconst.BotState, error) {
	existing, err := loadBotStateFile(snapshotDir)
	if err != nil {
		return nil, "", err
	}

	if existing == nil {
		fresh := botstate.New(now, stateSecret)
		if err := SaveBotState(snapshotDir, fresh); err != nil {
			return nil, "", fmt.Errorf("persist bot state: %w", err)
		}
		return fresh, polyconst.StateObserveOnly, nil
	}

	if !existing.VerifySignature(stateSecret) {
		return nil, "", botstate.ErrSignature
	}

	prior := existing.State
	existing.ForceDowngrade(now, stateSecret)
	if err := SaveBotState(snapshotDir, existing); err != nil {
		return nil, "", fmt.Errorf("persist bot state: %w", err)
	}
	return existing, prior, nil
}
