// Package botstate manages the singleton durable bot state machine and
// the two-step TOTP arming ceremony that gates LIVE_ARMED entry.
package botstate

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/polyedge/polyedge/internal/polyconst"
)

var (
	// ErrSignature is returned when a loaded state's HMAC signature
	// does not match its recorded fields — the durable store may have
	// been tampered with, and the caller must halt.
	ErrSignature = errors.New("botstate: signature verification failed, possible tampering")
	// ErrInvalidState is returned when constructing a State with a
	// value outside polyconst.ValidStates.
	ErrInvalidState = errors.New("botstate: invalid state value")
	// ErrInvalidTransition is returned by Transition for a move not in
	// the allowed transition table.
	ErrInvalidTransition = errors.New("botstate: invalid state transition")
)

// State is the singleton durable bot_state row.
type State struct {
	State           polyconst.BotState
	Counter         int64
	TsUTC           time.Time
	ArmedUntilUTC   *time.Time
	HaltUntilUTC    *time.Time
	HaltResumeState polyconst.BotState
	Signature       []byte
}

// allowedTransitions enumerates the legal state graph. OBSERVE_ONLY is
// the universal safe-landing state reachable from anywhere via a halt.
var allowedTransitions = map[polyconst.BotState][]polyconst.BotState{
	polyconst.StateObserveOnly:  {polyconst.StatePaperTrading, polyconst.StateHalted, polyconst.StateHaltedDaily},
	polyconst.StatePaperTrading: {polyconst.StateObserveOnly, polyconst.StateLiveArmed, polyconst.StateHalted, polyconst.StateHaltedDaily},
	polyconst.StateLiveArmed:    {polyconst.StateLiveTrading, polyconst.StateObserveOnly, polyconst.StateHalted, polyconst.StateHaltedDaily},
	polyconst.StateLiveTrading:  {polyconst.StateObserveOnly, polyconst.StateHalted, polyconst.StateHaltedDaily},
	polyconst.StateHalted:       {polyconst.StateObserveOnly},
	polyconst.StateHaltedDaily:  {polyconst.StateObserveOnly},
}

func canonicalSignaturePayload(state polyconst.BotState, counter int64, tsUTC time.Time) []byte {
	return []byte(fmt.Sprintf("state=%s|counter=%d|ts_utc=%s", state, counter, tsUTC.Format(time.RFC3339Nano)))
}

// Sign computes and sets the HMAC-SHA256 signature over the canonical
// state fields, using secret as the HMAC key.
func (s *State) Sign(secret string) {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonicalSignaturePayload(s.State, s.Counter, s.TsUTC))
	s.Signature = mac.Sum(nil)
}

// VerifySignature checks the state's recorded signature against a
// freshly computed one using constant-time comparison.
func (s *State) VerifySignature(secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonicalSignaturePayload(s.State, s.Counter, s.TsUTC))
	expected := mac.Sum(nil)
	return hmac.Equal(s.Signature, expected)
}

// New constructs an OBSERVE_ONLY state with counter 1, the initial
// state for a fresh durable store.
func New(now time.Time, secret string) *State {
	s := &State{State: polyconst.StateObserveOnly, Counter: 1, TsUTC: now}
	s.Sign(secret)
	return s
}

// Transition moves the state machine to next, bumping the counter,
// refreshing the timestamp, and re-signing. Returns ErrInvalidTransition
// if next is not reachable from the current state.
func (s *State) Transition(next polyconst.BotState, now time.Time, secret string) error {
	if !polyconst.ValidStates[next] {
		return ErrInvalidState
	}
	allowed := allowedTransitions[s.State]
	ok := false
	for _, a := range allowed {
		if a == next {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, next)
	}
	s.State = next
	s.Counter++
	s.TsUTC = now
	if next != polyconst.StateLiveArmed {
		s.ArmedUntilUTC = nil
	}
	s.Sign(secret)
	return nil
}

// ForceDowngrade applies spec §5.4 step 5: on process startup, a
// recovered LIVE_ARMED or LIVE_TRADING state is always force-downgraded
// to OBSERVE_ONLY, since neither an armed ceremony nor an in-flight
// trading session survives a restart. Returns the prior state if a
// downgrade occurred, or "" if none was needed.
func (s *State) ForceDowngrade(now time.Time, secret string) polyconst.BotState {
	if s.State != polyconst.StateLiveArmed && s.State != polyconst.StateLiveTrading {
		return ""
	}
	prior := s.State
	s.State = polyconst.StateObserveOnly
	s.Counter++
	s.TsUTC = now
	s.ArmedUntilUTC = nil
	s.Sign(secret)
	return prior
}

// Initialise loads an existing signed state or creates a fresh
// OBSERVE_ONLY one, applying the startup force-downgrade rule. The
// loader function abstracts over the durable store (internal/store).
func Initialise(now time.Time, secret string, load func() (*State, error)) (*State, error) {
	existing, err := load()
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return New(now, secret), nil
	}
	if !existing.VerifySignature(secret) {
		return nil, ErrSignature
	}
	existing.ForceDowngrade(now, secret)
	return existing, nil
}
