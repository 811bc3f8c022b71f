package botstate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// ErrArming is returned for any failure of the two-step arming
// ceremony; the message names which check failed.
var ErrArming = errors.New("botstate: arming ceremony failed")

// ArmingRecord is the on-disk, per-process-bound arming file written
// at the end of step 2 and re-verified on every subsequent LIVE_ARMED
// entry attempt.
type ArmingRecord struct {
	ArmedAtUTC          int64  `json:"armed_at_utc"`
	ProcessStartUnixMs  int64  `json:"process_start_unix_ms"`
	Nonce1              string `json:"nonce1"`
	ArmingSignature     string `json:"arming_signature"`
}

// Ceremony drives the two-step TOTP + nonce arming flow described in
// spec §5.6: step 1 exchanges an operator TOTP code for a short-lived
// nonce; step 2 exchanges that nonce back for a signed, process-bound
// arming file on disk.
type Ceremony struct {
	processStartUnixMs int64
	secret             string
	totpSecret         string
	armingDir          string

	nonce1          string
	nonce1CreatedAt time.Time
	lastTOTPUsed    string
	lastTOTPUsedAt  time.Time
	armed           bool
}

// NewCeremony constructs a ceremony bound to this process's start time.
// totpSecret is the base32 TOTP seed provisioned out-of-band to the
// operator's authenticator app; secret is the LOCAL_STATE_SECRET used
// to HMAC-sign nonces and the arming file.
func NewCeremony(processStartUnixMs int64, totpSecret, secret, armingDir string) *Ceremony {
	return &Ceremony{
		processStartUnixMs: processStartUnixMs,
		secret:             secret,
		totpSecret:         totpSecret,
		armingDir:          armingDir,
	}
}

// IsArmed reports whether step 2 has completed successfully in this
// ceremony instance.
func (c *Ceremony) IsArmed() bool { return c.armed }

// Step1TOTP validates an operator-supplied TOTP code against the real
// RFC 6238 algorithm and, on success, mints nonce1. Replays of the same
// code within TOTPReplayBlockSec are rejected even if otherwise valid.
func (c *Ceremony) Step1TOTP(code string, now time.Time) (string, error) {
	if code == c.lastTOTPUsed {
		elapsed := now.Sub(c.lastTOTPUsedAt)
		if elapsed < polyconst.TOTPReplayBlockSec*time.Second {
			return "", fmt.Errorf("%w: TOTP replay blocked (%.0fs since last use)", ErrArming, elapsed.Seconds())
		}
	}

	valid, err := totp.ValidateCustom(code, c.totpSecret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    6,
		Algorithm: 0, // otp.AlgorithmSHA1, the RFC 6238 default
	})
	if err != nil {
		return "", fmt.Errorf("%w: TOTP validation error: %v", ErrArming, err)
	}
	if !valid {
		return "", fmt.Errorf("%w: TOTP code invalid", ErrArming)
	}

	c.lastTOTPUsed = code
	c.lastTOTPUsedAt = now

	nonceInput := fmt.Sprintf("%d.%d.%s", c.processStartUnixMs, now.UnixNano(), code)
	sum := sha256.Sum256([]byte(nonceInput))
	c.nonce1 = hex.EncodeToString(sum[:])[:16]
	c.nonce1CreatedAt = now

	return c.nonce1, nil
}

// Step2Confirm completes the ceremony: the operator echoes nonce1 back
// (out of band, e.g. via a second Telegram message), and on a match a
// signed, process-bound arming file is written to armingDir/arming.json.
func (c *Ceremony) Step2Confirm(nonce1 string, now time.Time) (*ArmingRecord, error) {
	if c.nonce1 == "" {
		return nil, fmt.Errorf("%w: step 1 not completed", ErrArming)
	}
	if now.Sub(c.nonce1CreatedAt) > polyconst.ArmingNonce1TTLSec*time.Second {
		c.nonce1 = ""
		return nil, fmt.Errorf("%w: nonce1 expired (>%ds)", ErrArming, polyconst.ArmingNonce1TTLSec)
	}
	if nonce1 != c.nonce1 {
		return nil, fmt.Errorf("%w: nonce1 mismatch", ErrArming)
	}

	sig := c.signArming(c.processStartUnixMs, c.nonce1)
	record := &ArmingRecord{
		ArmedAtUTC:         now.Unix(),
		ProcessStartUnixMs: c.processStartUnixMs,
		Nonce1:             c.nonce1,
		ArmingSignature:    sig,
	}

	if err := os.MkdirAll(c.armingDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating arming dir: %v", ErrArming, err)
	}
	path := filepath.Join(c.armingDir, "arming.json")
	buf, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: marshalling arming record: %v", ErrArming, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return nil, fmt.Errorf("%w: writing arming file: %v", ErrArming, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("%w: finalising arming file: %v", ErrArming, err)
	}

	c.armed = true
	c.nonce1 = "" // consume
	return record, nil
}

func (c *Ceremony) signArming(processStartUnixMs int64, nonce1 string) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(fmt.Sprintf("%d:%s", processStartUnixMs, nonce1)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyArmingFile re-checks an existing on-disk arming file: it must
// exist, be bound to this process's start time, be within
// ArmingFileMaxAgeSec of its own armed_at_utc, and carry a valid
// signature. All four checks must pass for a process to enter
// LIVE_ARMED on a path other than a just-completed Step2Confirm (e.g.
// after a benign restart that preserved the arming file).
func (c *Ceremony) VerifyArmingFile(now time.Time) (bool, string) {
	path := filepath.Join(c.armingDir, "arming.json")
	buf, err := os.ReadFile(path)
	if err != nil {
		return false, "arming file not found"
	}

	var record ArmingRecord
	if err := json.Unmarshal(buf, &record); err != nil {
		return false, fmt.Sprintf("arming file unreadable: %v", err)
	}

	if record.ProcessStartUnixMs != c.processStartUnixMs {
		return false, "arming file bound to different process"
	}

	age := now.Sub(time.Unix(record.ArmedAtUTC, 0))
	if age > polyconst.ArmingFileMaxAgeSec*time.Second {
		return false, fmt.Sprintf("arming file expired (%.0fs > %ds)", age.Seconds(), polyconst.ArmingFileMaxAgeSec)
	}

	expected := c.signArming(record.ProcessStartUnixMs, record.Nonce1)
	if record.ArmingSignature != expected {
		return false, "arming signature mismatch"
	}

	c.armed = true
	return true, "armed"
}
