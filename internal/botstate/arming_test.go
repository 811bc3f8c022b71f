package botstate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func genTOTP(t *testing.T, secret string, now time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, now, totp.ValidateOpts{
		Period: 30, Skew: 1, Digits: 6, Algorithm: 0,
	})
	if err != nil {
		t.Fatalf("generating totp code: %v", err)
	}
	return code
}

func TestArmingCeremonyFullFlow(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	const totpSecret = "JBSWY3DPEHPK3PXP"

	c := NewCeremony(now.UnixMilli(), totpSecret, "local-state-secret", dir)

	code := genTOTP(t, totpSecret, now)
	nonce1, err := c.Step1TOTP(code, now)
	if err != nil {
		t.Fatalf("step1 failed: %v", err)
	}
	if nonce1 == "" {
		t.Fatal("want non-empty nonce1")
	}

	record, err := c.Step2Confirm(nonce1, now.Add(time.Second))
	if err != nil {
		t.Fatalf("step2 failed: %v", err)
	}
	if !c.IsArmed() {
		t.Fatal("ceremony should report armed after step2")
	}
	if record.ProcessStartUnixMs != now.UnixMilli() {
		t.Fatal("arming record must bind to process start")
	}

	ok, msg := c.VerifyArmingFile(now.Add(2 * time.Second))
	if !ok {
		t.Fatalf("want valid arming file, got: %s", msg)
	}
}

func TestArmingRejectsTOTPReplay(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	const totpSecret = "JBSWY3DPEHPK3PXP"
	c := NewCeremony(now.UnixMilli(), totpSecret, "secret", dir)

	code := genTOTP(t, totpSecret, now)
	if _, err := c.Step1TOTP(code, now); err != nil {
		t.Fatalf("first use should succeed: %v", err)
	}
	if _, err := c.Step1TOTP(code, now.Add(5*time.Second)); err == nil {
		t.Fatal("want replay rejection within TOTPReplayBlockSec")
	}
}

func TestArmingRejectsExpiredNonce(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	const totpSecret = "JBSWY3DPEHPK3PXP"
	c := NewCeremony(now.UnixMilli(), totpSecret, "secret", dir)

	code := genTOTP(t, totpSecret, now)
	nonce1, err := c.Step1TOTP(code, now)
	if err != nil {
		t.Fatalf("step1: %v", err)
	}
	_, err = c.Step2Confirm(nonce1, now.Add(10*time.Minute))
	if err == nil {
		t.Fatal("want expiry error for stale nonce1")
	}
}

func TestArmingRejectsNonceMismatch(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	const totpSecret = "JBSWY3DPEHPK3PXP"
	c := NewCeremony(now.UnixMilli(), totpSecret, "secret", dir)

	code := genTOTP(t, totpSecret, now)
	if _, err := c.Step1TOTP(code, now); err != nil {
		t.Fatalf("step1: %v", err)
	}
	if _, err := c.Step2Confirm("wrong-nonce", now); err == nil {
		t.Fatal("want mismatch error")
	}
}

func TestVerifyArmingFileMissing(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	c := NewCeremony(now.UnixMilli(), "JBSWY3DPEHPK3PXP", "secret", dir)
	ok, _ := c.VerifyArmingFile(now)
	if ok {
		t.Fatal("want failure when arming.json is absent")
	}
	_ = filepath.Join(dir, "arming.json")
}
