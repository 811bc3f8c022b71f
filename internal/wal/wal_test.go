package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteThenReadAllRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.jsonl")
	w := NewWriter(path)
	if err := w.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	now := time.Now()
	rec, err := w.Write(RecordOrderIntent, map[string]any{
		"decision_id_hex": "abc123",
		"market_id":       "m1",
		"side":            "YES",
		"price":           0.55,
		"size_usd_cents":  1000,
	}, now)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.PayloadHash == "" {
		t.Fatal("expected a non-empty payload hash")
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].RecordType != RecordOrderIntent {
		t.Fatalf("expected ORDER_INTENT, got %v", records[0].RecordType)
	}
	if records[0].PayloadHash != rec.PayloadHash {
		t.Fatalf("hash mismatch after round trip: wrote %s, read %s", rec.PayloadHash, records[0].PayloadHash)
	}
}

func TestReadAllMissingFileIsEmptyNotError(t *testing.T) {
	records, err := ReadAll(filepath.Join(t.TempDir(), "nope.jsonl"))
	if err != nil {
		t.Fatalf("expected no error for missing wal, got %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestWriteRejectsUnknownRecordType(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "wal.jsonl"))
	if err := w.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if _, err := w.Write("NOT_A_REAL_TYPE", map[string]any{}, time.Now()); err == nil {
		t.Fatal("expected an error for an invalid record type")
	}
}

func TestContentHashExcludesTimestamp(t *testing.T) {
	payload := map[string]any{"decision_id_hex": "abc123", "market_id": "m1"}
	h1 := ContentHash("event-1", RecordOrderIntent, payload)
	h2 := ContentHash("event-1", RecordOrderIntent, payload)
	if h1 != h2 {
		t.Fatal("identical event_id/record_type/payload must hash identically regardless of when computed")
	}

	hOther := ContentHash("event-2", RecordOrderIntent, payload)
	if h1 == hOther {
		t.Fatal("differing event_id must change the hash")
	}
}

func TestContentHashStableUnderKeyReordering(t *testing.T) {
	a := map[string]any{"z": 1, "a": 2, "m": "x"}
	b := map[string]any{"m": "x", "a": 2, "z": 1}
	if ContentHash("e1", RecordStateChanged, a) != ContentHash("e1", RecordStateChanged, b) {
		t.Fatal("canonical JSON must sort keys so insertion order never affects the hash")
	}
}

func TestReadAllDetectsCorruptLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.jsonl")
	w := NewWriter(path)
	if err := w.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.Write(RecordStateChanged, map[string]any{"state": "PAPER_TRADING"}, time.Now()); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	appendRaw(t, path, "{not valid json\n")

	_, err := ReadAll(path)
	if err == nil {
		t.Fatal("expected a corrupt-line error")
	}
}

func TestReplayAdoptsUnresolvedOrderIntentAsOrphan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.jsonl")
	w := NewWriter(path)
	if err := w.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Now()
	if _, err := w.Write(RecordOrderIntent, map[string]any{
		"decision_id_hex": "resolved-1",
		"market_id":       "m1",
		"side":            "YES",
		"price":           0.5,
		"size_usd_cents":  500,
	}, now); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write(RecordOrderResult, map[string]any{
		"decision_id_hex": "resolved-1",
		"status":          "FILLED",
	}, now.Add(time.Second)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write(RecordOrderIntent, map[string]any{
		"decision_id_hex": "orphan-1",
		"market_id":       "m2",
		"side":            "NO",
		"price":           0.4,
		"size_usd_cents":  750,
	}, now.Add(2*time.Second)); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}

	seen := make(map[string]bool)
	stats, orphans := Replay(records, seen)

	if stats.Inserted != 3 || stats.Skipped != 0 {
		t.Fatalf("expected 3 fresh inserts on first replay, got %+v", stats)
	}
	if len(orphans) != 1 || orphans[0].DecisionIDHex != "orphan-1" {
		t.Fatalf("expected exactly the unresolved intent adopted as an orphan, got %+v", orphans)
	}
	if orphans[0].MarketID != "m2" || orphans[0].Side != "NO" {
		t.Fatalf("orphan fields not carried through correctly: %+v", orphans[0])
	}

	// Replaying the same records again must dedup by hash and report no new orphans inserted.
	statsAgain, orphansAgain := Replay(records, seen)
	if statsAgain.Inserted != 0 || statsAgain.Skipped != 3 {
		t.Fatalf("expected full dedup on second replay, got %+v", statsAgain)
	}
	if len(orphansAgain) != 1 {
		t.Fatalf("orphan detection is independent of the dedup set and must still report the same orphan, got %+v", orphansAgain)
	}
}

func TestReplayNoOrphansWhenAllIntentsResolved(t *testing.T) {
	now := time.Now()
	records := []Record{
		{EventID: "e1", RecordType: RecordOrderIntent, TsUTC: now, Payload: map[string]any{"decision_id_hex": "d1"}, PayloadHash: "h1"},
		{EventID: "e2", RecordType: RecordOrderIntentAborted, TsUTC: now, Payload: map[string]any{"decision_id_hex": "d1"}, PayloadHash: "h2"},
	}
	_, orphans := Replay(records, make(map[string]bool))
	if len(orphans) != 0 {
		t.Fatalf("an aborted intent must not be adopted as an orphan, got %+v", orphans)
	}
}

func appendRaw(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(s); err != nil {
		t.Fatalf("append: %v", err)
	}
}
