// Package injection implements the deterministic prompt-injection
// defense pattern engine that scans market and Tier-1 evidence text
// before it is ever handed to the AI swarm (spec §11).
package injection

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// Severity is one pattern's match severity (spec §11.1).
type Severity string

const (
	SeveritySuspicious        Severity = "SUSPICIOUS"
	SeverityInjectionDetected Severity = "INJECTION_DETECTED"
)

// MinVersion is the minimum accepted pattern_set_version.
const MinVersion = "1.0.0"

// Pattern is one compiled injection-detection rule.
type Pattern struct {
	PatternID string
	RegexUTF8 string
	Severity  Severity
	compiled  *regexp.Regexp
}

// Match records one firing pattern against a scanned text.
type Match struct {
	PatternID string
	Severity  Severity
	Text      string // truncated to 100 runes for logging
}

type patternSetFile struct {
	PatternSetVersion string `json:"pattern_set_version"`
	Patterns          []struct {
		PatternID string `json:"pattern_id"`
		RegexUTF8 string `json:"regex_utf8"`
		Severity  string `json:"severity"`
	} `json:"patterns"`
}

// Defence is the deterministic injection-pattern engine. A Defence
// loaded from an invalid or missing ruleset is permanently unusable
// (Valid == false) and Check always returns INJECTION_DETECTOR_INVALID
// until reloaded with a good file.
type Defence struct {
	patterns []Pattern
	version  string
	Valid    bool
	logger   *slog.Logger
}

// New constructs an empty, invalid Defence. Call Load to populate it.
func New(logger *slog.Logger) *Defence {
	return &Defence{version: "0.0.0", logger: logger}
}

// Load reads and compiles a signed injection_patterns.json ruleset.
func (d *Defence) Load(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		d.Valid = false
		return fmt.Errorf("injection patterns file not found: %w", err)
	}

	var file patternSetFile
	if err := json.Unmarshal(buf, &file); err != nil {
		d.Valid = false
		return fmt.Errorf("failed to parse injection patterns: %w", err)
	}

	d.version = file.PatternSetVersion
	if d.version == "" {
		d.version = "0.0.0"
	}
	if !versionGTE(d.version, MinVersion) {
		d.Valid = false
		return fmt.Errorf("injection pattern version %s < minimum %s", d.version, MinVersion)
	}

	patterns := make([]Pattern, 0, len(file.Patterns))
	for _, raw := range file.Patterns {
		sev := Severity(raw.Severity)
		if sev == "" {
			sev = SeveritySuspicious
		}
		compiled, err := regexp.Compile("(?i)" + raw.RegexUTF8)
		if err != nil {
			if d.logger != nil {
				d.logger.Error("invalid regex in injection pattern", "pattern_id", raw.PatternID, "error", err)
			}
			continue
		}
		patterns = append(patterns, Pattern{
			PatternID: raw.PatternID,
			RegexUTF8: raw.RegexUTF8,
			Severity:  sev,
			compiled:  compiled,
		})
	}

	d.patterns = patterns
	d.Valid = true
	return nil
}

func versionGTE(v1, v2 string) bool {
	p1, err1 := parseVersion(v1)
	p2, err2 := parseVersion(v2)
	if err1 != nil || err2 != nil {
		return false
	}
	for i := 0; i < len(p1) && i < len(p2); i++ {
		if p1[i] != p2[i] {
			return p1[i] > p2[i]
		}
	}
	return len(p1) >= len(p2)
}

func parseVersion(v string) ([]int, error) {
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// NormaliseForInjection implements spec §11.3's pre-detection
// normalization: Unicode NFKC, BOM strip, null-byte removal, and
// whitespace collapse.
func NormaliseForInjection(text string) string {
	text = norm.NFKC.String(text)
	text = strings.TrimPrefix(text, "﻿")
	text = strings.ReplaceAll(text, "\x00", "")
	fields := strings.Fields(text)
	return strings.Join(fields, " ")
}

// Scan normalizes text and returns every pattern match found.
func (d *Defence) Scan(text string) []Match {
	normalised := NormaliseForInjection(text)
	var matches []Match
	for _, p := range d.patterns {
		if p.compiled == nil {
			continue
		}
		found := p.compiled.FindString(normalised)
		if found != "" {
			runes := []rune(found)
			if len(runes) > 100 {
				runes = runes[:100]
			}
			matches = append(matches, Match{PatternID: p.PatternID, Severity: p.Severity, Text: string(runes)})
		}
	}
	return matches
}

// Check scans all texts and applies the spec §11.4 decision table:
// any INJECTION_DETECTED match, or a SUSPICIOUS match on a high-stakes
// candidate, or a SUSPICIOUS match with fewer than 2 Tier-1 evidence
// items, all yield NO_TRADE(INJECTION_DETECTED). An invalid (unloaded
// or unparseable) ruleset always yields NO_TRADE(INJECTION_DETECTOR_INVALID).
func (d *Defence) Check(texts []string, highStakes bool, tier1Count int) (bool, *polyconst.NoTradeReason, []Match) {
	if !d.Valid {
		r := polyconst.ReasonInjectionDetectorInvalid
		return false, &r, nil
	}

	var all []Match
	for _, t := range texts {
		all = append(all, d.Scan(t)...)
	}

	if len(all) == 0 {
		return true, nil, nil
	}

	for _, m := range all {
		if m.Severity == SeverityInjectionDetected {
			r := polyconst.ReasonInjectionDetected
			return false, &r, all
		}
	}

	hasSuspicious := false
	for _, m := range all {
		if m.Severity == SeveritySuspicious {
			hasSuspicious = true
			break
		}
	}

	if hasSuspicious {
		if highStakes {
			r := polyconst.ReasonInjectionDetected
			return false, &r, all
		}
		if tier1Count < 2 {
			r := polyconst.ReasonInjectionDetected
			return false, &r, all
		}
	}

	return true, nil, all
}
