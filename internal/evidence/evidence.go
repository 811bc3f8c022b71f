// Package evidence builds deterministic, source-allowlisted evidence
// bundles for thesis-required and high-stakes candidates, and detects
// conflicts between higher-reliability sources (spec §10).
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polyedge/polyedge/internal/polyconst"
)

const (
	MaxEvidenceItems          = 6
	MaxEvidenceBytesTotal     = 250 * 1024
	MaxEvidenceTextCharsTotal = 40000
	defaultSourceTTL          = time.Hour
)

// Mode names the evidence-gathering strictness for a candidate (spec §10.2).
type Mode string

const (
	ModeStrict                   Mode = "STRICT"
	ModeMarketOnly                Mode = "MARKET_ONLY"
	ModeStrictWithCorroboration   Mode = "STRICT_WITH_CORROBORATION"
)

// DefaultSubjectiveTerms force THESIS_REQUIRED when present in a
// market's resolution source text.
var DefaultSubjectiveTerms = map[string]bool{
	"likely": true, "probably": true, "uncertain": true, "debatable": true,
	"controversial": true, "disputed": true, "questionable": true,
	"ambiguous": true, "subjective": true,
}

// Item is a single fetched evidence item from an allowlisted source.
type Item struct {
	SourceID        string
	URL             string
	Title           string
	Text            string
	PublishedAtUTC  *time.Time
	ReliabilityTier int // 1 = highest
	ParserName      string
	ParserVersion   string
}

func (i Item) canonicalMap() map[string]any {
	var pub any
	if i.PublishedAtUTC != nil {
		pub = i.PublishedAtUTC.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"source_id":         i.SourceID,
		"url":                i.URL,
		"title":              i.Title,
		"text":               i.Text,
		"published_at_utc":   pub,
		"reliability_tier":   i.ReliabilityTier,
		"parser_name":        i.ParserName,
		"parser_version":     i.ParserVersion,
	}
}

// CandidateContext is the subset of candidate data thesis/high-stakes
// determination needs.
type CandidateContext struct {
	TriggerReasons       []string
	IntendedOrderSizeUSD float64
}

// MarketContext is the subset of market data thesis/high-stakes
// determination needs.
type MarketContext struct {
	Category         string
	ResolutionSource string
	EndDateUTC       *time.Time
}

// IsThesisRequired implements spec §10.3: evidence is required if the
// market's category is allowlisted and a mid_move/approaching_resolution
// trigger fired, OR the intended order size is >= 0.5% of wallet, OR the
// resolution text itself reads as subjective.
func IsThesisRequired(c CandidateContext, m MarketContext, walletUSD float64, subjectiveTerms map[string]bool) bool {
	if subjectiveTerms == nil {
		subjectiveTerms = DefaultSubjectiveTerms
	}

	cat := strings.ToLower(m.Category)
	if polyconst.AllowlistCategories[cat] {
		for _, tr := range c.TriggerReasons {
			if tr == "mid_move" || tr == "approaching_resolution" {
				return true
			}
		}
	}

	if c.IntendedOrderSizeUSD >= 0.005*walletUSD {
		return true
	}

	text := strings.ToLower(m.ResolutionSource)
	for term := range subjectiveTerms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// IsHighStakes implements spec §10.4.
func IsHighStakes(c CandidateContext, m MarketContext, walletUSD, disputeRisk float64, now time.Time) bool {
	if c.IntendedOrderSizeUSD >= 0.01*walletUSD {
		return true
	}
	if m.EndDateUTC != nil {
		if m.EndDateUTC.Sub(now) <= 6*time.Hour {
			return true
		}
	}
	return disputeRisk >= 0.7
}

// IsTTLValid implements spec §10.5: evidence must carry a publish
// timestamp and be no older than min(source TTL, category TTL override).
func IsTTLValid(item Item, sourceTTL time.Duration, categoryTTLOverride *time.Duration, now time.Time) bool {
	if item.PublishedAtUTC == nil {
		return false
	}
	effective := sourceTTL
	if categoryTTLOverride != nil && *categoryTTLOverride < effective {
		effective = *categoryTTLOverride
	}
	age := now.Sub(*item.PublishedAtUTC)
	return age <= effective
}

// ComputeBundleHash is the SHA-256 hex digest of the canonical,
// sorted-key JSON array of selected items.
func ComputeBundleHash(items []Item) string {
	arr := make([]map[string]any, len(items))
	for i, it := range items {
		arr[i] = it.canonicalMap()
	}
	canonical := marshalSorted(arr)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func marshalSorted(arr []map[string]any) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, obj := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for j, k := range keys {
			if j > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			vb, _ := json.Marshal(obj[k])
			b.Write(vb)
		}
		b.WriteByte('}')
	}
	b.WriteByte(']')
	return b.String()
}

// BuildBundle implements spec §10.6: TTL-filter, sort by
// (tier ascending, newest first, source_id), cap at MaxEvidenceItems,
// then enforce byte/char budgets with deterministic truncation.
// Returns the final selected items and their canonical bundle hash.
func BuildBundle(items []Item, sourceTTLs map[string]time.Duration, now time.Time) ([]Item, string) {
	var valid []Item
	for _, it := range items {
		ttl, ok := sourceTTLs[it.SourceID]
		if !ok {
			ttl = defaultSourceTTL
		}
		if IsTTLValid(it, ttl, nil, now) {
			valid = append(valid, it)
		}
	}

	sort.SliceStable(valid, func(i, j int) bool {
		a, b := valid[i], valid[j]
		if a.ReliabilityTier != b.ReliabilityTier {
			return a.ReliabilityTier < b.ReliabilityTier
		}
		ta, tb := int64(0), int64(0)
		if a.PublishedAtUTC != nil {
			ta = a.PublishedAtUTC.Unix()
		}
		if b.PublishedAtUTC != nil {
			tb = b.PublishedAtUTC.Unix()
		}
		if ta != tb {
			return ta > tb // newest first
		}
		return a.SourceID < b.SourceID
	})

	if len(valid) > MaxEvidenceItems {
		valid = valid[:MaxEvidenceItems]
	}

	var final []Item
	var totalChars, totalBytes int
	for _, it := range valid {
		chars := len([]rune(it.Text))
		bytes := len(it.Text)

		if totalChars+chars > MaxEvidenceTextCharsTotal {
			remaining := MaxEvidenceTextCharsTotal - totalChars
			if remaining > 100 {
				runes := []rune(it.Text)
				it.Text = string(runes[:remaining])
				final = append(final, it)
			}
			break
		}
		if totalBytes+bytes > MaxEvidenceBytesTotal {
			break
		}
		totalChars += chars
		totalBytes += bytes
		final = append(final, it)
	}

	return final, ComputeBundleHash(final)
}

var (
	yesSignals = map[string]bool{"will": true, "yes": true, "likely": true, "confirms": true, "approved": true, "passed": true}
	noSignals  = map[string]bool{"won't": true, "no": true, "unlikely": true, "denied": true, "rejected": true, "failed": true}
)

// DetectConflict implements the keyword-based Tier1/Tier2 conflict
// heuristic from spec §10.7.
func DetectConflict(items []Item) (bool, string) {
	var highTier []Item
	for _, it := range items {
		if it.ReliabilityTier <= 2 {
			highTier = append(highTier, it)
		}
	}
	if len(highTier) < 2 {
		return false, ""
	}

	var yesCount, noCount int
	for _, it := range highTier {
		text := strings.ToLower(it.Text)
		var yesHits, noHits int
		for w := range yesSignals {
			if strings.Contains(text, w) {
				yesHits++
			}
		}
		for w := range noSignals {
			if strings.Contains(text, w) {
				noHits++
			}
		}
		if yesHits > noHits {
			yesCount++
		} else if noHits > yesHits {
			noCount++
		}
	}

	if yesCount > 0 && noCount > 0 {
		return true, "conflicting tier1/2 evidence signals"
	}
	return false, ""
}

// ResolveConflict implements spec §10.7's resolution table, returning
// whether the pipeline may proceed and, if not, the NO_TRADE reason.
func ResolveConflict(items []Item, highStakes bool) (proceed bool, reason *polyconst.NoTradeReason) {
	hasConflict, _ := DetectConflict(items)
	if !hasConflict {
		return true, nil
	}

	var tier1 int
	for _, it := range items {
		if it.ReliabilityTier == 1 {
			tier1++
		}
	}

	if highStakes && tier1 < 2 {
		r := polyconst.ReasonEvidenceTier1Insufficient
		return false, &r
	}
	if tier1 >= 2 {
		return true, nil
	}
	r := polyconst.ReasonEvidenceConflict
	return false, &r
}

// FetchRateLimiter enforces EvidenceFetchesPerHourMax over a trailing
// 1h sliding window.
type FetchRateLimiter struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// NewFetchRateLimiter constructs an empty limiter.
func NewFetchRateLimiter() *FetchRateLimiter { return &FetchRateLimiter{} }

// CanFetch reports whether another evidence fetch is allowed at now.
func (l *FetchRateLimiter) CanFetch(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-time.Hour)
	pruned := l.timestamps[:0]
	for _, t := range l.timestamps {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	l.timestamps = pruned
	return len(l.timestamps) < polyconst.EvidenceFetchesPerHourMax
}

// RecordFetch registers a fetch at now.
func (l *FetchRateLimiter) RecordFetch(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timestamps = append(l.timestamps, now)
}
