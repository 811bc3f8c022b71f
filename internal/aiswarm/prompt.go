package aiswarm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// MarketFacts is the subset of market data fed into the analysis prompt.
type MarketFacts struct {
	Title            string
	Description      string
	Category         string
	ResolutionSource string
	EndDateUTC       string
}

// SnapshotFacts is the subset of book data fed into the analysis prompt.
type SnapshotFacts struct {
	BestBidYes, BestAskYes float64
	BestBidNo, BestAskNo   float64
}

// EvidenceFacts is one evidence item surfaced to the model.
type EvidenceFacts struct {
	Title           string
	Text            string
	ReliabilityTier int
	SourceID        string
}

// BuildAnalysisPrompt renders the swarm's user prompt (spec §12.6):
// market facts, current book (if any), up to 6 evidence items truncated
// to 500 chars each, and a worked example of the required JSON shape.
func BuildAnalysisPrompt(market MarketFacts, evidence []EvidenceFacts, snapshot *SnapshotFacts) string {
	var b strings.Builder
	b.WriteString("You are analysing a binary prediction market. Respond ONLY with valid JSON.\n\n")
	fmt.Fprintf(&b, "Market: %s\n", orUnknown(market.Title))
	fmt.Fprintf(&b, "Description: %s\n", market.Description)
	fmt.Fprintf(&b, "Category: %s\n", market.Category)
	fmt.Fprintf(&b, "Resolution source: %s\n", market.ResolutionSource)
	fmt.Fprintf(&b, "End date: %s\n", market.EndDateUTC)

	if snapshot != nil {
		b.WriteString("\nCurrent prices:\n")
		fmt.Fprintf(&b, "  YES best_bid=%.4f best_ask=%.4f\n", snapshot.BestBidYes, snapshot.BestAskYes)
		fmt.Fprintf(&b, "  NO  best_bid=%.4f best_ask=%.4f\n", snapshot.BestBidNo, snapshot.BestAskNo)
	}

	if len(evidence) > 0 {
		b.WriteString("\nEvidence:\n")
		for i, item := range evidence {
			fmt.Fprintf(&b, "  [%d] %s (Tier %d - %s)\n", i+1, item.Title, item.ReliabilityTier, item.SourceID)
			text := item.Text
			if len(text) > 500 {
				text = text[:500]
			}
			fmt.Fprintf(&b, "    %s\n", text)
		}
	}

	example, _ := json.MarshalIndent(map[string]any{
		"market_id":           "<market_id>",
		"prob_yes_raw":        0.55,
		"confidence_raw":      0.7,
		"resolution_risk":     0.1,
		"dispute_risk":        0.05,
		"resolution_summary":  "...",
		"evidence_summary":    "...",
		"uncertainty_reason":  "...",
		"key_drivers":         []string{"..."},
		"disqualifiers":       []string{"..."},
		"recommended_side":    "YES|NO|NO_TRADE",
		"notes":               "...",
	}, "", "  ")

	fmt.Fprintf(&b, "\nRespond with JSON matching schema version %q:\n%s", SchemaVersion, example)
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// ComputePromptHash is the SHA-256 hex digest of the rendered prompt,
// recorded alongside every analysis for replayability.
func ComputePromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
