package aiswarm

import (
	"fmt"
	"sort"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// SchemaVersion is the strict JSON schema version the swarm requires
// from every model response (spec §12.5).
const SchemaVersion = polyconst.AISchemaVersion

var requiredFields = []string{
	"market_id", "prob_yes_raw", "confidence_raw", "resolution_risk",
	"dispute_risk", "resolution_summary", "evidence_summary",
	"uncertainty_reason", "key_drivers", "disqualifiers",
	"recommended_side", "notes",
}

var validSides = map[string]bool{"YES": true, "NO": true, "NO_TRADE": true}

// Response is a validated model analysis response.
type Response struct {
	MarketID           string
	ProbYesRaw         float64
	ConfidenceRaw      float64
	ResolutionRisk     float64
	DisputeRisk        float64
	ResolutionSummary  string
	EvidenceSummary    string
	UncertaintyReason  string
	KeyDrivers         []string
	Disqualifiers      []string
	RecommendedSide    string
	Notes              string
}

// ValidateResponse checks a raw decoded JSON object against the strict
// schema (spec §12.5): required fields present, numeric fields in
// [0,1], recommended_side in the valid set, arrays/strings typed
// correctly. Returns the parsed Response and any validation errors; a
// non-empty errs means the response must be discarded.
func ValidateResponse(raw map[string]any) (Response, []string) {
	var errs []string

	var missing []string
	for _, f := range requiredFields {
		if _, ok := raw[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		errs = append(errs, fmt.Sprintf("missing required fields: %v", missing))
	}

	numeric := func(field string) float64 {
		v, ok := raw[field]
		if !ok {
			return 0
		}
		n, ok := v.(float64)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s must be numeric", field))
			return 0
		}
		if n < 0 || n > 1 {
			errs = append(errs, fmt.Sprintf("%s out of range [0,1]: %v", field, n))
		}
		return n
	}

	probYes := numeric("prob_yes_raw")
	confidence := numeric("confidence_raw")
	resRisk := numeric("resolution_risk")
	disputeRisk := numeric("dispute_risk")

	side, _ := raw["recommended_side"].(string)
	if side != "" && !validSides[side] {
		errs = append(errs, fmt.Sprintf("recommended_side must be YES/NO/NO_TRADE, got %q", side))
	}

	strField := func(field string) string {
		v, ok := raw[field]
		if !ok {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s must be a string", field))
			return ""
		}
		return s
	}

	arrField := func(field string) []string {
		v, ok := raw[field]
		if !ok {
			return nil
		}
		arr, ok := v.([]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s must be an array", field))
			return nil
		}
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}

	marketID, _ := raw["market_id"].(string)

	resp := Response{
		MarketID:          marketID,
		ProbYesRaw:        probYes,
		ConfidenceRaw:     confidence,
		ResolutionRisk:    resRisk,
		DisputeRisk:       disputeRisk,
		ResolutionSummary: strField("resolution_summary"),
		EvidenceSummary:   strField("evidence_summary"),
		UncertaintyReason: strField("uncertainty_reason"),
		KeyDrivers:        arrField("key_drivers"),
		Disqualifiers:     arrField("disqualifiers"),
		RecommendedSide:   side,
		Notes:             strField("notes"),
	}

	return resp, errs
}
