// Package aiswarm implements the OpenRouter AI swarm: parallel dispatch
// to four fixed models, strict JSON schema validation, quorum and
// disagreement checks, and the budget manager gating every call
// (spec §12-13).
package aiswarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// ErrDisabled is returned by Analyze when no OpenRouter API key is configured.
var ErrDisabled = fmt.Errorf("ai swarm disabled: no OPENROUTER_API_KEY configured")

// ModelResult is one model's outcome from a swarm dispatch.
type ModelResult struct {
	Model     string
	Weight    int
	ParseOK   bool
	Response  Response
	Error     string
	LatencyMs int64
}

// AnalysisResult is the aggregated outcome of one swarm dispatch.
type AnalysisResult struct {
	MarketID          string
	CandidateID       string
	PromptHash        string
	SchemaVersion     string
	QuorumMet         bool
	QuorumReason      string
	Disagreement      float64
	AggregatedProbYes float64
	HasAggregate      bool
	ModelResults      []ModelResult
	ModelsTotal       int
	ModelsValid       int
}

// Swarm dispatches analysis requests to the fixed OpenRouter model set.
type Swarm struct {
	http    *resty.Client
	apiKey  string
	enabled bool
	logger  *slog.Logger
}

// New constructs a Swarm. apiKey empty or the documented placeholder
// leaves the swarm permanently disabled, mirroring the teacher's
// explicit-disable-over-silent-failure convention.
func New(apiKey string, logger *slog.Logger) *Swarm {
	enabled := apiKey != "" && apiKey != "sk-or-REPLACE_ME"
	client := resty.New().
		SetBaseURL(polyconst.OpenRouterAPIURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+apiKey)

	if enabled {
		logger.Info("ai swarm initialised", "models", len(polyconst.SwarmModels))
	} else {
		logger.Info("ai swarm initialised in disabled mode (no api key)")
	}

	return &Swarm{http: client, apiKey: apiKey, enabled: enabled, logger: logger}
}

// IsEnabled reports whether the swarm has a usable API key.
func (s *Swarm) IsEnabled() bool { return s.enabled }

type chatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []chatMessage   `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (s *Swarm) callSingleModel(ctx context.Context, modelKey, prompt, marketID string) ModelResult {
	weight := 1
	for _, m := range polyconst.SwarmModels {
		if m.Key == modelKey {
			weight = m.Weight
		}
	}
	result := ModelResult{Model: modelKey, Weight: weight}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, polyconst.PerModelTimeoutSec*time.Second)
	defer cancel()

	reqBody := chatCompletionRequest{
		Model: modelKey,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: 0.1,
		MaxTokens:   2000,
	}

	var raw chatCompletionResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(reqBody).
		SetResult(&raw).
		Post("")
	result.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		result.Error = err.Error()
		return result
	}
	if resp.IsError() {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode())
		return result
	}
	if len(raw.Choices) == 0 {
		result.Error = "no choices in response"
		return result
	}

	content := extractJSONBlock(raw.Choices[0].Message.Content)

	var decoded map[string]any
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		result.Error = fmt.Sprintf("json parse error: %v", err)
		return result
	}

	parsed, errs := ValidateResponse(decoded)
	if len(errs) > 0 {
		result.Error = "schema validation: " + strings.Join(errs, "; ")
		return result
	}

	parsed.MarketID = marketID
	result.Response = parsed
	result.ParseOK = true
	return result
}

// extractJSONBlock strips a ```json ... ``` fence if the model wrapped
// its answer in markdown, matching loose real-world model behaviour.
func extractJSONBlock(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	lines := strings.Split(content, "\n")
	var out []string
	inBlock := false
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "```") && !inBlock:
			inBlock = true
		case strings.HasPrefix(line, "```") && inBlock:
			return strings.Join(out, "\n")
		case inBlock:
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// Analyze dispatches the prompt to all four swarm models concurrently,
// bounded by SwarmTotalTimeoutSec, and aggregates quorum/disagreement.
func (s *Swarm) Analyze(ctx context.Context, marketID, candidateID, prompt string) (AnalysisResult, error) {
	if !s.enabled {
		return AnalysisResult{}, ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, polyconst.SwarmTotalTimeoutSec*time.Second)
	defer cancel()

	results := make([]ModelResult, len(polyconst.SwarmModels))
	var wg sync.WaitGroup
	for i, m := range polyconst.SwarmModels {
		wg.Add(1)
		go func(i int, modelKey string) {
			defer wg.Done()
			results[i] = s.callSingleModel(ctx, modelKey, prompt, marketID)
		}(i, m.Key)
	}
	wg.Wait()

	quorumMet, quorumReason := CheckQuorum(results)

	var valid []ModelResult
	for _, r := range results {
		if r.ParseOK {
			valid = append(valid, r)
		}
	}

	var aggregated float64
	hasAggregate := false
	if len(valid) > 0 {
		totalWeight := 0
		for _, r := range valid {
			totalWeight += r.Weight
		}
		if totalWeight > 0 {
			sum := 0.0
			for _, r := range valid {
				sum += r.Response.ProbYesRaw * float64(r.Weight)
			}
			aggregated = sum / float64(totalWeight)
			hasAggregate = true
		}
	}

	return AnalysisResult{
		MarketID:          marketID,
		CandidateID:       candidateID,
		PromptHash:        ComputePromptHash(prompt),
		SchemaVersion:     SchemaVersion,
		QuorumMet:         quorumMet,
		QuorumReason:      quorumReason,
		Disagreement:      ComputeWeightedDisagreement(valid),
		AggregatedProbYes: aggregated,
		HasAggregate:      hasAggregate,
		ModelResults:      results,
		ModelsTotal:       len(polyconst.SwarmModels),
		ModelsValid:       len(valid),
	}, nil
}

// ComputeWeightedDisagreement returns the weighted standard deviation
// of prob_yes_raw across valid results, 0 if fewer than two.
func ComputeWeightedDisagreement(results []ModelResult) float64 {
	if len(results) < 2 {
		return 0
	}
	totalWeight := 0
	for _, r := range results {
		totalWeight += r.Weight
	}
	if totalWeight == 0 {
		return 0
	}

	weightedSum := 0.0
	for _, r := range results {
		weightedSum += r.Response.ProbYesRaw * float64(r.Weight)
	}
	mean := weightedSum / float64(totalWeight)

	variance := 0.0
	for _, r := range results {
		d := r.Response.ProbYesRaw - mean
		variance += float64(r.Weight) * d * d
	}
	variance /= float64(totalWeight)

	return math.Sqrt(variance)
}

// CheckQuorum implements spec §12.4: at least QuorumMinModels valid
// responses, total weight at least QuorumMinWeight, and weighted
// disagreement at or below DisagreeThreshold.
func CheckQuorum(results []ModelResult) (bool, string) {
	var valid []ModelResult
	for _, r := range results {
		if r.ParseOK {
			valid = append(valid, r)
		}
	}

	if len(valid) < polyconst.QuorumMinModels {
		return false, fmt.Sprintf("only %d/%d models returned valid JSON", len(valid), polyconst.QuorumMinModels)
	}

	totalWeight := 0
	for _, r := range valid {
		totalWeight += r.Weight
	}
	if totalWeight < polyconst.QuorumMinWeight {
		return false, fmt.Sprintf("total weight %d/%d insufficient", totalWeight, polyconst.QuorumMinWeight)
	}

	disagreement := ComputeWeightedDisagreement(valid)
	if disagreement > polyconst.DisagreeThreshold {
		return false, fmt.Sprintf("weighted stdev %.4f > threshold %.4f", disagreement, polyconst.DisagreeThreshold)
	}

	return true, ""
}
