package engine

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"github.com/polyedge/polyedge/internal/evidence"
)

// fallbackModelPriceUSD is the worst-case per-call cost assumed for a
// swarm model with no entry in model_pricing.json: conservative enough
// that an unpriced model degrades the budget rather than bypassing it.
const fallbackModelPriceUSD = "0.05"

// modelPricing maps an OpenRouter model key to its worst-case USD cost
// for a single analysis call, used to size aiswarm.BudgetManager.Reserve
// calls before swarm.Swarm.Analyze dispatches to it. Reserve takes a
// single modelKey, so the engine reserves once per model in the fixed
// swarm rather than once per swarm dispatch.
type modelPricing map[string]decimal.Decimal

// loadModelPricing reads model_pricing.json (one of configsign's
// tracked manifest files) from configDir. Its absence or malformed
// content is non-fatal — callers fall back to fallbackModelPriceUSD
// per model, the same graceful-degrade posture evidence sources and
// the AI budget manager itself use elsewhere.
func loadModelPricing(configDir string, logger *slog.Logger) modelPricing {
	path := filepath.Join(configDir, "model_pricing.json")
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("model_pricing.json unavailable, using fallback price for all models", "error", err)
		return modelPricing{}
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warn("model_pricing.json malformed, using fallback price for all models", "error", err)
		return modelPricing{}
	}

	out := make(modelPricing, len(raw))
	for model, priceStr := range raw {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			logger.Warn("model_pricing.json has unparseable entry, skipping", "model", model, "value", priceStr)
			continue
		}
		out[model] = price
	}
	return out
}

func (m modelPricing) worstCaseUSD(modelKey string) decimal.Decimal {
	if price, ok := m[modelKey]; ok {
		return price
	}
	fallback, _ := decimal.NewFromString(fallbackModelPriceUSD)
	return fallback
}

// loadEvidenceSources reads evidence_sources.json, another of
// configsign's tracked manifest files, into the allowlisted source
// list evidence.Fetcher draws from. An empty or unreadable file means
// no sources are configured — thesis-required candidates will then
// simply gather zero evidence items and fall through to the
// insufficient-evidence filter rather than crash the engine.
func loadEvidenceSources(configDir string, logger *slog.Logger) []evidence.Source {
	path := filepath.Join(configDir, "evidence_sources.json")
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("evidence_sources.json unavailable, no evidence sources configured", "error", err)
		return nil
	}

	var sources []evidence.Source
	if err := json.Unmarshal(data, &sources); err != nil {
		logger.Warn("evidence_sources.json malformed, no evidence sources configured", "error", err)
		return nil
	}
	return sources
}
