// Package calibration implements Brier-score trust control and the
// effective-probability blend between the exchange's market price and
// the AI swarm's calibrated estimate (spec §14).
package calibration

import (
	"github.com/polyedge/polyedge/internal/polyconst"
)

// ReasonPEffOutlier is returned by ComputePEff when the blended
// probability has drifted too far from the market price even after
// clamping — a signal the market/AI disagreement is unsafe to act on.
const ReasonPEffOutlier = polyconst.ReasonPEffOutlier

var defaultBins = []float64{0.0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}

// BrierScore computes the mean squared error between predicted
// probabilities and binary outcomes. Lower is better, range [0,1].
// Mismatched or empty inputs return 1.0 (worst possible), matching
// the convention that an uncalibratable history never earns trust.
func BrierScore(predictions []float64, outcomes []int) float64 {
	if len(predictions) == 0 || len(predictions) != len(outcomes) {
		return 1.0
	}
	sum := 0.0
	for i, p := range predictions {
		d := p - float64(outcomes[i])
		sum += d * d
	}
	return sum / float64(len(predictions))
}

// Bin is one calibration histogram bucket.
type Bin struct {
	Lo, Hi           float64
	PredictedMean    float64
	ObservedFraction float64
	HasObserved      bool
	Count            int
}

// CalibrationBins buckets predictions/outcomes into bin_edges (or the
// default deciles) reporting predicted mean vs. observed frequency
// per bin, for the operator calibration dashboard.
func CalibrationBins(predictions []float64, outcomes []int, binEdges []float64) []Bin {
	edges := binEdges
	if edges == nil {
		edges = defaultBins
	}

	bins := make([]Bin, 0, len(edges)-1)
	for i := 0; i < len(edges)-1; i++ {
		lo, hi := edges[i], edges[i+1]
		isLast := i == len(edges)-2

		var preds []float64
		var outs []int
		for j, p := range predictions {
			if (p >= lo && p < hi) || (isLast && p == hi) {
				preds = append(preds, p)
				outs = append(outs, outcomes[j])
			}
		}

		if len(preds) == 0 {
			bins = append(bins, Bin{Lo: lo, Hi: hi, PredictedMean: (lo + hi) / 2})
			continue
		}

		predSum, outSum := 0.0, 0
		for k, p := range preds {
			predSum += p
			outSum += outs[k]
		}
		bins = append(bins, Bin{
			Lo: lo, Hi: hi,
			PredictedMean:    predSum / float64(len(preds)),
			ObservedFraction: float64(outSum) / float64(len(preds)),
			HasObserved:      true,
			Count:            len(preds),
		})
	}
	return bins
}

// EvidenceTierMix summarises the reliability tiers behind an analysis,
// used to discount trust when no Tier-1 source was present.
type EvidenceTierMix struct {
	Tier1Count int
}

// ComputeWAI implements spec §14.2's AI influence control law: zero
// trust until NResolvedMin outcomes have accumulated, then W_AI_MAX
// reduced for worse-than-baseline calibration, high model disagreement,
// high dispute risk, and thin Tier-1 evidence.
func ComputeWAI(nResolved int, categoryBrierAI, categoryBrierBaseline *float64, disagreement, disputeRisk float64, evidenceTierMix *EvidenceTierMix) float64 {
	if nResolved < polyconst.NResolvedMin {
		return 0.0
	}

	w := polyconst.WAIMax

	if categoryBrierAI != nil && categoryBrierBaseline != nil && *categoryBrierAI > *categoryBrierBaseline {
		denom := *categoryBrierAI
		if denom < 0.001 {
			denom = 0.001
		}
		ratio := *categoryBrierBaseline / denom
		w *= ratio
	}

	if disagreement > 0 {
		factor := 1.0 - disagreement*3
		if factor < 0 {
			factor = 0
		}
		w *= factor
	}

	if disputeRisk > 0.5 {
		factor := 1.0 - (disputeRisk-0.5)*2
		if factor < 0 {
			factor = 0
		}
		w *= factor
	}

	if evidenceTierMix != nil && evidenceTierMix.Tier1Count == 0 {
		w *= 0.5
	}

	if w < 0 {
		w = 0
	}
	if w > polyconst.WAIMax {
		w = polyconst.WAIMax
	}
	return w
}

// ComputePEff implements spec §14.2's effective-probability blend:
//
//	p_eff = p_market + w_ai * (p_ai_cal - p_market)
//
// clamped to a dispute-risk-dependent delta_max from the market price.
// The outlier check is evaluated against the RAW (pre-clamp) deviation
// from the market price: a blend that wanted to move further than
// P_EFF_OUTLIER_THRESHOLD is itself evidence of a bad AI read, even
// though the clamp would otherwise have hidden it inside delta_max.
// Returns the final probability (clamped to [0,1] when accepted) and,
// if rejected, ReasonPEffOutlier.
func ComputePEff(pMarket, pAICal, wAI, disputeRisk float64) (float64, *polyconst.NoTradeReason) {
	pEffRaw := pMarket + wAI*(pAICal-pMarket)

	deltaMax := polyconst.DeltaMaxDefault
	if disputeRisk >= 0.7 {
		deltaMax = polyconst.DeltaMaxHighDispute
	}

	rawDelta := pEffRaw - pMarket
	if absF(rawDelta) > polyconst.PEffOutlierThreshold {
		r := polyconst.ReasonPEffOutlier
		return pEffRaw, &r
	}

	pEff := pEffRaw
	if absF(rawDelta) > deltaMax {
		if rawDelta > 0 {
			pEff = pMarket + deltaMax
		} else {
			pEff = pMarket - deltaMax
		}
	}

	if pEff < 0 {
		pEff = 0
	}
	if pEff > 1 {
		pEff = 1
	}
	return pEff, nil
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
