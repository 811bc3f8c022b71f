// Package polyconst holds the locked numeric and timing defaults that
// every PolyEdge subsystem is built against. Values must not be
// overridden at runtime except through the signed config manifest
// (see internal/configsign).
package polyconst

import "time"

// Categories.
var (
	AllowlistCategories = map[string]bool{
		"geopolitics": true,
		"economics":   true,
		"tech/ai":     true,
	}
	DenylistCategories = map[string]bool{
		"sports": true,
	}
)

// Risk limits, percentage-of-wallet.
const (
	DailyStopLossPct    = 0.03
	MaxPerMarketPct     = 0.02
	MaxTotalExposurePct = 0.10
	MaxOpenPositions    = 5
)

// AI budget.
const (
	AICapUSDUser          = 2.00
	AICapPctPerDayDefault = 0.005
	AIWindowSec           = 600
	AIWindowCapPctOfDaily = 0.20
	AIAnalysesPerDayHardCap = 100
)

// Paper runway.
const (
	PaperRunwayDaysMin = 30
	PaperFeeMultiplier = 2.0
	PaperMinFeeBps     = 10
)

// DefaultFeeRateBps is the CLOB-wide taker fee rate used when no
// per-market fee is returned by the exchange (Polymarket's CLOB has
// run a zero-fee promotion since launch; neither the Gamma market
// payload nor the order book response carries a per-market override).
const DefaultFeeRateBps = 0

// Watchlist and throughput caps.
const (
	WatchlistMax                  = 200
	ProbationMax                   = 50
	CandidatesPerMinMax            = 50
	PerMarketCandidatesPerMinMax   = 10
	EvidenceFetchesPerHourMax      = 60
	QuarantineTriggerThreshold     = 10
	QuarantineDuration             = 2 * time.Hour
)

// WS and loop intervals.
const (
	FastLoopSec                      = 2
	WSHeartbeatSec                   = 10
	MaxMarketSnapshotAgeDecisionSec  = 6
	MaxMarketSnapshotAgeExecSec      = 3
	MaxDecisionToExecDelaySec        = 8
	CandidateMaxAgeSec               = 120
	TriggerPersistUpdates            = 3
	TriggerPersistMinSec             = 6
)

// Execution guardrails.
const (
	ReconcileHeartbeatSec      = 60
	ReconciliationLagSec       = 5
	ReconcileRetryN            = 3
	ReconcileRetryBackoffSec   = 2
	LiveResidualCancelAfterSec = 30
	MaxReplacePerMarketPerMin  = 3
	MinReplaceIntervalSec      = 5
)

// Locks.
const (
	LockTTLSec                  = 60
	LockRenewEverySec           = 10
	LockStealGraceAfterExpirySec = 5
	MinLockTTLBeforeSubmitSec   = 10
)

// Arming ceremony.
const (
	ArmingWindowSec     = 300
	ArmingNonce1TTLSec  = 120
	ArmingFileMaxAgeSec = 900
	TOTPReplayBlockSec  = 60
)

// Market quality thresholds.
const (
	TimeToResolutionMinSec = 3600
	TimeToResolutionMaxSec = 90 * 86400
	MinVolume24hUSD        = 500.0
	MinLiquidityUSD        = 1000.0
	MaxSpreadAbs           = 0.03
	MinDepthUSDNearTop     = 50.0
	BookLevelsRequired     = 3
	AskSumLow              = 0.98
	AskSumHigh             = 2.00
)

// Clock drift.
const ClockSkewMaxSec = 5

// Calibration and trust.
const (
	WAIMax              = 0.35
	NResolvedMin        = 50
	DeltaMaxDefault     = 0.10
	DeltaMaxHighDispute = 0.05
	PEffOutlierThreshold = 0.20
)

// Decision engine.
const EVMin = 0.01

// Risk.
const MinReconcileThresholdUSD = 1.00

// BotState is a valid durable state machine value.
type BotState string

const (
	StateObserveOnly  BotState = "OBSERVE_ONLY"
	StatePaperTrading BotState = "PAPER_TRADING"
	StateLiveArmed    BotState = "LIVE_ARMED"
	StateLiveTrading  BotState = "LIVE_TRADING"
	StateHalted       BotState = "HALTED"
	StateHaltedDaily  BotState = "HALTED_DAILY"
)

var ValidStates = map[BotState]bool{
	StateObserveOnly:  true,
	StatePaperTrading: true,
	StateLiveArmed:    true,
	StateLiveTrading:  true,
	StateHalted:       true,
	StateHaltedDaily:  true,
}

// AISwarmModel describes one fixed member of the 4-model swarm.
type AISwarmModel struct {
	Key    string
	Weight int
}

// SwarmModels is the fixed 4-model swarm with weights 2/2/1/1.
var SwarmModels = []AISwarmModel{
	{Key: "deepseek/deepseek-v3.2", Weight: 2},
	{Key: "minimax/minimax-m2.5", Weight: 2},
	{Key: "moonshotai/kimi-k2.5", Weight: 1},
	{Key: "z-ai/glm-5", Weight: 1},
}

const (
	PerModelTimeoutSec  = 8
	SwarmTotalTimeoutSec = 10
	QuorumMinModels      = 3
	QuorumMinWeight      = 4
	DisagreeThreshold    = 0.12
	AISchemaVersion      = "polyedge.ai.v2.5"
	OpenRouterAPIURL     = "https://openrouter.ai/api/v1/chat/completions"
)

// NoTradeReason is one of the 23 canonical reason codes a decision
// records when the pipeline declines to trade.
type NoTradeReason string

const (
	ReasonCandidateExpired             NoTradeReason = "CANDIDATE_EXPIRED"
	ReasonMarketNotEligible            NoTradeReason = "MARKET_NOT_ELIGIBLE"
	ReasonTimeToResolutionOutOfRange   NoTradeReason = "TIME_TO_RESOLUTION_OUT_OF_RANGE"
	ReasonVolumeTooLow                 NoTradeReason = "VOLUME_TOO_LOW"
	ReasonLiquidityTooLow              NoTradeReason = "LIQUIDITY_TOO_LOW"
	ReasonSnapshotInvalidBook          NoTradeReason = "SNAPSHOT_INVALID_BOOK"
	ReasonSnapshotAskSumAnomaly        NoTradeReason = "SNAPSHOT_ASK_SUM_ANOMALY"
	ReasonSpreadTooWide                NoTradeReason = "SPREAD_TOO_WIDE"
	ReasonDepthTooThin                 NoTradeReason = "DEPTH_TOO_THIN"
	ReasonWSUnhealthyDecision          NoTradeReason = "WS_UNHEALTHY_DECISION"
	ReasonEvidenceRequired             NoTradeReason = "EVIDENCE_REQUIRED"
	ReasonEvidenceConflict             NoTradeReason = "EVIDENCE_CONFLICT"
	ReasonEvidenceTier1Insufficient    NoTradeReason = "EVIDENCE_TIER1_INSUFFICIENT"
	ReasonInjectionDetected            NoTradeReason = "INJECTION_DETECTED"
	ReasonInjectionDetectorInvalid     NoTradeReason = "INJECTION_DETECTOR_INVALID"
	ReasonAIQuorumFailed               NoTradeReason = "AI_QUORUM_FAILED"
	ReasonAIDisagreement               NoTradeReason = "AI_DISAGREEMENT"
	ReasonAIBudgetExceeded             NoTradeReason = "AI_BUDGET_EXCEEDED"
	ReasonPEffOutlier                  NoTradeReason = "P_EFF_OUTLIER"
	ReasonEVTooLow                     NoTradeReason = "EV_TOO_LOW"
	ReasonRiskLimitHit                 NoTradeReason = "RISK_LIMIT_HIT"
	ReasonLockLost                     NoTradeReason = "LOCK_LOST"
	ReasonReconcileRed                 NoTradeReason = "RECONCILE_RED"
)

// AllNoTradeReasons enumerates the complete, closed set. Used by
// observability to validate that a reason recorded anywhere in the
// pipeline belongs to the canonical set.
var AllNoTradeReasons = map[NoTradeReason]bool{
	ReasonCandidateExpired:           true,
	ReasonMarketNotEligible:          true,
	ReasonTimeToResolutionOutOfRange: true,
	ReasonVolumeTooLow:               true,
	ReasonLiquidityTooLow:            true,
	ReasonSnapshotInvalidBook:        true,
	ReasonSnapshotAskSumAnomaly:      true,
	ReasonSpreadTooWide:              true,
	ReasonDepthTooThin:               true,
	ReasonWSUnhealthyDecision:        true,
	ReasonEvidenceRequired:           true,
	ReasonEvidenceConflict:           true,
	ReasonEvidenceTier1Insufficient:  true,
	ReasonInjectionDetected:          true,
	ReasonInjectionDetectorInvalid:   true,
	ReasonAIQuorumFailed:             true,
	ReasonAIDisagreement:             true,
	ReasonAIBudgetExceeded:           true,
	ReasonPEffOutlier:                true,
	ReasonEVTooLow:                   true,
	ReasonRiskLimitHit:               true,
	ReasonLockLost:                   true,
	ReasonReconcileRed:               true,
}
